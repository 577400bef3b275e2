package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/clock/system"
	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
	"github.com/JakeFAU/site-audit-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
	"github.com/JakeFAU/site-audit-crawler/internal/storage/memory"
	"github.com/JakeFAU/site-audit-crawler/internal/worker"
)

type fakeDispatcher struct {
	mu   sync.Mutex
	reqs []crawler.ExecutionRequest
	err  error
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req crawler.ExecutionRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.reqs = append(d.reqs, req)
	return nil
}

type brokenListing struct {
	*memory.BlobStore
}

func (brokenListing) List(context.Context, string, string) (crawler.BlobPage, error) {
	return crawler.BlobPage{}, errors.New("bucket unreachable")
}

type brokenDeletes struct {
	*memory.BlobStore
}

func (brokenDeletes) DeleteMany(context.Context, []string) error {
	return errors.New("permission denied")
}

var (
	defaultLimits = crawler.Limits{MaxDepth: 2, MaxPages: 10, Concurrency: 3}
	submittedAt   = time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)
)

type fixture struct {
	svc        *Service
	store      *memory.Store
	blobs      *memory.BlobStore
	dispatcher *fakeDispatcher
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	f := fixture{
		store:      memory.NewStore(),
		blobs:      memory.NewBlobStoreWithPageSize(2),
		dispatcher: &fakeDispatcher{},
	}
	f.svc = f.service(f.blobs)
	return f
}

func (f fixture) service(blobs crawler.BlobStore) *Service {
	return New(
		f.store,
		blobs,
		f.dispatcher,
		uuid.New(),
		system.NewFixed(submittedAt),
		Config{ScreenshotPrefix: "shots", MaxConcurrency: 8, MaxPages: 100},
		zap.NewNop(),
	)
}

func (f fixture) finish(t *testing.T, jobID string, status crawler.JobStatus) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.TransitionJob(ctx, jobID,
		[]crawler.JobStatus{crawler.JobStatusPending}, crawler.JobStatusRunning, ""))
	if status == crawler.JobStatusRunning {
		return
	}
	require.NoError(t, f.store.TransitionJob(ctx, jobID,
		[]crawler.JobStatus{crawler.JobStatusRunning}, status, ""))
}

func TestSubmitCreatesPendingJobAndDispatches(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: "HTTPS://Ex.com:443/start/?utm_source=x", Limits: defaultLimits})
	require.NoError(t, err)
	require.NotEmpty(t, res.JobID)

	job, err := f.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
	require.Equal(t, "https://ex.com/start", job.StartURL)
	require.Equal(t, defaultLimits, job.Limits)
	require.True(t, job.CreatedAt.Equal(submittedAt))

	site, err := f.store.GetSite(ctx, res.SiteID)
	require.NoError(t, err)
	require.Equal(t, "https://ex.com", site.URL)

	require.Len(t, f.dispatcher.reqs, 1)
	require.Equal(t, crawler.ExecutionRequest{
		JobID:    res.JobID,
		SiteID:   res.SiteID,
		StartURL: "https://ex.com/start",
		Limits:   defaultLimits,
	}, f.dispatcher.reqs[0])

	again, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com/other", Limits: defaultLimits})
	require.NoError(t, err)
	require.Equal(t, res.SiteID, again.SiteID)
	require.NotEqual(t, res.JobID, again.JobID)
}

func TestSubmitRejectsInvalidRequests(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		url    string
		limits crawler.Limits
	}{
		{"empty url", "", defaultLimits},
		{"ftp scheme", "ftp://ex.com", defaultLimits},
		{"javascript", "javascript:alert(1)", defaultLimits},
		{"no host", "https:///path", defaultLimits},
		{"negative depth", "https://ex.com", crawler.Limits{MaxDepth: -1, MaxPages: 1, Concurrency: 1}},
		{"zero pages", "https://ex.com", crawler.Limits{MaxDepth: 1, MaxPages: 0, Concurrency: 1}},
		{"pages over cap", "https://ex.com", crawler.Limits{MaxDepth: 1, MaxPages: 101, Concurrency: 1}},
		{"zero concurrency", "https://ex.com", crawler.Limits{MaxDepth: 1, MaxPages: 1, Concurrency: 0}},
		{"concurrency over cap", "https://ex.com", crawler.Limits{MaxDepth: 1, MaxPages: 1, Concurrency: 9}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture(t)
			_, err := f.svc.Submit(context.Background(), SubmitRequest{URL: tt.url, Limits: tt.limits})
			require.ErrorIs(t, err, crawler.ErrValidation)

			jobs, err := f.store.ListJobs(context.Background(), 0, 0)
			require.NoError(t, err)
			require.Empty(t, jobs)
			require.Empty(t, f.dispatcher.reqs)
		})
	}
}

func TestSubmitDispatchFailureLeavesJobPending(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	f.dispatcher.err = errors.New("queue full")
	res, err := f.svc.Submit(context.Background(), SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.ErrorIs(t, err, crawler.ErrDispatch)
	require.NotEmpty(t, res.JobID)

	job, err := f.store.GetJob(context.Background(), res.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
}

func TestStatusIncludesLatestPage(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.NoError(t, err)

	view, err := f.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	require.Nil(t, view.LatestPage)

	require.NoError(t, f.store.RecordPage(ctx, crawler.Page{ID: "p1", JobID: res.JobID, URL: "https://ex.com"}))
	require.NoError(t, f.store.RecordPage(ctx, crawler.Page{ID: "p2", JobID: res.JobID, URL: "https://ex.com/a"}))
	view, err = f.svc.Status(ctx, res.JobID)
	require.NoError(t, err)
	require.NotNil(t, view.LatestPage)
	require.Equal(t, "p2", view.LatestPage.ID)

	_, err = f.svc.Status(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestRetryCreatesNewJobAndKeepsOriginal(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com/start", Limits: defaultLimits})
	require.NoError(t, err)
	f.finish(t, first.JobID, crawler.JobStatusFailed)
	before, err := f.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)

	carried, err := f.svc.Retry(ctx, RetryRequest{JobID: first.JobID})
	require.NoError(t, err)
	require.NotEqual(t, first.JobID, carried.JobID)
	require.Equal(t, first.SiteID, carried.SiteID)

	retried, err := f.store.GetJob(ctx, carried.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, retried.Status)
	require.Equal(t, first.JobID, retried.RetryOf)
	require.Equal(t, "https://ex.com/start", retried.StartURL)
	require.Equal(t, defaultLimits, retried.Limits)

	after, err := f.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, before, after)

	fresh := crawler.Limits{MaxDepth: 0, MaxPages: 1, Concurrency: 1}
	explicit, err := f.svc.Retry(ctx, RetryRequest{JobID: first.JobID, Limits: &fresh})
	require.NoError(t, err)
	job, err := f.store.GetJob(ctx, explicit.JobID)
	require.NoError(t, err)
	require.Equal(t, fresh, job.Limits)
	require.Len(t, f.dispatcher.reqs, 3)
}

// statusRecordingFetcher serves a single page and records the job status
// seen at fetch time.
type statusRecordingFetcher struct {
	store crawler.Store
	mu    sync.Mutex
	seen  []crawler.JobStatus
}

func (f *statusRecordingFetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	job, err := f.store.GetJob(ctx, req.JobID)
	if err != nil {
		return crawler.FetchResponse{}, err
	}
	f.mu.Lock()
	f.seen = append(f.seen, job.Status)
	f.mu.Unlock()
	return crawler.FetchResponse{
		URL:        req.URL,
		StatusCode: http.StatusOK,
		Headers:    http.Header{"Content-Type": {"text/html"}},
		Body:       []byte("<html><head><title>Home</title></head><body><p>Hello</p></body></html>"),
	}, nil
}

func TestRetriedJobRunsToCompletion(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	first, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.NoError(t, err)
	f.finish(t, first.JobID, crawler.JobStatusFailed)
	before, err := f.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)

	retried, err := f.svc.Retry(ctx, RetryRequest{JobID: first.JobID})
	require.NoError(t, err)
	job, err := f.store.GetJob(ctx, retried.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)

	require.Len(t, f.dispatcher.reqs, 2)
	fetcher := &statusRecordingFetcher{store: f.store}
	w := worker.New(f.store, f.blobs, fetcher, nil, nil, uuid.New(), system.New(),
		worker.Config{ScreenshotPrefix: "shots"}, zap.NewNop())
	require.NoError(t, w.Run(ctx, f.dispatcher.reqs[1]))

	require.Equal(t, []crawler.JobStatus{crawler.JobStatusRunning}, fetcher.seen)
	job, err = f.store.GetJob(ctx, retried.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusCompleted, job.Status)
	require.Equal(t, first.JobID, job.RetryOf)
	require.Equal(t, 1, job.PagesCrawled)
	pages, err := f.store.ListPages(ctx, retried.JobID)
	require.NoError(t, err)
	require.Len(t, pages, 1)

	after, err := f.store.GetJob(ctx, first.JobID)
	require.NoError(t, err)
	require.Equal(t, before, after)
	oldPages, err := f.store.ListPages(ctx, first.JobID)
	require.NoError(t, err)
	require.Empty(t, oldPages)
}

// counterSeries returns the value of the name series whose labels include
// want, and whether it exists.
func counterSeries(t *testing.T, name string, want map[string]string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	series:
		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}
			for k, v := range want {
				if labels[k] != v {
					continue series
				}
			}
			return m.GetCounter().GetValue(), true
		}
	}
	return 0, false
}

func TestSubmissionsCountAsSubmittedNotFinished(t *testing.T) {
	t.Parallel()
	metrics.Init()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.NoError(t, err)
	f.finish(t, res.JobID, crawler.JobStatusFailed)
	_, err = f.svc.Retry(ctx, RetryRequest{JobID: res.JobID})
	require.NoError(t, err)

	created, ok := counterSeries(t, "crawler_jobs_submitted_total", map[string]string{"kind": "new"})
	require.True(t, ok)
	require.GreaterOrEqual(t, created, 1.0)
	retries, ok := counterSeries(t, "crawler_jobs_submitted_total", map[string]string{"kind": "retry"})
	require.True(t, ok)
	require.GreaterOrEqual(t, retries, 1.0)
	_, ok = counterSeries(t, "crawler_jobs_total", map[string]string{"status": "pending"})
	require.False(t, ok)
}

func TestRetryRequiresTerminalJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.NoError(t, err)

	_, err = f.svc.Retry(ctx, RetryRequest{JobID: res.JobID})
	require.ErrorIs(t, err, crawler.ErrConflict)

	f.finish(t, res.JobID, crawler.JobStatusRunning)
	_, err = f.svc.Retry(ctx, RetryRequest{JobID: res.JobID})
	require.ErrorIs(t, err, crawler.ErrConflict)

	_, err = f.svc.Retry(ctx, RetryRequest{JobID: "missing"})
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

// seedCrawledJob records three pages with screenshots for a completed job.
func seedCrawledJob(t *testing.T, f fixture, url string) string {
	t.Helper()
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: url, Limits: defaultLimits})
	require.NoError(t, err)
	for _, id := range []string{"a", "b", "c"} {
		pageID := res.JobID + "-" + id
		uri, err := f.blobs.Put(ctx, worker.ScreenshotKey("shots", res.JobID, pageID), "image/png", []byte("png"))
		require.NoError(t, err)
		require.NoError(t, f.store.RecordPage(ctx, crawler.Page{
			ID:            pageID,
			JobID:         res.JobID,
			URL:           url + "/" + id,
			HTTPStatus:    200,
			ScreenshotURL: uri,
		}))
	}
	f.finish(t, res.JobID, crawler.JobStatusCompleted)
	return res.JobID
}

func TestDeleteJobRemovesPagesAndScreenshots(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	jobID := seedCrawledJob(t, f, "https://ex.com")
	otherID := seedCrawledJob(t, f, "https://other.com")
	require.Equal(t, 6, f.blobs.Len())

	require.NoError(t, f.svc.DeleteJob(ctx, jobID))

	_, err := f.store.GetJob(ctx, jobID)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	pages, err := f.store.ListPages(ctx, jobID)
	require.NoError(t, err)
	require.Empty(t, pages)
	require.Equal(t, 3, f.blobs.Len())

	remaining, err := f.svc.ListPages(ctx, otherID)
	require.NoError(t, err)
	require.Len(t, remaining, 3)

	require.ErrorIs(t, f.svc.DeleteJob(ctx, jobID), crawler.ErrNotFound)
}

func TestDeleteJobRefusesRunningJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.NoError(t, err)
	f.finish(t, res.JobID, crawler.JobStatusRunning)
	_, err = f.blobs.Put(ctx, worker.ScreenshotKey("shots", res.JobID, "p"), "image/png", []byte("png"))
	require.NoError(t, err)

	require.ErrorIs(t, f.svc.DeleteJob(ctx, res.JobID), crawler.ErrConflict)
	require.Equal(t, 1, f.blobs.Len())
}

func TestDeleteJobRefusesPendingJob(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	f.dispatcher.err = errors.New("queue down")
	res, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://ex.com", Limits: defaultLimits})
	require.ErrorIs(t, err, crawler.ErrDispatch)

	require.ErrorIs(t, f.svc.DeleteJob(ctx, res.JobID), crawler.ErrConflict)
	job, err := f.store.GetJob(ctx, res.JobID)
	require.NoError(t, err)
	require.Equal(t, crawler.JobStatusPending, job.Status)
}

func TestDeleteJobListingFailureLeavesRows(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	jobID := seedCrawledJob(t, f, "https://ex.com")

	svc := f.service(brokenListing{BlobStore: f.blobs})
	require.ErrorIs(t, svc.DeleteJob(ctx, jobID), crawler.ErrBlobStore)

	pages, err := f.store.ListPages(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, pages, 3)
}

func TestDeleteJobProceedsPastBlobDeleteFailures(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	jobID := seedCrawledJob(t, f, "https://ex.com")

	svc := f.service(brokenDeletes{BlobStore: f.blobs})
	require.NoError(t, svc.DeleteJob(ctx, jobID))

	_, err := f.store.GetJob(ctx, jobID)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestDeleteAllJobs(t *testing.T) {
	t.Parallel()

	f := newFixture(t)
	ctx := context.Background()
	seedCrawledJob(t, f, "https://ex.com")
	seedCrawledJob(t, f, "https://other.com")
	_, err := f.blobs.Put(ctx, "unrelated/keep.txt", "text/plain", []byte("x"))
	require.NoError(t, err)

	running, err := f.svc.Submit(ctx, SubmitRequest{URL: "https://third.com", Limits: defaultLimits})
	require.NoError(t, err)
	require.ErrorIs(t, f.svc.DeleteAllJobs(ctx), crawler.ErrConflict)
	f.finish(t, running.JobID, crawler.JobStatusRunning)
	require.ErrorIs(t, f.svc.DeleteAllJobs(ctx), crawler.ErrConflict)
	require.Equal(t, 7, f.blobs.Len())

	require.NoError(t, f.store.TransitionJob(ctx, running.JobID,
		[]crawler.JobStatus{crawler.JobStatusRunning}, crawler.JobStatusCompleted, ""))
	require.NoError(t, f.svc.DeleteAllJobs(ctx))

	jobs, err := f.svc.ListJobs(ctx, 0, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
	require.Equal(t, 1, f.blobs.Len())
}
