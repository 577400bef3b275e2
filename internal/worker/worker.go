// Package worker runs crawl jobs: it walks a site breadth-first within the
// job's limits and persists one page row per fetched URL.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
	"github.com/JakeFAU/site-audit-crawler/internal/extract"
	"github.com/JakeFAU/site-audit-crawler/internal/frontier"
	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
	"github.com/JakeFAU/site-audit-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/site-audit-crawler/internal/render"
	"github.com/JakeFAU/site-audit-crawler/internal/robots"
	"github.com/JakeFAU/site-audit-crawler/internal/urlnorm"
)

// InterruptedMessage is stored on jobs whose run was cancelled by shutdown.
const InterruptedMessage = "interrupted"

// RobotsSource returns the robots.txt policy for an origin, nil meaning unrestricted.
type RobotsSource interface {
	Fetch(ctx context.Context, origin string) *robots.Policy
}

// Config controls Worker behavior.
type Config struct {
	// Delay is the default spacing between requests to the site; a robots.txt
	// Crawl-delay overrides it.
	Delay            time.Duration
	ScreenshotPrefix string
}

// Worker executes crawl jobs. It implements crawler.Runner.
type Worker struct {
	store    crawler.Store
	blobs    crawler.BlobStore
	fetcher  crawler.Fetcher
	capturer crawler.Capturer
	robots   RobotsSource
	ids      crawler.IDGenerator
	clock    crawler.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker. A nil capturer or blob store disables screenshots.
func New(
	store crawler.Store,
	blobs crawler.BlobStore,
	fetcher crawler.Fetcher,
	capturer crawler.Capturer,
	robotsSource RobotsSource,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		store:    store,
		blobs:    blobs,
		fetcher:  fetcher,
		capturer: capturer,
		robots:   robotsSource,
		ids:      ids,
		clock:    clock,
		cfg:      cfg,
		logger:   logger.Named("worker"),
	}
}

// pageResult is what a fetch goroutine reports back to the coordinator.
type pageResult struct {
	depth int
	links []string
	meta  crawler.SiteMetadata
	err   error
}

// Run moves the job from pending to running, crawls it and records the
// terminal status. Cancelling ctx stops the crawl and fails the job as
// interrupted. Once the terminal status is stored the job is settled and Run
// returns nil even for a failed crawl; an error means the job was never
// started (ErrNotFound, ErrConflict) or its row could not be finished.
func (w *Worker) Run(ctx context.Context, req crawler.ExecutionRequest) error {
	logger := w.logger.With(zap.String("job_id", req.JobID), zap.String("start_url", req.StartURL))

	err := w.store.TransitionJob(ctx, req.JobID,
		[]crawler.JobStatus{crawler.JobStatusPending}, crawler.JobStatusRunning, "")
	if err != nil {
		logger.Error("failed to start job", zap.Error(err))
		return fmt.Errorf("start job %s: %w", req.JobID, err)
	}
	metrics.IncActiveJobs()
	defer metrics.DecActiveJobs()
	logger.Info("job started",
		zap.Int("max_depth", req.Limits.MaxDepth),
		zap.Int("max_pages", req.Limits.MaxPages),
		zap.Int("concurrency", req.Limits.Concurrency),
	)

	crawlErr := w.crawl(ctx, req, logger)

	status, errMsg := crawler.JobStatusCompleted, ""
	switch {
	case ctx.Err() != nil:
		status, errMsg = crawler.JobStatusFailed, InterruptedMessage
	case crawlErr != nil:
		status, errMsg = crawler.JobStatusFailed, crawlErr.Error()
	}

	// The final write must land even when shutdown cancelled the run.
	finalCtx := context.WithoutCancel(ctx)
	if err := w.store.TransitionJob(finalCtx, req.JobID,
		[]crawler.JobStatus{crawler.JobStatusRunning}, status, errMsg); err != nil {
		logger.Error("final job status update failed", zap.Error(err))
		return errors.Join(crawlErr, fmt.Errorf("finish job %s: %w", req.JobID, err))
	}
	metrics.ObserveJob(string(status))
	if status == crawler.JobStatusFailed {
		logger.Warn("job failed", zap.String("error", errMsg))
	} else {
		logger.Info("job completed")
	}
	return nil
}

func (w *Worker) crawl(ctx context.Context, req crawler.ExecutionRequest, logger *zap.Logger) error {
	origin, err := urlnorm.Origin(req.StartURL)
	if err != nil {
		return fmt.Errorf("start url: %w", err)
	}
	var policy *robots.Policy
	if w.robots != nil {
		policy = w.robots.Fetch(ctx, origin)
	}
	limiter := ratelimit.New(ratelimit.Config{Delay: w.cfg.Delay})
	if policy != nil && policy.CrawlDelay > 0 {
		if u, err := url.Parse(origin); err == nil {
			limiter.SetDelay(u.Hostname(), policy.CrawlDelay)
		}
	}

	fr := frontier.New(req.Limits.MaxDepth, req.Limits.MaxPages)
	// admit offers links to the frontier and bumps pagesDiscovered before any
	// of them can be dispatched. Only the coordinator calls it.
	admit := func(links []string, depth int) error {
		admitted := 0
		for _, link := range links {
			key := urlnorm.Normalize(link)
			if !policy.Allowed(key) {
				if fr.MarkSeen(key) {
					metrics.ObserveRobotsBlocked(key)
					logger.Debug("url disallowed by robots.txt", zap.String("url", key))
				}
				continue
			}
			if fr.Push(key, depth) {
				admitted++
			}
		}
		if admitted == 0 {
			return nil
		}
		if err := w.store.IncrementCounters(ctx, req.JobID, admitted, 0); err != nil {
			return fmt.Errorf("increment discovered: %w", err)
		}
		return nil
	}

	if err := admit([]string{req.StartURL}, 0); err != nil {
		return err
	}

	concurrency := max(req.Limits.Concurrency, 1)
	work := make(chan frontier.Item)
	results := make(chan pageResult)
	var wg sync.WaitGroup
	for range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range work {
				results <- w.processPage(ctx, req.JobID, origin, item, limiter, logger)
			}
		}()
	}

	var (
		site     crawler.Site
		pending  *frontier.Item
		inFlight int
		firstErr error
		stopped  bool
		done     = ctx.Done()
	)
	for {
		if pending == nil && !stopped {
			if item, ok := fr.Pop(); ok {
				pending = &item
			}
		}
		if pending == nil && inFlight == 0 {
			break
		}
		var (
			send chan<- frontier.Item
			next frontier.Item
		)
		if pending != nil {
			send, next = work, *pending
		}
		select {
		case send <- next:
			pending = nil
			inFlight++
		case res := <-results:
			inFlight--
			if res.err != nil {
				if firstErr == nil {
					firstErr = res.err
				}
				stopped, pending = true, nil
				continue
			}
			if stopped {
				continue
			}
			site = crawler.MergeSiteMetadata(site, res.meta)
			if err := admit(res.links, res.depth+1); err != nil {
				firstErr = err
				stopped, pending = true, nil
			}
		case <-done:
			stopped, pending, done = true, nil, nil
		}
	}
	close(work)
	wg.Wait()

	w.saveSiteMetadata(ctx, req.SiteID, site, logger)
	if firstErr == nil && ctx.Err() != nil {
		firstErr = ctx.Err()
	}
	return firstErr
}

func (w *Worker) saveSiteMetadata(ctx context.Context, siteID string, site crawler.Site, logger *zap.Logger) {
	meta := crawler.SiteMetadata{
		Author:      site.Author,
		SocialLinks: site.SocialLinks,
		FeedURL:     site.FeedURL,
	}
	if meta.Empty() || siteID == "" {
		return
	}
	if err := w.store.UpdateSiteMetadata(context.WithoutCancel(ctx), siteID, meta); err != nil {
		logger.Warn("failed to update site metadata", zap.String("site_id", siteID), zap.Error(err))
	}
}

// processPage fetches one URL and persists its row. Fetch failures become page
// data; only cancellation and store failures come back as errors.
func (w *Worker) processPage(
	ctx context.Context,
	jobID, origin string,
	item frontier.Item,
	limiter *ratelimit.Limiter,
	logger *zap.Logger,
) pageResult {
	res := pageResult{depth: item.Depth}
	if err := limiter.Wait(ctx, item.URL); err != nil {
		res.err = err
		return res
	}

	start := time.Now()
	resp, fetchErr := w.fetcher.Fetch(ctx, crawler.FetchRequest{JobID: jobID, URL: item.URL, Depth: item.Depth})
	if ctx.Err() != nil {
		res.err = ctx.Err()
		return res
	}

	pageID, err := w.ids.NewID()
	if err != nil {
		res.err = fmt.Errorf("page id: %w", err)
		return res
	}
	page := crawler.Page{
		ID:        pageID,
		JobID:     jobID,
		URL:       item.URL,
		Depth:     item.Depth,
		CreatedAt: w.clock.Now(),
	}

	if fetchErr != nil {
		page.Category = crawler.CategoryUnreachable
		page.FetchError = fetchErr.Error()
		page.DurationMs = time.Since(start).Milliseconds()
		logger.Info("fetch failed", zap.String("url", item.URL), zap.Error(fetchErr))
	} else {
		page.HTTPStatus = resp.StatusCode
		page.DurationMs = resp.Duration.Milliseconds()
		w.describe(&page, &res, resp, origin, logger)
		if isSuccess(resp.StatusCode) && resp.IsHTML() {
			page.ScreenshotURL = w.screenshot(ctx, jobID, pageID, item.URL, logger)
		}
	}

	if err := w.store.RecordPage(ctx, page); err != nil {
		if errors.Is(err, crawler.ErrDuplicatePage) {
			logger.Warn("page already recorded", zap.String("url", item.URL))
			res.links = nil
			return res
		}
		res.err = fmt.Errorf("record page %s: %w", item.URL, err)
		return res
	}
	if err := w.store.IncrementCounters(ctx, jobID, 0, 1); err != nil {
		res.err = fmt.Errorf("increment crawled: %w", err)
		return res
	}
	metrics.ObservePage(origin, string(page.Category), len(resp.Body))
	logger.Debug("page recorded",
		zap.String("url", page.URL),
		zap.Int("status", page.HTTPStatus),
		zap.String("category", string(page.Category)),
		zap.Int("depth", page.Depth),
	)
	return res
}

// describe fills the page's title and category and collects internal links
// and site metadata from HTML bodies.
func (w *Worker) describe(
	page *crawler.Page,
	res *pageResult,
	resp crawler.FetchResponse,
	origin string,
	logger *zap.Logger,
) {
	if category, ok := extract.CategoryForStatus(resp.StatusCode); ok {
		page.Category = category
		return
	}
	page.Category = crawler.CategoryContent
	if !resp.IsHTML() {
		return
	}
	// Relative links resolve against the URL as served, before normalization.
	base := resp.URL
	if base == "" {
		base = page.URL
	}
	analysis, err := extract.Analyze(resp.Body, base, page.Depth)
	if err != nil {
		logger.Warn("html analysis failed", zap.String("url", page.URL), zap.Error(err))
		return
	}
	page.Title = analysis.Title
	page.Category = analysis.Category
	res.meta = analysis.Metadata
	for _, link := range analysis.Links {
		if urlnorm.IsInternal(link, origin) {
			res.links = append(res.links, link)
		}
	}
}

// screenshot captures and uploads a PNG. Failures are logged and yield "".
func (w *Worker) screenshot(ctx context.Context, jobID, pageID, pageURL string, logger *zap.Logger) string {
	if w.capturer == nil || w.blobs == nil {
		return ""
	}
	png, err := w.capturer.Capture(ctx, pageURL)
	if errors.Is(err, render.ErrDisabled) {
		return ""
	}
	if err != nil {
		metrics.ObserveScreenshot("capture_error")
		logger.Debug("screenshot capture failed", zap.String("url", pageURL), zap.Error(err))
		return ""
	}
	key := ScreenshotKey(w.cfg.ScreenshotPrefix, jobID, pageID)
	uri, err := w.blobs.Put(ctx, key, "image/png", png)
	if err != nil {
		metrics.ObserveScreenshot("upload_error")
		logger.Warn("screenshot upload failed", zap.String("key", key), zap.Error(err))
		return ""
	}
	metrics.ObserveScreenshot("ok")
	return uri
}

// ScreenshotKey is the blob key for a page screenshot.
func ScreenshotKey(prefix, jobID, pageID string) string {
	return path.Join(JobPrefix(prefix, jobID), pageID+".png")
}

// JobPrefix is the blob prefix holding every screenshot of a job.
func JobPrefix(prefix, jobID string) string {
	return path.Join(strings.Trim(prefix, "/"), jobID) + "/"
}

func isSuccess(status int) bool {
	return status >= 200 && status <= 299
}
