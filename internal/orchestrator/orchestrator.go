// Package orchestrator owns the crawl job lifecycle: submission, status,
// retry and deletion. Execution itself is handed to a crawler.Dispatcher.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
	"github.com/JakeFAU/site-audit-crawler/internal/urlnorm"
	"github.com/JakeFAU/site-audit-crawler/internal/worker"
)

// Config bounds what callers may request.
type Config struct {
	ScreenshotPrefix string
	// MaxConcurrency caps Limits.Concurrency; zero means no cap.
	MaxConcurrency int
	// MaxPages caps Limits.MaxPages; zero means no cap.
	MaxPages int
}

// SubmitRequest asks for a crawl of URL within Limits.
type SubmitRequest struct {
	URL    string
	Limits crawler.Limits
}

// SubmitResult identifies the created job and its site.
type SubmitResult struct {
	JobID  string `json:"job_id"`
	SiteID string `json:"site_id"`
}

// RetryRequest re-runs a terminal job. A nil Limits carries the old job's limits over.
type RetryRequest struct {
	JobID  string
	Limits *crawler.Limits
}

// StatusView is a job plus the most recently recorded page, if any.
type StatusView struct {
	Job        crawler.Job   `json:"job"`
	LatestPage *crawler.Page `json:"latest_page,omitempty"`
}

// Service implements the job lifecycle operations.
type Service struct {
	store      crawler.Store
	blobs      crawler.BlobStore
	dispatcher crawler.Dispatcher
	ids        crawler.IDGenerator
	clock      crawler.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Service.
func New(
	store crawler.Store,
	blobs crawler.BlobStore,
	dispatcher crawler.Dispatcher,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:      store,
		blobs:      blobs,
		dispatcher: dispatcher,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger.Named("orchestrator"),
	}
}

// Submit validates the request, records the site and a pending job, and
// dispatches it. When dispatch fails the job stays pending and the result
// still carries its IDs alongside an ErrDispatch error.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	u, err := urlnorm.ValidateHTTP(req.URL)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}
	if err := s.validateLimits(req.Limits); err != nil {
		return SubmitResult{}, err
	}
	origin, err := urlnorm.Origin(u.String())
	if err != nil {
		return SubmitResult{}, fmt.Errorf("%w: %w", crawler.ErrValidation, err)
	}

	siteID, err := s.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate site id: %w", err)
	}
	site, err := s.store.UpsertSite(ctx, crawler.Site{ID: siteID, URL: origin, CreatedAt: s.clock.Now()})
	if err != nil {
		s.logger.Error("upsert site failed", zap.String("origin", origin), zap.Error(err))
		return SubmitResult{}, fmt.Errorf("upsert site: %w", err)
	}
	return s.createAndDispatch(ctx, site, urlnorm.Normalize(u.String()), req.Limits, "")
}

// Status returns the job and its latest page.
func (s *Service) Status(ctx context.Context, jobID string) (StatusView, error) {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return StatusView{}, err
	}
	view := StatusView{Job: job}
	page, ok, err := s.store.LatestPage(ctx, jobID)
	if err != nil {
		s.logger.Error("latest page lookup failed", zap.String("job_id", jobID), zap.Error(err))
		return StatusView{}, fmt.Errorf("latest page: %w", err)
	}
	if ok {
		view.LatestPage = &page
	}
	return view, nil
}

// Retry creates a fresh job for a terminal job's site and start URL. The old
// row is left untouched; the new one points back at it through RetryOf.
func (s *Service) Retry(ctx context.Context, req RetryRequest) (SubmitResult, error) {
	prev, err := s.getJob(ctx, req.JobID)
	if err != nil {
		return SubmitResult{}, err
	}
	if !prev.Status.Terminal() {
		return SubmitResult{}, fmt.Errorf("job %s is %s: %w", prev.ID, prev.Status, crawler.ErrConflict)
	}
	limits := prev.Limits
	if req.Limits != nil {
		limits = *req.Limits
	}
	if err := s.validateLimits(limits); err != nil {
		return SubmitResult{}, err
	}
	site, err := s.store.GetSite(ctx, prev.SiteID)
	if err != nil {
		s.logger.Error("site lookup failed", zap.String("site_id", prev.SiteID), zap.Error(err))
		return SubmitResult{}, fmt.Errorf("get site: %w", err)
	}
	return s.createAndDispatch(ctx, site, prev.StartURL, limits, prev.ID)
}

// DeleteJob removes a job's screenshots, pages and row. Only completed or
// failed jobs may be deleted. A blob listing failure aborts before any row is touched; failures
// deleting individual blobs are logged and deletion proceeds.
func (s *Service) DeleteJob(ctx context.Context, jobID string) error {
	job, err := s.getJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawler.ErrConflict)
	}
	if err := s.deleteBlobs(ctx, worker.JobPrefix(s.cfg.ScreenshotPrefix, jobID)); err != nil {
		return err
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		s.logger.Error("delete job rows failed", zap.String("job_id", jobID), zap.Error(err))
		return fmt.Errorf("delete job: %w", err)
	}
	s.logger.Info("job deleted", zap.String("job_id", jobID))
	return nil
}

// DeleteAllJobs removes every screenshot, page, job and site. It is refused
// while any job is pending or running.
func (s *Service) DeleteAllJobs(ctx context.Context) error {
	for _, status := range []crawler.JobStatus{crawler.JobStatusPending, crawler.JobStatusRunning} {
		n, err := s.store.CountJobsByStatus(ctx, status)
		if err != nil {
			s.logger.Error("count active jobs failed", zap.String("status", string(status)), zap.Error(err))
			return fmt.Errorf("count %s jobs: %w", status, err)
		}
		if n > 0 {
			return fmt.Errorf("%d jobs %s: %w", n, status, crawler.ErrConflict)
		}
	}
	prefix := strings.Trim(s.cfg.ScreenshotPrefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	if err := s.deleteBlobs(ctx, prefix); err != nil {
		return err
	}
	if err := s.store.DeleteAll(ctx); err != nil {
		s.logger.Error("delete all rows failed", zap.Error(err))
		return fmt.Errorf("delete all: %w", err)
	}
	s.logger.Info("all jobs deleted")
	return nil
}

// ListJobs returns jobs newest first.
func (s *Service) ListJobs(ctx context.Context, limit, offset int) ([]crawler.Job, error) {
	jobs, err := s.store.ListJobs(ctx, limit, offset)
	if err != nil {
		s.logger.Error("list jobs failed", zap.Error(err))
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return jobs, nil
}

// ListPages returns the result set of a job.
func (s *Service) ListPages(ctx context.Context, jobID string) ([]crawler.Page, error) {
	if _, err := s.getJob(ctx, jobID); err != nil {
		return nil, err
	}
	pages, err := s.store.ListPages(ctx, jobID)
	if err != nil {
		s.logger.Error("list pages failed", zap.String("job_id", jobID), zap.Error(err))
		return nil, fmt.Errorf("list pages: %w", err)
	}
	return pages, nil
}

func (s *Service) createAndDispatch(
	ctx context.Context,
	site crawler.Site,
	startURL string,
	limits crawler.Limits,
	retryOf string,
) (SubmitResult, error) {
	jobID, err := s.ids.NewID()
	if err != nil {
		return SubmitResult{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := crawler.Job{
		ID:        jobID,
		SiteID:    site.ID,
		StartURL:  startURL,
		Status:    crawler.JobStatusPending,
		Limits:    limits,
		RetryOf:   retryOf,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		s.logger.Error("create job failed", zap.String("site_id", site.ID), zap.Error(err))
		return SubmitResult{}, fmt.Errorf("create job: %w", err)
	}
	kind := "new"
	if retryOf != "" {
		kind = "retry"
	}
	metrics.ObserveJobSubmitted(kind)

	result := SubmitResult{JobID: jobID, SiteID: site.ID}
	req := crawler.ExecutionRequest{
		JobID:    jobID,
		SiteID:   site.ID,
		StartURL: startURL,
		Limits:   limits,
	}
	if err := s.dispatcher.Dispatch(ctx, req); err != nil {
		s.logger.Error("dispatch failed; job left pending",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return result, fmt.Errorf("%w: %w", crawler.ErrDispatch, err)
	}
	s.logger.Info("job submitted",
		zap.String("job_id", jobID),
		zap.String("site_id", site.ID),
		zap.String("start_url", startURL),
		zap.String("retry_of", retryOf),
	)
	return result, nil
}

func (s *Service) getJob(ctx context.Context, jobID string) (crawler.Job, error) {
	if strings.TrimSpace(jobID) == "" {
		return crawler.Job{}, fmt.Errorf("%w: job id is required", crawler.ErrValidation)
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, crawler.ErrNotFound) {
			s.logger.Error("get job failed", zap.String("job_id", jobID), zap.Error(err))
		}
		return crawler.Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// deleteBlobs walks prefix page by page, deleting each page as it goes.
func (s *Service) deleteBlobs(ctx context.Context, prefix string) error {
	cursor := ""
	for {
		page, err := s.blobs.List(ctx, prefix, cursor)
		if err != nil {
			s.logger.Error("list blobs failed", zap.String("prefix", prefix), zap.Error(err))
			return fmt.Errorf("list blobs under %q: %w", prefix, errors.Join(crawler.ErrBlobStore, err))
		}
		if len(page.Items) > 0 {
			if err := s.blobs.DeleteMany(ctx, page.Items); err != nil {
				s.logger.Warn("some blobs were not deleted",
					zap.String("prefix", prefix),
					zap.Int("batch", len(page.Items)),
					zap.Error(err),
				)
			} else {
				metrics.ObserveBlobsDeleted(len(page.Items))
			}
		}
		if page.NextCursor == "" {
			return nil
		}
		cursor = page.NextCursor
	}
}

func (s *Service) validateLimits(l crawler.Limits) error {
	switch {
	case l.MaxDepth < 0:
		return fmt.Errorf("%w: max_depth must be >= 0", crawler.ErrValidation)
	case l.MaxPages < 1:
		return fmt.Errorf("%w: max_pages must be >= 1", crawler.ErrValidation)
	case s.cfg.MaxPages > 0 && l.MaxPages > s.cfg.MaxPages:
		return fmt.Errorf("%w: max_pages must be <= %d", crawler.ErrValidation, s.cfg.MaxPages)
	case l.Concurrency < 1:
		return fmt.Errorf("%w: concurrency must be >= 1", crawler.ErrValidation)
	case s.cfg.MaxConcurrency > 0 && l.Concurrency > s.cfg.MaxConcurrency:
		return fmt.Errorf("%w: concurrency must be <= %d", crawler.ErrValidation, s.cfg.MaxConcurrency)
	}
	return nil
}
