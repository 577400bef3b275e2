package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

// Store provides an in-memory crawler.Store for development and tests.
type Store struct {
	mu        sync.RWMutex
	sites     map[string]crawler.Site
	siteByURL map[string]string
	jobs      map[string]crawler.Job
	pages     map[string][]crawler.Page
	pageByURL map[string]map[string]struct{}
	now       func() time.Time
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		sites:     make(map[string]crawler.Site),
		siteByURL: make(map[string]string),
		jobs:      make(map[string]crawler.Job),
		pages:     make(map[string][]crawler.Page),
		pageByURL: make(map[string]map[string]struct{}),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// UpsertSite inserts site keyed on its URL or returns the existing row.
func (s *Store) UpsertSite(_ context.Context, site crawler.Site) (crawler.Site, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.siteByURL[site.URL]; ok {
		return cloneSite(s.sites[id]), nil
	}
	if site.ID == "" {
		return crawler.Site{}, fmt.Errorf("site id required: %w", crawler.ErrValidation)
	}
	if site.CreatedAt.IsZero() {
		site.CreatedAt = s.now()
	}
	s.sites[site.ID] = cloneSite(site)
	s.siteByURL[site.URL] = site.ID
	return cloneSite(site), nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(_ context.Context, siteID string) (crawler.Site, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	site, ok := s.sites[siteID]
	if !ok {
		return crawler.Site{}, fmt.Errorf("site %s: %w", siteID, crawler.ErrNotFound)
	}
	return cloneSite(site), nil
}

// UpdateSiteMetadata merges discovered metadata into the site row.
func (s *Store) UpdateSiteMetadata(_ context.Context, siteID string, meta crawler.SiteMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	site, ok := s.sites[siteID]
	if !ok {
		return fmt.Errorf("site %s: %w", siteID, crawler.ErrNotFound)
	}
	s.sites[siteID] = crawler.MergeSiteMetadata(site, meta)
	return nil
}

// CreateJob stores a new job.
func (s *Store) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s exists: %w", job.ID, crawler.ErrConflict)
	}
	if _, ok := s.sites[job.SiteID]; !ok {
		return fmt.Errorf("site %s: %w", job.SiteID, crawler.ErrNotFound)
	}
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	s.jobs[job.ID] = job
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return crawler.Job{}, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(_ context.Context, limit, offset int) ([]crawler.Job, error) {
	s.mu.RLock()
	out := make([]crawler.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if offset > 0 {
		if offset >= len(out) {
			return []crawler.Job{}, nil
		}
		out = out[offset:]
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// TransitionJob moves the job to status when its current status is in from.
func (s *Store) TransitionJob(
	_ context.Context,
	jobID string,
	from []crawler.JobStatus,
	to crawler.JobStatus,
	errMsg string,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if !statusIn(job.Status, from) {
		return fmt.Errorf("job %s is %s, not %v: %w", jobID, job.Status, from, crawler.ErrConflict)
	}
	job.Status = to
	if errMsg != "" {
		job.ErrorMessage = errMsg
	}
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

// IncrementCounters adds the deltas to the job's counters.
func (s *Store) IncrementCounters(_ context.Context, jobID string, discovered, crawled int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	job.PagesDiscovered += discovered
	job.PagesCrawled += crawled
	job.UpdatedAt = s.now()
	s.jobs[jobID] = job
	return nil
}

// CountJobsByStatus counts jobs currently in status.
func (s *Store) CountJobsByStatus(_ context.Context, status crawler.JobStatus) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

// RecordPage appends a page row; (job, url) is unique.
func (s *Store) RecordPage(_ context.Context, page crawler.Page) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[page.JobID]; !ok {
		return fmt.Errorf("job %s: %w", page.JobID, crawler.ErrNotFound)
	}
	urls, ok := s.pageByURL[page.JobID]
	if !ok {
		urls = make(map[string]struct{})
		s.pageByURL[page.JobID] = urls
	}
	if _, dup := urls[page.URL]; dup {
		return fmt.Errorf("job %s url %s: %w", page.JobID, page.URL, crawler.ErrDuplicatePage)
	}
	if page.CreatedAt.IsZero() {
		page.CreatedAt = s.now()
	}
	urls[page.URL] = struct{}{}
	s.pages[page.JobID] = append(s.pages[page.JobID], page)
	return nil
}

// ListPages returns the job's pages in insertion order.
func (s *Store) ListPages(_ context.Context, jobID string) ([]crawler.Page, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	out := make([]crawler.Page, len(pages))
	copy(out, pages)
	return out, nil
}

// LatestPage returns the most recently recorded page for the job.
func (s *Store) LatestPage(_ context.Context, jobID string) (crawler.Page, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pages := s.pages[jobID]
	if len(pages) == 0 {
		return crawler.Page{}, false, nil
	}
	return pages[len(pages)-1], true, nil
}

// DeleteJob removes the job's pages and then the job. Only terminal jobs
// may be deleted.
func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("job %s is %s: %w", jobID, job.Status, crawler.ErrConflict)
	}
	delete(s.pages, jobID)
	delete(s.pageByURL, jobID)
	delete(s.jobs, jobID)
	return nil
}

// DeleteAll removes every page, job and site unless a job is still pending
// or running.
func (s *Store) DeleteAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if !job.Status.Terminal() {
			return fmt.Errorf("job %s is %s: %w", job.ID, job.Status, crawler.ErrConflict)
		}
	}
	s.pages = make(map[string][]crawler.Page)
	s.pageByURL = make(map[string]map[string]struct{})
	s.jobs = make(map[string]crawler.Job)
	s.sites = make(map[string]crawler.Site)
	s.siteByURL = make(map[string]string)
	return nil
}

func statusIn(status crawler.JobStatus, set []crawler.JobStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

func cloneSite(site crawler.Site) crawler.Site {
	site.SocialLinks = append([]string(nil), site.SocialLinks...)
	return site
}
