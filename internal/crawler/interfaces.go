package crawler

import (
	"context"
	"strings"
	"time"
)

// SiteStore persists Site rows.
type SiteStore interface {
	// UpsertSite inserts the origin or returns the existing row for it.
	UpsertSite(ctx context.Context, site Site) (Site, error)
	GetSite(ctx context.Context, siteID string) (Site, error)
	UpdateSiteMetadata(ctx context.Context, siteID string, meta SiteMetadata) error
}

// JobStore persists Job rows and their state machine.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]Job, error)
	// TransitionJob moves the job to status only when its current status is one of from.
	// It returns ErrConflict when the guard fails and ErrNotFound when the job is gone.
	TransitionJob(ctx context.Context, jobID string, from []JobStatus, to JobStatus, errMsg string) error
	// IncrementCounters applies atomic deltas to pagesDiscovered/pagesCrawled.
	IncrementCounters(ctx context.Context, jobID string, discovered, crawled int) error
	CountJobsByStatus(ctx context.Context, status JobStatus) (int, error)
}

// PageStore persists Page rows.
type PageStore interface {
	// RecordPage inserts a page; ErrDuplicatePage when (job, url) already exists.
	RecordPage(ctx context.Context, page Page) error
	ListPages(ctx context.Context, jobID string) ([]Page, error)
	LatestPage(ctx context.Context, jobID string) (Page, bool, error)
}

// Store is the full persistence contract.
type Store interface {
	SiteStore
	JobStore
	PageStore
	// DeleteJob removes the job's pages then the job row. It returns
	// ErrConflict unless the job is completed or failed.
	DeleteJob(ctx context.Context, jobID string) error
	// DeleteAll removes every page, job and site row. It returns ErrConflict
	// while any job is pending or running.
	DeleteAll(ctx context.Context) error
}

// BlobStore writes screenshot artifacts and supports prefix cleanup.
type BlobStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
	// List returns the URLs stored under prefix; an empty NextCursor ends the listing.
	List(ctx context.Context, prefix string, cursor string) (BlobPage, error)
	// DeleteMany removes the given URLs. Missing objects are not an error.
	DeleteMany(ctx context.Context, urls []string) error
}

// Dispatcher hands jobs to the background execution collaborator.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ExecutionRequest) error
}

// Runner executes one crawl job to completion.
type Runner interface {
	Run(ctx context.Context, req ExecutionRequest) error
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Capturer renders a page and returns a PNG screenshot.
type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces row IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
