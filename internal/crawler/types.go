// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// JobStatus represents the lifecycle state of a crawl job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further automatic transition leaves the status.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// PageCategory is the coarse classification assigned to a fetched page.
type PageCategory string

// Page categories produced by the extractor.
const (
	CategoryHomepage    PageCategory = "homepage"
	CategoryNavigation  PageCategory = "navigation"
	CategoryArticle     PageCategory = "article"
	CategoryForm        PageCategory = "form"
	CategoryContent     PageCategory = "content"
	CategoryError       PageCategory = "error"
	CategoryUnreachable PageCategory = "unreachable"
)

// Limits bounds a single crawl execution.
type Limits struct {
	MaxDepth    int `json:"max_depth" mapstructure:"max_depth"`
	MaxPages    int `json:"max_pages" mapstructure:"max_pages"`
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// Site is one row per distinct origin ever crawled.
type Site struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	CreatedAt   time.Time `json:"created_at"`
	Author      string    `json:"author,omitempty"`
	SocialLinks []string  `json:"social_links,omitempty"`
	HasRSS      bool      `json:"has_rss"`
	FeedURL     string    `json:"feed_url,omitempty"`
}

// SiteMetadata carries descriptive attributes discovered while crawling.
// Zero values mean "not discovered" and never overwrite stored values.
type SiteMetadata struct {
	Author      string
	SocialLinks []string
	FeedURL     string
}

// Empty reports whether nothing was discovered.
func (m SiteMetadata) Empty() bool {
	return m.Author == "" && len(m.SocialLinks) == 0 && m.FeedURL == ""
}

// Job is one execution attempt against a site.
type Job struct {
	ID              string    `json:"id"`
	SiteID          string    `json:"site_id"`
	StartURL        string    `json:"start_url"`
	Status          JobStatus `json:"status"`
	Limits          Limits    `json:"limits"`
	PagesDiscovered int       `json:"pages_discovered"`
	PagesCrawled    int       `json:"pages_crawled"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	RetryOf         string    `json:"retry_of,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Page is persisted for each URL fetched within a job, success or failure.
type Page struct {
	ID            string       `json:"id"`
	JobID         string       `json:"job_id"`
	URL           string       `json:"url"`
	Depth         int          `json:"depth"`
	HTTPStatus    int          `json:"http_status,omitempty"`
	Title         string       `json:"title,omitempty"`
	Category      PageCategory `json:"category"`
	ScreenshotURL string       `json:"screenshot_url,omitempty"`
	FetchError    string       `json:"fetch_error,omitempty"`
	DurationMs    int64        `json:"duration_ms"`
	CreatedAt     time.Time    `json:"created_at"`
}

// Fetched reports whether the page produced an HTTP response.
func (p Page) Fetched() bool {
	return p.HTTPStatus > 0
}

// ExecutionRequest is handed to the background execution collaborator.
type ExecutionRequest struct {
	JobID    string `json:"job_id"`
	SiteID   string `json:"site_id"`
	StartURL string `json:"start_url"`
	Limits   Limits `json:"limits"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	JobID string
	URL   string
	Depth int
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// IsHTML reports whether the response advertises an HTML body.
func (r FetchResponse) IsHTML() bool {
	ct := r.Headers.Get("Content-Type")
	return ct == "" || containsFold(ct, "html")
}

// BlobPage is one page of a prefix listing.
type BlobPage struct {
	Items      []string
	NextCursor string
}

// MergeSiteMetadata folds meta into site. Values already stored win, so the
// first page that reveals an author or feed (usually the homepage) sticks;
// social links accumulate without duplicates.
func MergeSiteMetadata(site Site, meta SiteMetadata) Site {
	if site.Author == "" {
		site.Author = meta.Author
	}
	if site.FeedURL == "" {
		site.FeedURL = meta.FeedURL
	}
	site.HasRSS = site.HasRSS || site.FeedURL != ""
	seen := make(map[string]struct{}, len(site.SocialLinks))
	links := append([]string(nil), site.SocialLinks...)
	for _, l := range links {
		seen[l] = struct{}{}
	}
	for _, l := range meta.SocialLinks {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		links = append(links, l)
	}
	site.SocialLinks = links
	return site
}
