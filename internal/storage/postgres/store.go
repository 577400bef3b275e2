// Package postgres provides the Postgres-backed crawler.Store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

const jobColumns = `id, site_id, start_url, status, max_depth, max_pages, concurrency,
	pages_discovered, pages_crawled, error_message, retry_of, created_at, updated_at`

const pageColumns = `id, job_id, url, depth, http_status, title, category,
	screenshot_url, fetch_error, duration_ms, created_at`

const siteColumns = `id, url, created_at, author, social_links, has_rss, feed_url`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Store persists sites, jobs and pages in Postgres.
type Store struct {
	pool pool
	now  func() time.Time
}

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(p)
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{
		pool: p,
		now:  func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// UpsertSite inserts the origin or returns the existing row for it.
func (s *Store) UpsertSite(ctx context.Context, site crawler.Site) (crawler.Site, error) {
	createdAt := site.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	// The no-op update makes RETURNING yield the existing row on conflict.
	query := `
INSERT INTO sites (id, url, created_at)
VALUES ($1, $2, $3)
ON CONFLICT (url) DO UPDATE SET url = EXCLUDED.url
RETURNING ` + siteColumns
	out, err := scanSite(s.pool.QueryRow(ctx, query, site.ID, site.URL, createdAt))
	if err != nil {
		return crawler.Site{}, fmt.Errorf("upsert site: %w", errors.Join(crawler.ErrStore, err))
	}
	return out, nil
}

// GetSite fetches a site by ID.
func (s *Store) GetSite(ctx context.Context, siteID string) (crawler.Site, error) {
	site, err := scanSite(s.pool.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1`, siteID))
	if err != nil {
		return crawler.Site{}, notFoundOr(err, "get site", "site "+siteID)
	}
	return site, nil
}

// UpdateSiteMetadata merges meta into the site row under a row lock.
func (s *Store) UpdateSiteMetadata(ctx context.Context, siteID string, meta crawler.SiteMetadata) error {
	return s.inTx(ctx, "update site metadata", func(tx pgx.Tx) error {
		site, err := scanSite(tx.QueryRow(ctx, `SELECT `+siteColumns+` FROM sites WHERE id = $1 FOR UPDATE`, siteID))
		if err != nil {
			return notFoundOr(err, "lock site", "site "+siteID)
		}
		merged := crawler.MergeSiteMetadata(site, meta)
		links, err := json.Marshal(nonNilStrings(merged.SocialLinks))
		if err != nil {
			return fmt.Errorf("marshal social links: %w", err)
		}
		_, err = tx.Exec(ctx, `
UPDATE sites SET author = $1, social_links = $2, has_rss = $3, feed_url = $4
WHERE id = $5`, merged.Author, links, merged.HasRSS, merged.FeedURL, siteID)
		if err != nil {
			return fmt.Errorf("update site: %w", err)
		}
		return nil
	})
}

// CreateJob inserts a job row.
func (s *Store) CreateJob(ctx context.Context, job crawler.Job) error {
	now := s.now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	_, err := s.pool.Exec(ctx, `
INSERT INTO crawl_jobs (`+jobColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		job.ID,
		job.SiteID,
		job.StartURL,
		string(job.Status),
		job.Limits.MaxDepth,
		job.Limits.MaxPages,
		job.Limits.Concurrency,
		job.PagesDiscovered,
		job.PagesCrawled,
		nullableString(job.ErrorMessage),
		nullableString(job.RetryOf),
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		switch pgCode(err) {
		case pgUniqueViolation:
			return fmt.Errorf("insert job %s: %w", job.ID, crawler.ErrConflict)
		case pgForeignKeyViolation:
			return fmt.Errorf("insert job for site %s: %w", job.SiteID, crawler.ErrNotFound)
		}
		return fmt.Errorf("insert job: %w", errors.Join(crawler.ErrStore, err))
	}
	return nil
}

// GetJob fetches a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (crawler.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM crawl_jobs WHERE id = $1`, jobID))
	if err != nil {
		return crawler.Job{}, notFoundOr(err, "get job", "job "+jobID)
	}
	return job, nil
}

// ListJobs returns jobs newest first. A non-positive limit lists everything.
func (s *Store) ListJobs(ctx context.Context, limit, offset int) ([]crawler.Job, error) {
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
SELECT `+jobColumns+` FROM crawl_jobs
ORDER BY created_at DESC, id DESC
LIMIT NULLIF($1, 0) OFFSET $2`, max(limit, 0), offset)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", errors.Join(crawler.ErrStore, err))
	}
	defer rows.Close()

	jobs := []crawler.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", errors.Join(crawler.ErrStore, err))
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", errors.Join(crawler.ErrStore, err))
	}
	return jobs, nil
}

// TransitionJob moves the job to status when its current status is in from.
func (s *Store) TransitionJob(
	ctx context.Context,
	jobID string,
	from []crawler.JobStatus,
	to crawler.JobStatus,
	errMsg string,
) error {
	fromStrings := make([]string, 0, len(from))
	for _, st := range from {
		fromStrings = append(fromStrings, string(st))
	}
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET status = $1, error_message = COALESCE($2, error_message), updated_at = $3
WHERE id = $4 AND status = ANY($5)`,
		string(to), nullableString(errMsg), s.now(), jobID, fromStrings)
	if err != nil {
		return fmt.Errorf("transition job: %w", errors.Join(crawler.ErrStore, err))
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1`, jobID).Scan(&current)
	if err != nil {
		return notFoundOr(err, "check job status", "job "+jobID)
	}
	return fmt.Errorf("job %s is %s, not %v: %w", jobID, current, from, crawler.ErrConflict)
}

// IncrementCounters applies atomic deltas to the job's counters.
func (s *Store) IncrementCounters(ctx context.Context, jobID string, discovered, crawled int) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE crawl_jobs
SET pages_discovered = pages_discovered + $1, pages_crawled = pages_crawled + $2, updated_at = $3
WHERE id = $4`, discovered, crawled, s.now(), jobID)
	if err != nil {
		return fmt.Errorf("increment counters: %w", errors.Join(crawler.ErrStore, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	return nil
}

// CountJobsByStatus counts jobs currently in status.
func (s *Store) CountJobsByStatus(ctx context.Context, status crawler.JobStatus) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM crawl_jobs WHERE status = $1`, string(status)).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", errors.Join(crawler.ErrStore, err))
	}
	return n, nil
}

// RecordPage inserts a page row; (job_id, url) is unique.
func (s *Store) RecordPage(ctx context.Context, page crawler.Page) error {
	if page.CreatedAt.IsZero() {
		page.CreatedAt = s.now()
	}
	tag, err := s.pool.Exec(ctx, `
INSERT INTO crawled_pages (`+pageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (job_id, url) DO NOTHING`,
		page.ID,
		page.JobID,
		page.URL,
		page.Depth,
		nullableInt(page.HTTPStatus),
		page.Title,
		string(page.Category),
		nullableString(page.ScreenshotURL),
		nullableString(page.FetchError),
		page.DurationMs,
		page.CreatedAt,
	)
	if err != nil {
		if pgCode(err) == pgForeignKeyViolation {
			return fmt.Errorf("record page for job %s: %w", page.JobID, crawler.ErrNotFound)
		}
		return fmt.Errorf("record page: %w", errors.Join(crawler.ErrStore, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s url %s: %w", page.JobID, page.URL, crawler.ErrDuplicatePage)
	}
	return nil
}

// ListPages returns the job's pages oldest first.
func (s *Store) ListPages(ctx context.Context, jobID string) ([]crawler.Page, error) {
	rows, err := s.pool.Query(ctx, `
SELECT `+pageColumns+` FROM crawled_pages
WHERE job_id = $1
ORDER BY created_at, id`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", errors.Join(crawler.ErrStore, err))
	}
	defer rows.Close()

	pages := []crawler.Page{}
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan page: %w", errors.Join(crawler.ErrStore, err))
		}
		pages = append(pages, page)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pages: %w", errors.Join(crawler.ErrStore, err))
	}
	return pages, nil
}

// LatestPage returns the most recently recorded page for the job.
func (s *Store) LatestPage(ctx context.Context, jobID string) (crawler.Page, bool, error) {
	page, err := scanPage(s.pool.QueryRow(ctx, `
SELECT `+pageColumns+` FROM crawled_pages
WHERE job_id = $1
ORDER BY created_at DESC, id DESC
LIMIT 1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.Page{}, false, nil
	}
	if err != nil {
		return crawler.Page{}, false, fmt.Errorf("latest page: %w", errors.Join(crawler.ErrStore, err))
	}
	return page, true, nil
}

// DeleteJob removes the job's pages and then the job in one transaction.
// Pending and running jobs are refused with ErrConflict.
func (s *Store) DeleteJob(ctx context.Context, jobID string) error {
	return s.inTx(ctx, "delete job", func(tx pgx.Tx) error {
		var status string
		err := tx.QueryRow(ctx, `SELECT status FROM crawl_jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
		if err != nil {
			return notFoundOr(err, "lock job", "job "+jobID)
		}
		if !crawler.JobStatus(status).Terminal() {
			return fmt.Errorf("job %s is %s: %w", jobID, status, crawler.ErrConflict)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM crawled_pages WHERE job_id = $1`, jobID); err != nil {
			return fmt.Errorf("delete pages: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM crawl_jobs WHERE id = $1`, jobID); err != nil {
			return fmt.Errorf("delete job row: %w", err)
		}
		return nil
	})
}

// DeleteAll removes every page, job and site row in one transaction. It is
// refused with ErrConflict while any job is pending or running.
func (s *Store) DeleteAll(ctx context.Context) error {
	return s.inTx(ctx, "delete all", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE crawl_jobs IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return fmt.Errorf("lock jobs: %w", err)
		}
		var active int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM crawl_jobs WHERE status IN ($1, $2)`,
			string(crawler.JobStatusPending), string(crawler.JobStatusRunning)).Scan(&active); err != nil {
			return fmt.Errorf("count active jobs: %w", err)
		}
		if active > 0 {
			return fmt.Errorf("%d jobs pending or running: %w", active, crawler.ErrConflict)
		}
		for _, stmt := range []string{
			`DELETE FROM crawled_pages`,
			`DELETE FROM crawl_jobs`,
			`DELETE FROM sites`,
		} {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("%s: %w", stmt, err)
			}
		}
		return nil
	})
}

// inTx runs fn in a transaction. Sentinel errors from fn pass through; other
// failures are tagged ErrStore.
func (s *Store) inTx(ctx context.Context, op string, fn func(pgx.Tx) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, errors.Join(crawler.ErrStore, err))
	}
	defer func() {
		if err == nil {
			return
		}
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			err = errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
	}()

	if err = fn(tx); err != nil {
		if isSentinel(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, errors.Join(crawler.ErrStore, err))
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("%s: commit: %w", op, errors.Join(crawler.ErrStore, err))
	}
	return nil
}

func isSentinel(err error) bool {
	return errors.Is(err, crawler.ErrNotFound) ||
		errors.Is(err, crawler.ErrConflict) ||
		errors.Is(err, crawler.ErrStore)
}

func notFoundOr(err error, op, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, crawler.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, errors.Join(crawler.ErrStore, err))
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func scanSite(row rowScanner) (crawler.Site, error) {
	var (
		site  crawler.Site
		links []byte
	)
	if err := row.Scan(&site.ID, &site.URL, &site.CreatedAt, &site.Author, &links, &site.HasRSS, &site.FeedURL); err != nil {
		return crawler.Site{}, err
	}
	if len(links) > 0 {
		if err := json.Unmarshal(links, &site.SocialLinks); err != nil {
			return crawler.Site{}, fmt.Errorf("decode social links: %w", err)
		}
	}
	return site, nil
}

func scanJob(row rowScanner) (crawler.Job, error) {
	var (
		job     crawler.Job
		status  string
		errMsg  *string
		retryOf *string
	)
	err := row.Scan(
		&job.ID,
		&job.SiteID,
		&job.StartURL,
		&status,
		&job.Limits.MaxDepth,
		&job.Limits.MaxPages,
		&job.Limits.Concurrency,
		&job.PagesDiscovered,
		&job.PagesCrawled,
		&errMsg,
		&retryOf,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return crawler.Job{}, err
	}
	job.Status = crawler.JobStatus(status)
	job.ErrorMessage = deref(errMsg)
	job.RetryOf = deref(retryOf)
	return job, nil
}

func scanPage(row rowScanner) (crawler.Page, error) {
	var (
		page       crawler.Page
		status     *int
		category   string
		screenshot *string
		fetchErr   *string
	)
	err := row.Scan(
		&page.ID,
		&page.JobID,
		&page.URL,
		&page.Depth,
		&status,
		&page.Title,
		&category,
		&screenshot,
		&fetchErr,
		&page.DurationMs,
		&page.CreatedAt,
	)
	if err != nil {
		return crawler.Page{}, err
	}
	if status != nil {
		page.HTTPStatus = *status
	}
	page.Category = crawler.PageCategory(category)
	page.ScreenshotURL = deref(screenshot)
	page.FetchError = deref(fetchErr)
	return page, nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullableInt(n int) *int {
	if n == 0 {
		return nil
	}
	return &n
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
