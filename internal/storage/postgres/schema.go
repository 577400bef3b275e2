package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the tables the store needs. They are idempotent so
// EnsureSchema can run on every start.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS sites (
	id           TEXT PRIMARY KEY,
	url          TEXT NOT NULL UNIQUE,
	author       TEXT NOT NULL DEFAULT '',
	social_links JSONB NOT NULL DEFAULT '[]'::jsonb,
	has_rss      BOOLEAN NOT NULL DEFAULT FALSE,
	feed_url     TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
	`CREATE TABLE IF NOT EXISTS crawl_jobs (
	id               TEXT PRIMARY KEY,
	site_id          TEXT NOT NULL REFERENCES sites(id),
	start_url        TEXT NOT NULL,
	status           TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
	max_depth        INTEGER NOT NULL,
	max_pages        INTEGER NOT NULL,
	concurrency      INTEGER NOT NULL,
	pages_discovered INTEGER NOT NULL DEFAULT 0,
	pages_crawled    INTEGER NOT NULL DEFAULT 0,
	error_message    TEXT,
	retry_of         TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	CHECK (pages_crawled <= pages_discovered)
)`,
	`CREATE INDEX IF NOT EXISTS crawl_jobs_created_at_idx ON crawl_jobs (created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS crawled_pages (
	id             TEXT PRIMARY KEY,
	job_id         TEXT NOT NULL REFERENCES crawl_jobs(id),
	url            TEXT NOT NULL,
	depth          INTEGER NOT NULL,
	http_status    INTEGER,
	title          TEXT NOT NULL DEFAULT '',
	category       TEXT NOT NULL,
	screenshot_url TEXT,
	fetch_error    TEXT,
	duration_ms    BIGINT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	UNIQUE (job_id, url)
)`,
	`CREATE INDEX IF NOT EXISTS crawled_pages_job_created_idx ON crawled_pages (job_id, created_at DESC)`,
}

// EnsureSchema creates missing tables and indexes.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
