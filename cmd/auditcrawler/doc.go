// Package main hosts the audit crawler service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, and job management endpoints. Submissions are
//     validated and normalized by internal/orchestrator, which upserts the site row, inserts a pending job, and
//     hands an execution request to the configured dispatcher.
//   - Dispatch: with dispatch.backend=memory a bounded in-process queue (crawler.queue_depth) feeds a fixed pool
//     of runners (crawler.workers). With dispatch.backend=pubsub the API publishes to a topic and worker
//     processes (-mode worker) pull from a subscription, so jobs survive API restarts.
//   - Execution: internal/worker crawls one job breadth-first inside its origin. robots.txt is fetched once per
//     job, admission into the frontier respects max_depth and max_pages, and a per-job limiter honours
//     Crawl-delay. Pages are fetched with Colly; 2xx HTML pages get a best-effort chromedp screenshot.
//   - Persistence: sites, jobs, and page rows live in Postgres (db.backend=postgres) or memory. Screenshots go to
//     the blob store (memory/local/GCS) under <screenshot_prefix>/<job_id>/<page_id>.png.
//   - Configuration & plumbing: Viper populates config from env (AUDITCRAWLER_*) and an optional YAML file; zap
//     provides structured logging; Prometheus metrics are exported on /metrics.
//
// Operational notes:
//   - Shutdown: SIGINT/SIGTERM stops the HTTP server, closes the queue, and cancels running jobs, which are
//     marked failed with "interrupted". Queued jobs that never started stay pending and can be retried.
//   - Deletes are refused while a job is running; screenshots are listed with a cursor and removed before rows.
//
// Quick checklist:
//   - Run locally: go run ./cmd/auditcrawler -config config.yaml (or rely solely on env overrides).
//   - Split deployment: set AUDITCRAWLER_DISPATCH_BACKEND=pubsub plus project/topic/subscription and
//     AUDITCRAWLER_DB_BACKEND=postgres, then run one service with -mode api and another with -mode worker.
package main
