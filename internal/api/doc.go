// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit an audit crawl, GET /v1/jobs to list jobs.
//   - GET /v1/jobs/{job_id} for status and /v1/jobs/{job_id}/pages for results.
//   - POST /v1/jobs/{job_id}/retry to re-run a finished job.
//   - DELETE /v1/jobs/{job_id} and DELETE /v1/jobs to purge rows and screenshots.
package api
