package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/config"
	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
	"github.com/JakeFAU/site-audit-crawler/internal/orchestrator"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBodyBytes     = 1 << 20
)

// JobService is the job lifecycle surface the handlers depend on.
type JobService interface {
	Submit(ctx context.Context, req orchestrator.SubmitRequest) (orchestrator.SubmitResult, error)
	Status(ctx context.Context, jobID string) (orchestrator.StatusView, error)
	Retry(ctx context.Context, req orchestrator.RetryRequest) (orchestrator.SubmitResult, error)
	DeleteJob(ctx context.Context, jobID string) error
	DeleteAllJobs(ctx context.Context) error
	ListJobs(ctx context.Context, limit, offset int) ([]crawler.Job, error)
	ListPages(ctx context.Context, jobID string) ([]crawler.Page, error)
}

// ReadinessCheck reports whether one downstream dependency is usable.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Server wires HTTP handlers to the job service.
type Server struct {
	router chi.Router
	jobs   JobService
	checks []ReadinessCheck
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. A nil JobService
// serves only the probe and metrics routes, which is what worker instances expose.
func NewServer(jobs JobService, cfg config.Config, logger *zap.Logger, checks ...ReadinessCheck) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		jobs:   jobs,
		checks: checks,
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	if d := cfg.RequestTimeout(); d > 0 {
		r.Use(timeoutMiddleware(d))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if jobs == nil {
		s.router = r
		return s
	}

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey, s.writeError))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/", s.listJobs)
			r.Delete("/", s.deleteAllJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJobStatus)
				r.Get("/pages", s.listPages)
				r.Post("/retry", s.retryJob)
				r.Delete("/", s.deleteJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failures := map[string]string{}
	for _, c := range s.checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failures[c.Name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.jobs.Submit(r.Context(), orchestrator.SubmitRequest{
		URL:    req.URL,
		Limits: req.limits(s.cfg.DefaultLimits()),
	})
	if err != nil {
		s.writeServiceError(w, r, err, res)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit < 1 || limit > maxListLimit {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "offset must be >= 0")
		return
	}
	jobs, err := s.jobs.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.writeServiceError(w, r, err, orchestrator.SubmitResult{})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "limit": limit, "offset": offset})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	view, err := s.jobs.Status(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		s.writeServiceError(w, r, err, orchestrator.SubmitResult{})
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) listPages(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	pages, err := s.jobs.ListPages(r.Context(), jobID)
	if err != nil {
		s.writeServiceError(w, r, err, orchestrator.SubmitResult{})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "pages": pages})
}

func (s *Server) retryJob(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	req := orchestrator.RetryRequest{JobID: chi.URLParam(r, "job_id")}
	if len(bytes.TrimSpace(body)) > 0 {
		var lr limitsRequest
		if err := json.Unmarshal(body, &lr); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if lr.provided() {
			limits := lr.limits(s.cfg.DefaultLimits())
			req.Limits = &limits
		}
	}
	res, err := s.jobs.Retry(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, r, err, res)
		return
	}
	s.writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeServiceError(w, r, err, orchestrator.SubmitResult{})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteAllJobs(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteAllJobs(r.Context()); err != nil {
		s.writeServiceError(w, r, err, orchestrator.SubmitResult{})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type limitsRequest struct {
	MaxDepth    *int `json:"max_depth"`
	MaxPages    *int `json:"max_pages"`
	Concurrency *int `json:"concurrency"`
}

type submitJobRequest struct {
	URL string `json:"url"`
	limitsRequest
}

func (l limitsRequest) provided() bool {
	return l.MaxDepth != nil || l.MaxPages != nil || l.Concurrency != nil
}

func (l limitsRequest) limits(def crawler.Limits) crawler.Limits {
	return crawler.Limits{
		MaxDepth:    valueOrDefault(l.MaxDepth, def.MaxDepth),
		MaxPages:    valueOrDefault(l.MaxPages, def.MaxPages),
		Concurrency: valueOrDefault(l.Concurrency, def.Concurrency),
	}
}

func valueOrDefault[T any](ptr *T, def T) T {
	if ptr == nil {
		return def
	}
	return *ptr
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

// statusFor maps service sentinels onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, crawler.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, crawler.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, crawler.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, crawler.ErrDispatch), errors.Is(err, crawler.ErrBlobStore):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error, res orchestrator.SubmitResult) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID(r.Context())),
			zap.Error(err),
		)
	}
	if errors.Is(err, crawler.ErrDispatch) && res.JobID != "" {
		s.writeJSON(w, status, map[string]string{
			"error":   err.Error(),
			"job_id":  res.JobID,
			"site_id": res.SiteID,
		})
		return
	}
	s.writeError(w, status, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", requestID(r.Context())),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered",
					zap.Any("panic", rec),
					zap.String("request_id", requestID(r.Context())),
				)
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string, deny func(http.ResponseWriter, int, string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				deny(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
