// Package metrics exposes Prometheus collectors for the audit crawler service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal             *prometheus.CounterVec
	crawlerBytesTotal             *prometheus.CounterVec
	httpRequestsTotal             *prometheus.CounterVec
	httpRequestDurationSeconds    *prometheus.HistogramVec
	crawlerJobsTotal              *prometheus.CounterVec
	crawlerJobsSubmittedTotal     *prometheus.CounterVec
	crawlerActiveJobs             prometheus.Gauge
	crawlerRateLimitDelaysSeconds *prometheus.HistogramVec
	robotsFetchTotal              *prometheus.CounterVec
	robotsBlockedTotal            *prometheus.CounterVec
	screenshotsTotal              *prometheus.CounterVec
	blobsDeletedTotal             prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_pages_total",
				Help: "Total number of pages recorded, labeled by site and category.",
			},
			[]string{"site", "category"},
		)

		crawlerBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_bytes_total",
				Help: "Total number of bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)

		crawlerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal status.",
			},
			[]string{"status"},
		)

		crawlerJobsSubmittedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_jobs_submitted_total",
				Help: "Total number of jobs created, labeled by kind (new or retry).",
			},
			[]string{"kind"},
		)

		crawlerActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawler_active_jobs",
				Help: "Number of crawl jobs currently running.",
			},
		)

		crawlerRateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawler_rate_limit_delays_seconds",
				Help:    "Histogram of politeness wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		robotsFetchTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_fetch_total",
				Help: "Total robots.txt fetches, labeled by result.",
			},
			[]string{"result"},
		)

		robotsBlockedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_robots_blocked_total",
				Help: "URLs skipped because robots.txt disallows them, labeled by site.",
			},
			[]string{"site"},
		)

		screenshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawler_screenshots_total",
				Help: "Screenshot attempts, labeled by result.",
			},
			[]string{"result"},
		)

		blobsDeletedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawler_blobs_deleted_total",
				Help: "Total screenshot blobs removed by job deletion.",
			},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePage counts a recorded page and the bytes fetched for it.
func ObservePage(site string, category string, bytesFetched int) {
	if crawlerPagesTotal == nil {
		return
	}
	sanitizedSite := SanitizeSite(site)
	crawlerPagesTotal.WithLabelValues(sanitizedSite, category).Inc()
	if bytesFetched > 0 {
		crawlerBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if httpRequestsTotal == nil {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveJob increments the job counter for the given terminal status.
func ObserveJob(status string) {
	if crawlerJobsTotal == nil {
		return
	}
	crawlerJobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobSubmitted counts a created job by kind ("new" or "retry").
func ObserveJobSubmitted(kind string) {
	if crawlerJobsSubmittedTotal != nil {
		crawlerJobsSubmittedTotal.WithLabelValues(kind).Inc()
	}
}

// IncActiveJobs increments the running jobs gauge.
func IncActiveJobs() {
	if crawlerActiveJobs != nil {
		crawlerActiveJobs.Inc()
	}
}

// DecActiveJobs decrements the running jobs gauge.
func DecActiveJobs() {
	if crawlerActiveJobs != nil {
		crawlerActiveJobs.Dec()
	}
}

// ObserveRateLimitDelay records the duration of a politeness wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	if crawlerRateLimitDelaysSeconds == nil {
		return
	}
	crawlerRateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveRobotsFetch counts a robots.txt lookup by result ("ok" or "unavailable").
func ObserveRobotsFetch(result string) {
	if robotsFetchTotal != nil {
		robotsFetchTotal.WithLabelValues(result).Inc()
	}
}

// ObserveRobotsBlocked counts a URL skipped by robots.txt.
func ObserveRobotsBlocked(rawURL string) {
	if robotsBlockedTotal != nil {
		robotsBlockedTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
	}
}

// ObserveScreenshot counts a screenshot attempt by result.
func ObserveScreenshot(result string) {
	if screenshotsTotal != nil {
		screenshotsTotal.WithLabelValues(result).Inc()
	}
}

// ObserveBlobsDeleted adds n removed blobs.
func ObserveBlobsDeleted(n int) {
	if blobsDeletedTotal != nil && n > 0 {
		blobsDeletedTotal.Add(float64(n))
	}
}
