package robots

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
)

const (
	// DefaultTimeout bounds the robots.txt request.
	DefaultTimeout = 5 * time.Second
	maxBodyBytes   = 512 << 10
)

// Engine fetches robots.txt for an origin.
type Engine struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger
}

// NewEngine builds an Engine. A nil client gets one with DefaultTimeout.
func NewEngine(client *http.Client, userAgent string, logger *zap.Logger) *Engine {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
	}
}

// Fetch returns the policy for origin, or nil when robots.txt is missing or
// unreachable. It never fails the caller.
func (e *Engine) Fetch(ctx context.Context, origin string) *Policy {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body, err := e.download(ctx, strings.TrimRight(origin, "/")+"/robots.txt")
	if err != nil {
		e.logger.Info("robots.txt unavailable; crawling unrestricted",
			zap.String("origin", origin),
			zap.Error(err),
		)
		metrics.ObserveRobotsFetch("unavailable")
		return nil
	}
	policy := Parse(bytes.NewReader(body), e.userAgent)
	metrics.ObserveRobotsFetch("ok")
	e.logger.Debug("robots.txt parsed",
		zap.String("origin", origin),
		zap.Int("rules", len(policy.Rules)),
		zap.Duration("crawl_delay", policy.CrawlDelay),
		zap.Int("sitemaps", len(policy.Sitemaps)),
	)
	return policy
}

func (e *Engine) download(ctx context.Context, robotsURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	if e.userAgent != "" {
		req.Header.Set("User-Agent", e.userAgent)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("robots status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	return body, nil
}
