// Package render captures full-page screenshots with headless Chrome.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

const (
	defaultTimeout = 45 * time.Second
	defaultWidth   = 1366
	defaultHeight  = 768
	settleDelay    = 500 * time.Millisecond
	// Quality 100 makes chromedp emit PNG instead of JPEG.
	pngQuality = 100
)

// ErrDisabled is returned by the Noop capturer.
var ErrDisabled = errors.New("screenshot capture disabled")

// Config controls the headless browser.
type Config struct {
	MaxParallel    int
	UserAgent      string
	Timeout        time.Duration
	ViewportWidth  int64
	ViewportHeight int64
}

// Capturer implements crawler.Capturer using chromedp.
type Capturer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a capturer backed by a shared Chrome allocator.
func NewChromedp(cfg Config) (*Capturer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.ViewportWidth <= 0 {
		cfg.ViewportWidth = defaultWidth
	}
	if cfg.ViewportHeight <= 0 {
		cfg.ViewportHeight = defaultHeight
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.WindowSize(int(cfg.ViewportWidth), int(cfg.ViewportHeight)),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Capturer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close shuts the browser down.
func (c *Capturer) Close() {
	c.allocCancel()
}

// Capture navigates to url and returns a full-page PNG.
func (c *Capturer) Capture(ctx context.Context, url string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	taskCtx, taskCancel := chromedp.NewContext(c.allocator)
	defer taskCancel()
	taskCtx, cancel := context.WithTimeout(taskCtx, c.cfg.Timeout)
	defer cancel()
	// Tie the browser tab to the caller's lifetime as well.
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	var buf []byte
	if err := chromedp.Run(taskCtx, c.actions(url, &buf)...); err != nil {
		return nil, fmt.Errorf("chromedp screenshot: %w", err)
	}
	if len(buf) == 0 {
		return nil, errors.New("chromedp returned an empty screenshot")
	}
	return buf, nil
}

func (c *Capturer) actions(url string, buf *[]byte) []chromedp.Action {
	return []chromedp.Action{
		chromedp.ActionFunc(func(ctx context.Context) error {
			if c.cfg.UserAgent == "" {
				return nil
			}
			if err := emulation.SetUserAgentOverride(c.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
			return nil
		}),
		chromedp.EmulateViewport(c.cfg.ViewportWidth, c.cfg.ViewportHeight),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(settleDelay),
		chromedp.FullScreenshot(buf, pngQuality),
	}
}

func (c *Capturer) acquire(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	select {
	case c.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("screenshot slot wait canceled: %w", ctx.Err())
	}
}

func (c *Capturer) release() {
	if c.limiter == nil {
		return
	}
	select {
	case <-c.limiter:
	default:
	}
}
