// Package server builds the application's dependencies from config and runs
// the HTTP server and job execution side until shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/api"
	"github.com/JakeFAU/site-audit-crawler/internal/clock/system"
	"github.com/JakeFAU/site-audit-crawler/internal/config"
	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
	memorydispatch "github.com/JakeFAU/site-audit-crawler/internal/dispatcher/memory"
	pubsubdispatch "github.com/JakeFAU/site-audit-crawler/internal/dispatcher/pubsub"
	collyfetcher "github.com/JakeFAU/site-audit-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/site-audit-crawler/internal/id/uuid"
	"github.com/JakeFAU/site-audit-crawler/internal/metrics"
	"github.com/JakeFAU/site-audit-crawler/internal/orchestrator"
	"github.com/JakeFAU/site-audit-crawler/internal/render"
	"github.com/JakeFAU/site-audit-crawler/internal/robots"
	gcsstorage "github.com/JakeFAU/site-audit-crawler/internal/storage/gcs"
	localstorage "github.com/JakeFAU/site-audit-crawler/internal/storage/local"
	memorystorage "github.com/JakeFAU/site-audit-crawler/internal/storage/memory"
	pgstore "github.com/JakeFAU/site-audit-crawler/internal/storage/postgres"
	"github.com/JakeFAU/site-audit-crawler/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	apiServer  *api.Server
	pool       *memorydispatch.Dispatcher
	subscriber *pubsubdispatch.Subscriber

	pubsubClient *pubsub.Client
	publisher    *pubsubdispatch.Publisher
	storage      *storage.Client
	pgStore      *pgstore.Store
	capturer     *render.Capturer
}

// Build creates the application's dependencies. On error everything built so
// far is closed.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close()
		}
	}()

	metrics.Init()
	app.logger.Info("building application dependencies",
		zap.String("mode", cfg.Server.Mode),
		zap.String("db", cfg.DB.Backend),
		zap.String("storage", cfg.Storage.Backend),
		zap.String("dispatch", cfg.Dispatch.Backend),
	)

	store, checks, err := app.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	blobs, err := app.setupStorage(ctx)
	if err != nil {
		return nil, err
	}

	ids := uuid.New()
	clock := system.New()
	runner := worker.New(
		store,
		blobs,
		collyfetcher.New(collyfetcher.Config{
			UserAgent:    cfg.Crawler.UserAgent,
			Timeout:      cfg.FetchTimeout(),
			MaxBodyBytes: int(cfg.HTTP.MaxBodyBytes),
		}),
		app.setupCapturer(),
		robots.NewEngine(nil, cfg.Crawler.UserAgent, logger.Named("robots")),
		ids,
		clock,
		worker.Config{
			Delay:            cfg.CrawlDelay(),
			ScreenshotPrefix: cfg.Storage.ScreenshotPrefix,
		},
		logger,
	)

	dispatcher, err := app.setupDispatch(ctx, runner)
	if err != nil {
		return nil, err
	}

	var jobs api.JobService
	if cfg.Server.Mode != config.ModeWorker {
		jobs = orchestrator.New(
			store,
			blobs,
			dispatcher,
			ids,
			clock,
			orchestrator.Config{
				ScreenshotPrefix: cfg.Storage.ScreenshotPrefix,
				MaxConcurrency:   cfg.Crawler.MaxConcurrency,
				MaxPages:         cfg.Crawler.MaxPagesLimit,
			},
			logger,
		)
	}
	app.apiServer = api.NewServer(jobs, cfg, logger, checks...)
	return app, nil
}

func (a *App) setupStore(ctx context.Context) (crawler.Store, []api.ReadinessCheck, error) {
	if a.cfg.DB.Backend != config.DBPostgres {
		a.logger.Info("using in-memory store")
		return memorystorage.NewStore(), nil, nil
	}
	var err error
	a.pgStore, err = pgstore.New(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeSec) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("postgres store init failed: %w", err)
	}
	if a.cfg.DB.ApplySchema {
		if err := a.pgStore.EnsureSchema(ctx); err != nil {
			return nil, nil, fmt.Errorf("apply schema: %w", err)
		}
		a.logger.Info("database schema applied")
	}
	return a.pgStore, []api.ReadinessCheck{{Name: "postgres", Check: a.pgStore.Ping}}, nil
}

func (a *App) setupStorage(ctx context.Context) (crawler.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		var err error
		a.storage, err = storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		blobs, err := gcsstorage.New(a.storage, gcsstorage.Config{
			Bucket:   a.cfg.Storage.GCSBucket,
			PageSize: a.cfg.Storage.ListPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return blobs, nil
	case config.StorageLocal:
		blobs, err := localstorage.New(localstorage.Config{
			BaseDir:  a.cfg.Storage.LocalDir,
			PageSize: a.cfg.Storage.ListPageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalDir))
		return blobs, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStoreWithPageSize(a.cfg.Storage.ListPageSize), nil
	}
}

// setupCapturer returns the chromedp capturer, or Noop when rendering is off
// or the process only serves the API. Chrome starts lazily on the first
// capture, so a missing browser surfaces as per-page capture errors.
func (a *App) setupCapturer() crawler.Capturer {
	if !a.cfg.Render.Enabled || a.cfg.Server.Mode == config.ModeAPI {
		a.logger.Info("screenshots disabled")
		return render.NewNoop()
	}
	capturer, err := render.NewChromedp(render.Config{
		MaxParallel:    a.cfg.Render.MaxParallel,
		UserAgent:      a.cfg.Crawler.UserAgent,
		Timeout:        time.Duration(a.cfg.Render.TimeoutSeconds) * time.Second,
		ViewportWidth:  int64(a.cfg.Render.ViewportWidth),
		ViewportHeight: int64(a.cfg.Render.ViewportHeight),
	})
	if err != nil {
		a.logger.Warn("headless capturer init failed; screenshots disabled", zap.Error(err))
		return render.NewNoop()
	}
	a.capturer = capturer
	a.logger.Info("using chromedp capturer", zap.Int("max_parallel", a.cfg.Render.MaxParallel))
	return capturer
}

func (a *App) setupDispatch(ctx context.Context, runner crawler.Runner) (crawler.Dispatcher, error) {
	if a.cfg.Dispatch.Backend != config.DispatchPubSub {
		a.pool = memorydispatch.New(runner, memorydispatch.Config{
			QueueDepth: a.cfg.Crawler.QueueDepth,
			Workers:    a.cfg.Crawler.Workers,
		}, a.logger)
		a.logger.Info("using in-process dispatcher",
			zap.Int("queue_depth", a.cfg.Crawler.QueueDepth),
			zap.Int("workers", a.cfg.Crawler.Workers),
		)
		return a.pool, nil
	}

	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.Dispatch.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.publisher, err = pubsubdispatch.NewPublisher(a.pubsubClient, a.cfg.Dispatch.Topic, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.Dispatch.ProjectID),
		zap.String("topic", a.cfg.Dispatch.Topic),
	)
	if a.cfg.Server.Mode == config.ModeAPI {
		return a.publisher, nil
	}
	a.subscriber, err = pubsubdispatch.NewSubscriber(a.pubsubClient, a.cfg.Dispatch.Subscription, runner,
		pubsubdispatch.SubscriberConfig{
			MaxConcurrentJobs: a.cfg.Crawler.Workers,
			MaxExtension:      time.Duration(a.cfg.Dispatch.MaxExtensionSec) * time.Second,
		}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("pubsub subscriber init failed: %w", err)
	}
	a.logger.Info("Pub/Sub subscriber initialized", zap.String("subscription", a.cfg.Dispatch.Subscription))
	return a.publisher, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves HTTP and executes jobs until ctx is canceled, then shuts down.
// Jobs still running at that point are marked failed as interrupted.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	if a.pool != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Crawler.Workers))
			a.pool.Run(ctx)
		}()
	}
	subErr := make(chan error, 1)
	if a.subscriber != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("subscriber started")
			if err := a.subscriber.Run(ctx); err != nil {
				subErr <- err
				stop()
			}
		}()
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	if a.pool != nil {
		a.pool.Close()
	}

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		a.logger.Warn("job runners did not stop within the shutdown grace period")
	}
	a.Close()

	select {
	case err := <-subErr:
		return fmt.Errorf("subscriber: %w", err)
	default:
		return nil
	}
}

// Close releases clients and pools. It is safe on a partially built App.
func (a *App) Close() {
	if a.publisher != nil {
		a.publisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.capturer != nil {
		a.capturer.Close()
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
	a.logger.Info("shutdown complete")
}
