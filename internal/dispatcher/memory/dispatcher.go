package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

// Config sizes the in-process execution pool.
type Config struct {
	QueueDepth int
	Workers    int
}

// Dispatcher fans queued execution requests out to a pool of goroutines.
type Dispatcher struct {
	queue   *Queue
	runner  crawler.Runner
	workers int
	logger  *zap.Logger
}

// New creates a Dispatcher.
func New(runner crawler.Runner, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		queue:   NewQueue(cfg.QueueDepth),
		runner:  runner,
		workers: max(cfg.Workers, 1),
		logger:  logger.Named("dispatcher"),
	}
}

// Dispatch queues req for background execution.
func (d *Dispatcher) Dispatch(ctx context.Context, req crawler.ExecutionRequest) error {
	if err := d.queue.Enqueue(ctx, req); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	d.logger.Debug("job queued", zap.String("job_id", req.JobID), zap.Int("queued", d.queue.Len()))
	return nil
}

// Run starts the pool and blocks until ctx finishes or Close drains the queue.
// Jobs still running when ctx is cancelled see the cancellation.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := range d.workers {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			d.loop(ctx, slot)
		}(i)
	}
	wg.Wait()
}

// Close stops accepting jobs; Run returns once the queue is drained.
func (d *Dispatcher) Close() {
	d.queue.Close()
}

func (d *Dispatcher) loop(ctx context.Context, slot int) {
	logger := d.logger.With(zap.Int("slot", slot))
	for {
		req, err := d.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrQueueClosed) {
				return
			}
			logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		logger.Debug("dequeued job", zap.String("job_id", req.JobID))
		if err := d.runner.Run(ctx, req); err != nil {
			logger.Warn("job run returned error", zap.String("job_id", req.JobID), zap.Error(err))
		}
	}
}
