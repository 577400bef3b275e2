// Package memory runs crawl jobs in-process: Dispatch enqueues onto a bounded
// channel and a fixed pool of goroutines hands each request to the runner.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

var (
	// ErrQueueFull is returned when every slot of the queue is taken.
	ErrQueueFull = errors.New("queue full")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("queue closed")
)

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch     chan crawler.ExecutionRequest
	mu     sync.RWMutex
	closed bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan crawler.ExecutionRequest, max(capacity, 0)),
	}
}

// Enqueue adds req without waiting for space; a full queue is an error.
func (q *Queue) Enqueue(ctx context.Context, req crawler.ExecutionRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue pops the next request, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.ExecutionRequest, error) {
	select {
	case <-ctx.Done():
		return crawler.ExecutionRequest{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case req, ok := <-q.ch:
		if !ok {
			return crawler.ExecutionRequest{}, ErrQueueClosed
		}
		return req, nil
	}
}

// Len is the number of queued requests.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close stops new enqueues. Requests already queued can still be dequeued.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
