package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

// SubscriberConfig controls message flow on a worker instance.
type SubscriberConfig struct {
	// MaxConcurrentJobs bounds how many jobs this instance runs at once.
	MaxConcurrentJobs int
	// MaxExtension is how long a message lease is extended while a job runs.
	MaxExtension time.Duration
}

// Subscriber receives execution requests and hands them to a runner.
type Subscriber struct {
	sub    *pubsub.Subscription
	runner crawler.Runner
	logger *zap.Logger
}

// NewSubscriber creates a Subscriber for subscriptionID.
func NewSubscriber(
	client *pubsub.Client,
	subscriptionID string,
	runner crawler.Runner,
	cfg SubscriberConfig,
	logger *zap.Logger,
) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if subscriptionID == "" {
		return nil, fmt.Errorf("subscription is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sub := client.Subscription(subscriptionID)
	if cfg.MaxConcurrentJobs > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxConcurrentJobs
	}
	if cfg.MaxExtension > 0 {
		sub.ReceiveSettings.MaxExtension = cfg.MaxExtension
	}
	return &Subscriber{
		sub:    sub,
		runner: runner,
		logger: logger.Named("pubsub_subscriber"),
	}, nil
}

// Run receives messages until ctx is cancelled.
func (s *Subscriber) Run(ctx context.Context) error {
	err := s.sub.Receive(ctx, s.handle)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive: %w", err)
	}
	return nil
}

// handle acks malformed payloads, settled runs, jobs already claimed or
// finished, and jobs whose row is gone. Only a run that left the job row
// unsettled is nacked for redelivery.
func (s *Subscriber) handle(ctx context.Context, msg *pubsub.Message) {
	var req crawler.ExecutionRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil || req.JobID == "" {
		s.logger.Error("dropping malformed execution request",
			zap.String("message_id", msg.ID),
			zap.Error(err),
		)
		msg.Ack()
		return
	}
	err := s.runner.Run(ctx, req)
	switch {
	case err == nil:
		msg.Ack()
	case errors.Is(err, crawler.ErrConflict):
		s.logger.Info("job already claimed or finished", zap.String("job_id", req.JobID))
		msg.Ack()
	case errors.Is(err, crawler.ErrNotFound):
		s.logger.Warn("dropping execution request for deleted job", zap.String("job_id", req.JobID))
		msg.Ack()
	default:
		s.logger.Warn("job run failed; message will be redelivered",
			zap.String("job_id", req.JobID),
			zap.Error(err),
		)
		msg.Nack()
	}
}
