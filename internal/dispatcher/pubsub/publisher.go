// Package pubsub dispatches crawl jobs through Google Cloud Pub/Sub so that
// separate worker instances can run them.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

const jobIDAttribute = "job_id"

// Publisher publishes execution requests to a topic. It implements
// crawler.Dispatcher.
type Publisher struct {
	topic  *pubsub.Topic
	logger *zap.Logger
}

// NewPublisher creates a Publisher for topicID.
func NewPublisher(client *pubsub.Client, topicID string, logger *zap.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	if topicID == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		topic:  client.Topic(topicID),
		logger: logger.Named("pubsub_publisher"),
	}, nil
}

// Dispatch marshals req to JSON and waits for the server to accept it.
func (p *Publisher) Dispatch(ctx context.Context, req crawler.ExecutionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal execution request: %w", err)
	}
	result := p.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: map[string]string{jobIDAttribute: req.JobID},
	})
	id, err := result.Get(ctx)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	p.logger.Debug("job published", zap.String("job_id", req.JobID), zap.String("message_id", id))
	return nil
}

// Stop flushes pending publishes.
func (p *Publisher) Stop() {
	p.topic.Stop()
}
