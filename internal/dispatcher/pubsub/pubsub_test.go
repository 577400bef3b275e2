package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/site-audit-crawler/internal/crawler"
)

func newTestClient(t *testing.T) (*pubsub.Client, *pstest.Server) {
	t.Helper()
	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	client, err := pubsub.NewClient(context.Background(), "test-project", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

type channelRunner struct {
	mu   sync.Mutex
	seen chan crawler.ExecutionRequest
	err  error
}

func (r *channelRunner) Run(_ context.Context, req crawler.ExecutionRequest) error {
	r.mu.Lock()
	err := r.err
	r.mu.Unlock()
	r.seen <- req
	return err
}

// scriptedRunner returns err on every run and counts calls.
type scriptedRunner struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *scriptedRunner) Run(context.Context, crawler.ExecutionRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func (r *scriptedRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

// startSubscriber wires a topic and subscription to a running Subscriber and
// stops it when the test ends.
func startSubscriber(t *testing.T, client *pubsub.Client, runner crawler.Runner) *pubsub.Topic {
	t.Helper()
	ctx := context.Background()
	topic, err := client.CreateTopic(ctx, "jobs")
	require.NoError(t, err)
	t.Cleanup(topic.Stop)
	_, err = client.CreateSubscription(ctx, "jobs-worker", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	sub, err := NewSubscriber(client, "jobs-worker", runner, SubscriberConfig{MaxConcurrentJobs: 1}, zap.NewNop())
	require.NoError(t, err)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sub.Run(runCtx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return topic
}

func publishRaw(t *testing.T, topic *pubsub.Topic, data []byte) string {
	t.Helper()
	id, err := topic.Publish(context.Background(), &pubsub.Message{Data: data}).Get(context.Background())
	require.NoError(t, err)
	return id
}

func TestSubscriberAcksSettledRuns(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
	}{
		{name: "completed", err: nil},
		{name: "already claimed", err: fmt.Errorf("start job job-1: %w", crawler.ErrConflict)},
		{name: "deleted job", err: fmt.Errorf("start job job-1: %w", crawler.ErrNotFound)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, srv := newTestClient(t)
			runner := &scriptedRunner{err: tt.err}
			topic := startSubscriber(t, client, runner)
			data, err := json.Marshal(crawler.ExecutionRequest{JobID: "job-1", StartURL: "https://ex.com"})
			require.NoError(t, err)
			id := publishRaw(t, topic, data)

			require.Eventually(t, func() bool {
				return srv.Message(id).Acks == 1
			}, 5*time.Second, 20*time.Millisecond)
			time.Sleep(500 * time.Millisecond)
			require.Equal(t, 1, srv.Message(id).Deliveries)
			require.Equal(t, 1, runner.callCount())
		})
	}
}

func TestSubscriberRedeliversUnsettledRuns(t *testing.T) {
	t.Parallel()

	client, srv := newTestClient(t)
	runner := &scriptedRunner{err: errors.New("finish job job-1: database unavailable")}
	topic := startSubscriber(t, client, runner)
	data, err := json.Marshal(crawler.ExecutionRequest{JobID: "job-1", StartURL: "https://ex.com"})
	require.NoError(t, err)
	id := publishRaw(t, topic, data)

	require.Eventually(t, func() bool {
		return srv.Message(id).Deliveries >= 2
	}, 5*time.Second, 20*time.Millisecond)
	require.Zero(t, srv.Message(id).Acks)
	require.GreaterOrEqual(t, runner.callCount(), 2)
}

func TestSubscriberAcksMalformedPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{name: "not json", data: []byte("{job")},
		{name: "missing job id", data: []byte(`{"start_url":"https://ex.com"}`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			client, srv := newTestClient(t)
			runner := &scriptedRunner{}
			topic := startSubscriber(t, client, runner)
			id := publishRaw(t, topic, tt.data)

			require.Eventually(t, func() bool {
				return srv.Message(id).Acks == 1
			}, 5*time.Second, 20*time.Millisecond)
			require.Equal(t, 1, srv.Message(id).Deliveries)
			require.Zero(t, runner.callCount())
		})
	}
}

func TestPublisherDispatchPublishesJSON(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, srv := newTestClient(t)
	_, err := client.CreateTopic(ctx, "jobs")
	require.NoError(t, err)

	pub, err := NewPublisher(client, "jobs", zap.NewNop())
	require.NoError(t, err)
	defer pub.Stop()

	req := crawler.ExecutionRequest{
		JobID:    "job-1",
		SiteID:   "site-1",
		StartURL: "https://ex.com",
		Limits:   crawler.Limits{MaxDepth: 2, MaxPages: 10, Concurrency: 3},
	}
	require.NoError(t, pub.Dispatch(ctx, req))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "job-1", msgs[0].Attributes[jobIDAttribute])
	var got crawler.ExecutionRequest
	require.NoError(t, json.Unmarshal(msgs[0].Data, &got))
	require.Equal(t, req, got)
}

func TestPublisherDispatchFailsForMissingTopic(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	pub, err := NewPublisher(client, "missing", zap.NewNop())
	require.NoError(t, err)
	defer pub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, pub.Dispatch(ctx, crawler.ExecutionRequest{JobID: "job-1"}))
}

func TestSubscriberRunsPublishedJobs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	client, _ := newTestClient(t)
	topic, err := client.CreateTopic(ctx, "jobs")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "jobs-worker", pubsub.SubscriptionConfig{Topic: topic})
	require.NoError(t, err)

	runner := &channelRunner{seen: make(chan crawler.ExecutionRequest, 4)}
	sub, err := NewSubscriber(client, "jobs-worker", runner, SubscriberConfig{MaxConcurrentJobs: 2}, zap.NewNop())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sub.Run(runCtx) }()

	pub, err := NewPublisher(client, "jobs", zap.NewNop())
	require.NoError(t, err)
	defer pub.Stop()
	require.NoError(t, pub.Dispatch(ctx, crawler.ExecutionRequest{JobID: "job-7", StartURL: "https://ex.com"}))

	select {
	case got := <-runner.seen:
		require.Equal(t, "job-7", got.JobID)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not run the job")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("subscriber did not stop")
	}
}

func TestNewSubscriberValidates(t *testing.T) {
	t.Parallel()

	client, _ := newTestClient(t)
	_, err := NewSubscriber(nil, "s", &channelRunner{}, SubscriberConfig{}, nil)
	require.Error(t, err)
	_, err = NewSubscriber(client, "", &channelRunner{}, SubscriberConfig{}, nil)
	require.Error(t, err)
	_, err = NewSubscriber(client, "s", nil, SubscriberConfig{}, nil)
	require.Error(t, err)
}
