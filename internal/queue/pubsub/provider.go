// Package pubsub implements the work queue on Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gcppubsub "cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/queue"
)

// Config identifies the target topic.
type Config struct {
	ProjectID string
	TopicID   string
	Timeout   time.Duration
}

// Provider implements queue.Provider over a Pub/Sub topic. The client
// batches messages in the background; SubmitBatch waits for every server
// acknowledgement so the caller knows exactly how many documents made it.
type Provider struct {
	client  *gcppubsub.Client
	topic   *gcppubsub.Topic
	timeout time.Duration
	logger  *zap.Logger
}

// New creates a Pub/Sub client and verifies the topic exists. It
// authenticates using Application Default Credentials.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := gcppubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create pubsub client: %w", err)
	}

	topic := client.Topic(cfg.TopicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close pubsub client after topic existence check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("failed to check for topic existence: %w", err)
	}
	if !exists {
		if closeErr := client.Close(); closeErr != nil {
			logger.Warn("Failed to close pubsub client after topic existence check failure", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic '%s' does not exist in project '%s'", cfg.TopicID, cfg.ProjectID)
	}

	return NewWithTopic(client, topic, cfg.Timeout, logger), nil
}

// NewWithTopic wraps an existing client and topic handle. Tests use it to
// point the provider at a fake server.
func NewWithTopic(client *gcppubsub.Client, topic *gcppubsub.Topic, timeout time.Duration, logger *zap.Logger) *Provider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Batch aggressively: webhooks deliver pages in bursts, and the
	// publisher flushes whichever threshold trips first.
	topic.PublishSettings.CountThreshold = 100
	topic.PublishSettings.DelayThreshold = 50 * time.Millisecond

	return &Provider{
		client:  client,
		topic:   topic,
		timeout: timeout,
		logger:  logger,
	}
}

// SubmitBatch publishes every job, then waits for each server ack. The
// returned count is the number of acknowledged messages; on partial failure
// the caller can see how many documents are already in flight downstream.
func (p *Provider) SubmitBatch(ctx context.Context, jobs []queue.DocumentJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	results := make([]*gcppubsub.PublishResult, 0, len(jobs))
	for _, job := range jobs {
		b, err := json.Marshal(job)
		if err != nil {
			return 0, fmt.Errorf("marshal document job %q: %w", job.URL, err)
		}
		results = append(results, p.topic.Publish(ctx, &gcppubsub.Message{Data: b}))
	}

	acked := 0
	var firstErr error
	for i, result := range results {
		if _, err := result.Get(ctx); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			p.logger.Warn("Pubsub publish failed",
				zap.String("url", jobs[i].URL),
				zap.Error(err),
			)
			continue
		}
		acked++
	}
	if firstErr != nil {
		return acked, fmt.Errorf("publish batch: %v: %w", firstErr, queue.ErrUnavailable)
	}
	return acked, nil
}

// Close stops the topic's publisher and closes the client connection.
func (p *Provider) Close() error {
	p.topic.Stop()
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("failed to close pubsub client: %w", err)
	}
	return nil
}
