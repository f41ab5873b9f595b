// Package redisstream implements the work queue on a Redis stream.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/queue"
)

// Config controls the Redis connection and target stream.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Timeout  time.Duration
}

// Provider implements queue.Provider using XADD inside a MULTI/EXEC
// transaction: one pipelined round trip per batch, and consumers observe
// either the whole batch or none of it.
type Provider struct {
	client  *redis.Client
	stream  string
	timeout time.Duration
	logger  *zap.Logger
}

// New connects to Redis and pings it to ensure it's alive.
func New(cfg Config, logger *zap.Logger) (*Provider, error) {
	if cfg.Stream == "" {
		return nil, fmt.Errorf("queue.redis.stream is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &Provider{
		client:  client,
		stream:  cfg.Stream,
		timeout: cfg.Timeout,
		logger:  logger,
	}, nil
}

// SubmitBatch XADDs every job in one transaction. Marshaling happens before
// any command is queued so a bad job never leaves a partial batch behind.
func (p *Provider) SubmitBatch(ctx context.Context, jobs []queue.DocumentJob) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}
	payloads := make([][]byte, len(jobs))
	for i, job := range jobs {
		b, err := json.Marshal(job)
		if err != nil {
			return 0, fmt.Errorf("marshal document job %q: %w", job.URL, err)
		}
		payloads[i] = b
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range payloads {
			pipe.XAdd(ctx, &redis.XAddArgs{
				Stream: p.stream,
				Values: map[string]interface{}{"job": b},
			})
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("batch submit timed out after %s: %w", p.timeout, err)
		}
		return 0, fmt.Errorf("batch submit failed: %v: %w", err, queue.ErrUnavailable)
	}
	p.logger.Debug("submitted document batch",
		zap.Int("documents", len(jobs)),
		zap.String("stream", p.stream),
	)
	return len(jobs), nil
}

// Close closes the underlying client connection.
func (p *Provider) Close() error {
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}
