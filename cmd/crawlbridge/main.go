// Command crawlbridge runs the webhook bridge between the scraping provider
// and the indexing pipeline.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/api"
	"github.com/relaysearch/crawlbridge/internal/config"
	"github.com/relaysearch/crawlbridge/internal/correlator"
	"github.com/relaysearch/crawlbridge/internal/dedup"
	"github.com/relaysearch/crawlbridge/internal/logging"
	"github.com/relaysearch/crawlbridge/internal/metrics"
	metricsmem "github.com/relaysearch/crawlbridge/internal/metrics/memory"
	metricspg "github.com/relaysearch/crawlbridge/internal/metrics/postgres"
	"github.com/relaysearch/crawlbridge/internal/proxy"
	"github.com/relaysearch/crawlbridge/internal/queue"
	queuemem "github.com/relaysearch/crawlbridge/internal/queue/memory"
	queueps "github.com/relaysearch/crawlbridge/internal/queue/pubsub"
	queuers "github.com/relaysearch/crawlbridge/internal/queue/redisstream"
	"github.com/relaysearch/crawlbridge/internal/session"
	sessionmem "github.com/relaysearch/crawlbridge/internal/session/memory"
	sessionpg "github.com/relaysearch/crawlbridge/internal/session/postgres"
)

// memoryQueueCapacity bounds the dev-mode queue.
const memoryQueueCapacity = 100000

func main() {
	configPath := flag.String("config", "", "path to config file (optional; env vars apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "crawlbridge: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Session store: Postgres when a DSN is configured, memory otherwise.
	var store session.Store
	if cfg.DB.DSN != "" {
		logger.Info("Connecting to PostgreSQL session store")
		store, err = sessionpg.NewStore(ctx, sessionpg.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.DB.MaxConnLifetime,
		}, logging.ForComponent(logger, "session-store"))
		if err != nil {
			return fmt.Errorf("init session store: %w", err)
		}
	} else {
		logger.Info("Using in-memory session store; sessions will not survive restarts")
		store = sessionmem.NewStore(logging.ForComponent(logger, "session-store"))
	}
	defer store.Close()

	// Metrics sink follows the same split.
	var sink metrics.Sink
	if cfg.DB.DSN != "" {
		sink, err = metricspg.NewSink(ctx, cfg.DB.DSN)
		if err != nil {
			return fmt.Errorf("init metrics sink: %w", err)
		}
	} else {
		sink = metricsmem.NewSink()
	}
	recorder := metrics.NewRecorder(metrics.Config{
		BufferSize:    cfg.Metrics.BufferSize,
		MaxBatch:      cfg.Metrics.MaxBatch,
		FlushInterval: cfg.Metrics.FlushInterval,
		Logger:        logging.ForComponent(logger, "metrics"),
	}, sink)
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Close(drainCtx); err != nil {
			logger.Warn("Metrics recorder drain incomplete", zap.Error(err))
		}
	}()

	q, deduper, err := buildQueue(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()
	defer func() { _ = deduper.Close() }()

	corr := correlator.New(store, q, cfg.Queue.Provider, deduper, recorder, logging.ForComponent(logger, "correlator"))

	initiator := proxy.New(proxy.Config{
		BaseURL:   cfg.Provider.BaseURL,
		APIKey:    cfg.Provider.APIKey,
		Timeout:   time.Duration(cfg.Provider.TimeoutSeconds) * time.Second,
		AutoIndex: cfg.Provider.AutoIndex,
	}, nil, store, recorder, logging.ForComponent(logger, "proxy"))

	server := api.NewServer(store, corr, initiator, recorder, cfg, logging.ForComponent(logger, "api"))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crawlbridge listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received; draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// buildQueue instantiates the configured work-queue provider and the
// matching delivery deduper. The Redis backend shares one replay window
// across bridge instances; the others degrade to per-process dedup.
func buildQueue(ctx context.Context, cfg config.Config, logger *zap.Logger) (queue.Provider, dedup.Deduper, error) {
	timeout := time.Duration(cfg.Queue.TimeoutSeconds) * time.Second

	switch cfg.Queue.Provider {
	case "redis":
		logger.Info("Using Redis Streams work queue",
			zap.String("addr", cfg.Queue.Redis.Addr),
			zap.String("stream", cfg.Queue.Redis.Stream),
		)
		q, err := queuers.New(queuers.Config{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
			Stream:   cfg.Queue.Redis.Stream,
			Timeout:  timeout,
		}, logging.ForComponent(logger, "queue"))
		if err != nil {
			return nil, nil, fmt.Errorf("init redis queue: %w", err)
		}
		dedupClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Queue.Redis.Addr,
			Password: cfg.Queue.Redis.Password,
			DB:       cfg.Queue.Redis.DB,
		})
		if err := dedupClient.Ping(ctx).Err(); err != nil {
			_ = q.Close()
			return nil, nil, fmt.Errorf("init redis deduper: %w", err)
		}
		return q, dedup.NewRedisDeduper(dedupClient, cfg.Dedup.TTL), nil

	case "pubsub":
		logger.Info("Using Pub/Sub work queue", zap.String("topic", cfg.Queue.PubSub.TopicID))
		q, err := queueps.New(ctx, queueps.Config{
			ProjectID: cfg.Queue.PubSub.ProjectID,
			TopicID:   cfg.Queue.PubSub.TopicID,
			Timeout:   timeout,
		}, logging.ForComponent(logger, "queue"))
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub queue: %w", err)
		}
		return q, dedup.NewMemoryDeduper(cfg.Dedup.TTL), nil

	case "memory":
		logger.Info("Using in-memory work queue; documents will not reach an indexer")
		return queuemem.NewQueue(memoryQueueCapacity), dedup.NewMemoryDeduper(cfg.Dedup.TTL), nil

	default:
		return nil, nil, fmt.Errorf("unknown queue provider: %s", cfg.Queue.Provider)
	}
}
