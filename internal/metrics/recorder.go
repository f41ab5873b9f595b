package metrics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/telemetry"
)

// Config controls buffering and batching for the Recorder.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatch: flush once this many records queue (default 256).
//   - FlushInterval: flush after this duration even if the batch is small (default 500ms).
//   - SinkTimeout: per-flush timeout for the sink (default 10s).
//   - Logger: optional structured logger used for warnings.
type Config struct {
	BufferSize    int
	MaxBatch      int
	FlushInterval time.Duration
	SinkTimeout   time.Duration
	Logger        *zap.Logger
}

const (
	defaultBufferSize    = 4096
	defaultMaxBatch      = 256
	defaultFlushInterval = 500 * time.Millisecond
	defaultSinkTimeout   = 10 * time.Second
	dropLogInterval      = 5 * time.Second
)

// Recorder buffers OperationMetric records and flushes them to a Sink in the
// background. Record never blocks; under backpressure records are dropped
// with a rate-limited warning. Metrics loss is acceptable, pipeline
// correctness is not.
type Recorder struct {
	cfg     Config
	sink    Sink
	records chan OperationMetric
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	dropped atomic.Int64
	lastLog atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// NewRecorder starts the background flush goroutine and returns a Recorder
// that is immediately ready to accept records.
func NewRecorder(cfg Config, sink Sink) *Recorder {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Recorder{
		cfg:     cfg,
		sink:    sink,
		records: make(chan OperationMetric, cfg.BufferSize),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		logger:  logger,
	}
	go r.run()
	return r
}

// Record enqueues a metric. It never blocks and never fails the caller; if
// the buffer is full the record is dropped and a rate-limited warning logged.
func (r *Recorder) Record(metric OperationMetric) {
	if r == nil || r.closed.Load() {
		return
	}
	if metric.RecordedAt.IsZero() {
		metric.RecordedAt = time.Now().UTC()
	}
	select {
	case r.records <- metric:
	default:
		r.dropped.Add(1)
		telemetry.ObserveMetricDropped()
		now := time.Now().UnixNano()
		last := r.lastLog.Load()
		if now-last >= int64(dropLogInterval) && r.lastLog.CompareAndSwap(last, now) {
			count := r.dropped.Swap(0)
			r.logger.Warn("operation metrics dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains buffered records, flushes the sink, and blocks until the
// background goroutine exits or ctx expires.
func (r *Recorder) Close(ctx context.Context) error {
	if r == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.stopCh)
	})
	select {
	case <-r.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("metrics recorder close wait: %w", ctx.Err())
	}
}

func (r *Recorder) run() {
	defer close(r.doneCh)
	batch := make([]OperationMetric, 0, r.cfg.MaxBatch)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case metric := <-r.records:
			batch = append(batch, metric)
			if len(batch) >= r.cfg.MaxBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.stopCh:
			r.drain(batch)
			return
		}
	}
}

// drain empties whatever is buffered at shutdown, then closes the sink.
func (r *Recorder) drain(batch []OperationMetric) {
	for {
		select {
		case metric := <-r.records:
			batch = append(batch, metric)
			if len(batch) >= r.cfg.MaxBatch {
				r.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				r.flush(batch)
			}
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
			defer cancel()
			if err := r.sink.Close(ctx); err != nil {
				r.logger.Warn("metrics sink close failed", zap.Error(err))
			}
			return
		}
	}
}

func (r *Recorder) flush(batch []OperationMetric) {
	if r.sink == nil || len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SinkTimeout)
	defer cancel()
	cp := make([]OperationMetric, len(batch))
	copy(cp, batch)
	if err := r.sink.Append(ctx, cp); err != nil {
		// Sink failures never propagate to the code being measured.
		r.logger.Warn("metrics sink append failed",
			zap.Int("batch", len(cp)),
			zap.Error(err),
		)
	}
}
