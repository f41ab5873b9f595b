// Package memory provides an in-memory metrics sink for development/testing.
package memory

import (
	"context"
	"sync"

	"github.com/relaysearch/crawlbridge/internal/metrics"
)

// Sink accumulates appended metrics in memory.
type Sink struct {
	mu      sync.Mutex
	records []metrics.OperationMetric
	closed  bool
}

// NewSink constructs a Sink.
func NewSink() *Sink {
	return &Sink{}
}

// Append stores the batch.
func (s *Sink) Append(_ context.Context, batch []metrics.OperationMetric) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, batch...)
	return nil
}

// Close marks the sink closed.
func (s *Sink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Records returns a copy of everything appended so far.
func (s *Sink) Records() []metrics.OperationMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]metrics.OperationMetric, len(s.records))
	copy(out, s.records)
	return out
}

// Closed reports whether Close has been called.
func (s *Sink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
