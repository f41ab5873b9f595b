// Package memory provides a queue implementation for local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/relaysearch/crawlbridge/internal/queue"
)

// Queue is a bounded in-memory queue with all-or-nothing batch submission.
type Queue struct {
	mu       sync.Mutex
	jobs     []queue.DocumentJob
	capacity int
	closed   bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{capacity: capacity}
}

// SubmitBatch appends the whole batch under one lock acquisition so a
// concurrent consumer observes all of the batch or none of it. A batch that
// does not fit is rejected entirely with ErrUnavailable.
func (q *Queue) SubmitBatch(ctx context.Context, jobs []queue.DocumentJob) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("submit canceled: %w", err)
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, fmt.Errorf("queue closed: %w", queue.ErrUnavailable)
	}
	if len(q.jobs)+len(jobs) > q.capacity {
		return 0, fmt.Errorf("queue at capacity: %w", queue.ErrUnavailable)
	}
	q.jobs = append(q.jobs, jobs...)
	return len(jobs), nil
}

// Drain removes and returns everything currently visible.
func (q *Queue) Drain() []queue.DocumentJob {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.jobs
	q.jobs = nil
	return out
}

// Len reports how many jobs are currently visible.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close marks the queue closed for shutdown.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
