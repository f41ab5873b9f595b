// Package metrics records timed-operation samples without ever blocking the
// pipeline that produces them.
package metrics

import (
	"context"
	"time"
)

// OperationMetric is one append-only timed-operation record.
type OperationMetric struct {
	// OperationType is the pipeline stage (webhook_ingest, queue_submit,
	// proxy_forward, chunking, embedding, index_write, ...).
	OperationType string
	// OperationName is the specific operation within the stage.
	OperationName string
	// DurationMs is the measured wall-clock duration.
	DurationMs int64
	// Success reports whether the guarded work finished without error.
	Success bool
	// ErrorMessage carries the failure reason when Success is false.
	ErrorMessage string
	// RequestID optionally ties the sample to one HTTP request.
	RequestID string
	// JobID optionally ties the sample to a crawl session. Referential
	// integrity is best-effort; samples are never dropped because the
	// session row does not exist yet.
	JobID string
	// DocumentURL optionally scopes the sample to one document.
	DocumentURL string
	// RecordedAt is when the sample was taken.
	RecordedAt time.Time
}

// Correlation carries the identifiers attached to a timing scope.
type Correlation struct {
	RequestID   string
	JobID       string
	DocumentURL string
}

// Sink consumes batches of metric records. Implementations must honor ctx
// deadlines and tolerate repeated calls; failures are logged by the Recorder
// and never propagate to the code being measured.
type Sink interface {
	Append(ctx context.Context, batch []OperationMetric) error
	Close(ctx context.Context) error
}
