package session

import (
	"context"
	"errors"
)

// ErrAlreadyExists signals a Create for a job ID that is already tracked.
// Callers treat it as fetch-existing, not as a hard failure; the provider
// can deliver a data event before the proxy finishes creating the session.
var ErrAlreadyExists = errors.New("session already exists")

// ErrNotFound signals that no session is tracked for the job ID.
var ErrNotFound = errors.New("session not found")

// ErrAnomalousTransition signals a different terminal status applied to an
// already-terminal session. The store leaves the row untouched; callers log
// the anomaly and continue.
var ErrAnomalousTransition = errors.New("anomalous terminal transition")

// Store persists CrawlSession rows. It is the only component that mutates
// session state; per-job operations must be atomic so concurrent webhook
// deliveries never lose an update.
type Store interface {
	// Create inserts a new session or returns ErrAlreadyExists if the
	// job ID is already present.
	Create(ctx context.Context, ns NewSession) (CrawlSession, error)

	// Get loads a session by job ID or returns ErrNotFound.
	Get(ctx context.Context, jobID string) (CrawlSession, error)

	// UpdateStatus applies a monotonic status transition. Entering a
	// terminal status sets CompletedAt and DurationMs exactly once;
	// re-applying the same terminal status is a no-op. A conflicting
	// terminal status returns the unchanged session with
	// ErrAnomalousTransition.
	UpdateStatus(ctx context.Context, jobID string, status Status, upd StatusUpdate) (CrawlSession, error)

	// IncrementProgress atomically adds document counts; safe under
	// concurrent calls for the same job ID.
	IncrementProgress(ctx context.Context, jobID string, completedDelta, failedDelta int64) (CrawlSession, error)

	// SetTotalUnits revises the unit total upward. Downward revisions are
	// ignored and reported to the caller via the returned session.
	SetTotalUnits(ctx context.Context, jobID string, totalUnits int64) (CrawlSession, error)

	// AccumulateTiming atomically adds ms to the per-stage sum. An unknown
	// job ID is a logged no-op, never an error.
	AccumulateTiming(ctx context.Context, jobID string, stage Stage, ms int64) error

	// Merge fills unset fields from a deferred lifecycle-start event
	// without overwriting values already populated.
	Merge(ctx context.Context, jobID string, fields MergeFields) (CrawlSession, error)

	// Close releases the underlying resources.
	Close()
}
