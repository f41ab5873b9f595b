// Package session declares the crawl session model and persistence contract.
package session

import (
	"time"

	"github.com/google/uuid"
)

// OperationType classifies the provider operation a session tracks.
type OperationType string

// Provider operations tracked as sessions.
const (
	OpScrape      OperationType = "scrape"
	OpCrawl       OperationType = "crawl"
	OpBatchScrape OperationType = "batch_scrape"
	OpMap         OperationType = "map"
	OpSearch      OperationType = "search"
	OpExtract     OperationType = "extract"
)

// Status is the lifecycle state of a session.
type Status string

// Session lifecycle states. Completed, failed, and cancelled are terminal.
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transition out of s is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// rank orders statuses for the monotonic transition guard.
// Terminal states share a rank; conflicts between them are anomalies.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusInProgress:
		return 1
	default:
		return 2
	}
}

// CanTransition reports whether moving from s to next respects monotonicity.
// Re-applying the current status is always permitted (idempotent no-op).
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Stage names a pipeline stage whose per-session timing is accumulated.
type Stage string

// Pipeline stages with session-level timing sums.
const (
	StageChunking   Stage = "chunking"
	StageEmbedding  Stage = "embedding"
	StageIndexWrite Stage = "index_write"
)

// CrawlSession is one tracked scrape/crawl/batch/map/search/extract operation.
type CrawlSession struct {
	// SessionID is the internal identifier.
	SessionID uuid.UUID
	// JobID is the provider's job identifier; unique and immutable once set.
	JobID string
	// OperationType classifies the session; empty until known for
	// placeholder sessions created from data events.
	OperationType OperationType
	// Status is the lifecycle state; transitions are monotonic.
	Status Status
	// TotalUnits may be revised upward while the crawl discovers pages.
	TotalUnits int64
	// CompletedUnits and FailedUnits count processed documents.
	CompletedUnits int64
	FailedUnits    int64
	// StageTimingsMs holds cumulative per-stage timing sums.
	StageTimingsMs map[Stage]int64
	// StartedAt is when the session was first observed.
	StartedAt time.Time
	// CompletedAt is nil until a terminal status is entered, then set once.
	CompletedAt *time.Time
	// UpdatedAt tracks the most recent mutation.
	UpdatedAt time.Time
	// DurationMs is CompletedAt minus StartedAt, set once on completion.
	DurationMs *int64
	// EndToEndDurationMs extends DurationMs with post-completion pipeline
	// work reported through timing samples.
	EndToEndDurationMs *int64
	// BaseURL is the root URL of the operation, when known.
	BaseURL string
	// AutoIndex marks whether extracted documents are enqueued for indexing.
	AutoIndex bool
	// Metadata carries arbitrary request context supplied by the caller.
	Metadata map[string]any
	// ExpiresAt is an optional retention hint for external cleanup.
	ExpiresAt *time.Time
	// ErrorMessage stores the final failure reason, if any.
	ErrorMessage *string
}

// NewSession carries the fields needed to create a session record.
type NewSession struct {
	JobID         string
	OperationType OperationType
	Status        Status
	BaseURL       string
	AutoIndex     bool
	Metadata      map[string]any
	ExpiresAt     *time.Time
}

// StatusUpdate carries optional fields applied alongside a status change.
type StatusUpdate struct {
	// ErrorMessage is recorded for failed/cancelled terminals.
	ErrorMessage *string
	// TotalUnits revises the unit total; only upward revisions apply.
	TotalUnits *int64
}

// MergeFields are best-effort fields from a deferred lifecycle-start event.
// They fill gaps left by a placeholder session and never overwrite values
// the placeholder already populated.
type MergeFields struct {
	OperationType OperationType
	BaseURL       string
	AutoIndex     *bool
	Metadata      map[string]any
}
