// Package memory provides an in-memory session store for development/testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/session"
)

// Store implements session.Store with a mutex-guarded map. Semantics match
// the Postgres implementation so correlator tests exercise the real rules.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]session.CrawlSession
	logger   *zap.Logger
	now      func() time.Time
}

// NewStore constructs a Store.
func NewStore(logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		sessions: make(map[string]session.CrawlSession),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the time source for tests.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Create inserts a new session in the requested status.
func (s *Store) Create(_ context.Context, ns session.NewSession) (session.CrawlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[ns.JobID]; ok {
		return cloneSession(existing), session.ErrAlreadyExists
	}
	now := s.now()
	status := ns.Status
	if status == "" {
		status = session.StatusPending
	}
	sess := session.CrawlSession{
		SessionID:      uuid.New(),
		JobID:          ns.JobID,
		OperationType:  ns.OperationType,
		Status:         status,
		StageTimingsMs: make(map[session.Stage]int64),
		StartedAt:      now,
		UpdatedAt:      now,
		BaseURL:        ns.BaseURL,
		AutoIndex:      ns.AutoIndex,
		Metadata:       cloneMetadata(ns.Metadata),
		ExpiresAt:      ns.ExpiresAt,
	}
	s.sessions[ns.JobID] = sess
	return cloneSession(sess), nil
}

// Get loads a session by job ID.
func (s *Store) Get(_ context.Context, jobID string) (session.CrawlSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[jobID]
	if !ok {
		return session.CrawlSession{}, session.ErrNotFound
	}
	return cloneSession(sess), nil
}

// UpdateStatus applies a monotonic transition.
func (s *Store) UpdateStatus(
	_ context.Context,
	jobID string,
	status session.Status,
	upd session.StatusUpdate,
) (session.CrawlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[jobID]
	if !ok {
		return session.CrawlSession{}, session.ErrNotFound
	}
	if sess.Status.IsTerminal() && sess.Status != status {
		if status.IsTerminal() {
			return cloneSession(sess), session.ErrAnomalousTransition
		}
		// Late non-terminal event after completion: stale, ignore.
		return cloneSession(sess), nil
	}
	if !sess.Status.CanTransition(status) {
		return cloneSession(sess), nil
	}
	now := s.now()
	sess.Status = status
	sess.UpdatedAt = now
	if upd.ErrorMessage != nil {
		sess.ErrorMessage = upd.ErrorMessage
	}
	if upd.TotalUnits != nil && *upd.TotalUnits > sess.TotalUnits {
		sess.TotalUnits = *upd.TotalUnits
	}
	if status.IsTerminal() && sess.CompletedAt == nil {
		completed := now
		sess.CompletedAt = &completed
		duration := completed.Sub(sess.StartedAt).Milliseconds()
		sess.DurationMs = &duration
	}
	s.sessions[jobID] = sess
	return cloneSession(sess), nil
}

// IncrementProgress atomically adds document counts.
func (s *Store) IncrementProgress(
	_ context.Context,
	jobID string,
	completedDelta, failedDelta int64,
) (session.CrawlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[jobID]
	if !ok {
		return session.CrawlSession{}, session.ErrNotFound
	}
	sess.CompletedUnits += completedDelta
	sess.FailedUnits += failedDelta
	sess.UpdatedAt = s.now()
	s.sessions[jobID] = sess
	return cloneSession(sess), nil
}

// SetTotalUnits revises the unit total upward only.
func (s *Store) SetTotalUnits(_ context.Context, jobID string, totalUnits int64) (session.CrawlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[jobID]
	if !ok {
		return session.CrawlSession{}, session.ErrNotFound
	}
	if totalUnits > sess.TotalUnits {
		sess.TotalUnits = totalUnits
		sess.UpdatedAt = s.now()
		s.sessions[jobID] = sess
	} else if totalUnits < sess.TotalUnits {
		s.logger.Warn("ignoring downward total revision",
			zap.String("job_id", jobID),
			zap.Int64("current", sess.TotalUnits),
			zap.Int64("proposed", totalUnits),
		)
	}
	return cloneSession(sess), nil
}

// AccumulateTiming adds ms to the per-stage sum; unknown job IDs are logged.
func (s *Store) AccumulateTiming(_ context.Context, jobID string, stage session.Stage, ms int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[jobID]
	if !ok {
		s.logger.Warn("timing sample for unknown session dropped", zap.String("job_id", jobID))
		return nil
	}
	if sess.StageTimingsMs == nil {
		sess.StageTimingsMs = make(map[session.Stage]int64)
	}
	sess.StageTimingsMs[stage] += ms
	now := s.now()
	sess.UpdatedAt = now
	if sess.CompletedAt != nil {
		endToEnd := now.Sub(sess.StartedAt).Milliseconds()
		sess.EndToEndDurationMs = &endToEnd
	}
	s.sessions[jobID] = sess
	return nil
}

// Merge fills unset fields without overwriting populated ones.
func (s *Store) Merge(_ context.Context, jobID string, fields session.MergeFields) (session.CrawlSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[jobID]
	if !ok {
		return session.CrawlSession{}, session.ErrNotFound
	}
	if sess.OperationType == "" && fields.OperationType != "" {
		sess.OperationType = fields.OperationType
	}
	if sess.BaseURL == "" && fields.BaseURL != "" {
		sess.BaseURL = fields.BaseURL
	}
	if fields.AutoIndex != nil {
		sess.AutoIndex = *fields.AutoIndex
	}
	if len(fields.Metadata) > 0 {
		if sess.Metadata == nil {
			sess.Metadata = make(map[string]any, len(fields.Metadata))
		}
		for k, v := range fields.Metadata {
			if _, taken := sess.Metadata[k]; !taken {
				sess.Metadata[k] = v
			}
		}
	}
	sess.UpdatedAt = s.now()
	s.sessions[jobID] = sess
	return cloneSession(sess), nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

func cloneSession(src session.CrawlSession) session.CrawlSession {
	cp := src
	cp.Metadata = cloneMetadata(src.Metadata)
	if src.StageTimingsMs != nil {
		cp.StageTimingsMs = make(map[session.Stage]int64, len(src.StageTimingsMs))
		for k, v := range src.StageTimingsMs {
			cp.StageTimingsMs[k] = v
		}
	}
	return cp
}

func cloneMetadata(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
