// Package postgres provides the Postgres-backed session store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/session"
)

// pool is the pgxpool surface the store depends on (satisfied by pgxmock).
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store implements session.Store on Postgres. It assumes a table schema like:
//
//	CREATE TABLE crawl_sessions (
//	    session_id UUID PRIMARY KEY,
//	    job_id TEXT NOT NULL UNIQUE,
//	    operation_type TEXT NOT NULL DEFAULT '',
//	    status TEXT NOT NULL,
//	    total_units BIGINT NOT NULL DEFAULT 0,
//	    completed_units BIGINT NOT NULL DEFAULT 0,
//	    failed_units BIGINT NOT NULL DEFAULT 0,
//	    stage_timings_ms JSONB NOT NULL DEFAULT '{}'::jsonb,
//	    started_at TIMESTAMPTZ NOT NULL,
//	    completed_at TIMESTAMPTZ,
//	    updated_at TIMESTAMPTZ NOT NULL,
//	    duration_ms BIGINT,
//	    end_to_end_duration_ms BIGINT,
//	    base_url TEXT NOT NULL DEFAULT '',
//	    auto_index BOOLEAN NOT NULL DEFAULT FALSE,
//	    metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
//	    expires_at TIMESTAMPTZ,
//	    error_message TEXT
//	);
type Store struct {
	pool   pool
	logger *zap.Logger
}

const sessionColumns = `session_id, job_id, operation_type, status,
	total_units, completed_units, failed_units, stage_timings_ms,
	started_at, completed_at, updated_at, duration_ms, end_to_end_duration_ms,
	base_url, auto_index, metadata, expires_at, error_message`

// NewStore connects a pgx pool and wraps it in a Store.
func NewStore(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewStoreWithPool(pgPool, logger)
}

// NewStoreWithPool constructs a Store from an existing pool (primarily for testing).
func NewStoreWithPool(p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: p, logger: logger}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Create inserts a session with a conditional insert so the create-vs-event
// race resolves without a failed transaction.
func (s *Store) Create(ctx context.Context, ns session.NewSession) (session.CrawlSession, error) {
	status := ns.Status
	if status == "" {
		status = session.StatusPending
	}
	metadataJSON, err := marshalMetadata(ns.Metadata)
	if err != nil {
		return session.CrawlSession{}, fmt.Errorf("marshal session metadata: %w", err)
	}
	query := `
		INSERT INTO crawl_sessions
			(session_id, job_id, operation_type, status, base_url, auto_index,
			 metadata, expires_at, stage_timings_ms, started_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, '{}'::jsonb, now(), now())
		ON CONFLICT (job_id) DO NOTHING
		RETURNING ` + sessionColumns + `;`
	row := s.pool.QueryRow(ctx, query,
		uuid.New(),
		ns.JobID,
		string(ns.OperationType),
		string(status),
		ns.BaseURL,
		ns.AutoIndex,
		metadataJSON,
		ns.ExpiresAt,
	)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			existing, getErr := s.Get(ctx, ns.JobID)
			if getErr != nil {
				return session.CrawlSession{}, fmt.Errorf("fetch conflicting session: %w", getErr)
			}
			return existing, session.ErrAlreadyExists
		}
		return session.CrawlSession{}, fmt.Errorf("insert session: %w", err)
	}
	return sess, nil
}

// Get loads a session by job ID.
func (s *Store) Get(ctx context.Context, jobID string) (session.CrawlSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM crawl_sessions WHERE job_id = $1;`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.CrawlSession{}, session.ErrNotFound
		}
		return session.CrawlSession{}, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// UpdateStatus applies a monotonic transition in a single guarded UPDATE so
// concurrent deliveries for the same job serialize at the row.
func (s *Store) UpdateStatus(
	ctx context.Context,
	jobID string,
	status session.Status,
	upd session.StatusUpdate,
) (session.CrawlSession, error) {
	query := `
		UPDATE crawl_sessions SET
			status = $2,
			error_message = COALESCE($3, error_message),
			total_units = GREATEST(total_units, COALESCE($4, total_units)),
			completed_at = CASE WHEN $5 AND completed_at IS NULL THEN now() ELSE completed_at END,
			duration_ms = CASE WHEN $5 AND duration_ms IS NULL
				THEN (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint
				ELSE duration_ms END,
			updated_at = now()
		WHERE job_id = $1
		  AND (status = $2
		       OR (status NOT IN ('completed', 'failed', 'cancelled')
		           AND (CASE status WHEN 'pending' THEN 0 WHEN 'in_progress' THEN 1 ELSE 2 END)
		               <= (CASE $2 WHEN 'pending' THEN 0 WHEN 'in_progress' THEN 1 ELSE 2 END)))
		RETURNING ` + sessionColumns + `;`
	row := s.pool.QueryRow(ctx, query,
		jobID,
		string(status),
		upd.ErrorMessage,
		upd.TotalUnits,
		status.IsTerminal(),
	)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return session.CrawlSession{}, fmt.Errorf("update session status: %w", err)
	}
	// The guard rejected the transition or the row does not exist.
	existing, getErr := s.Get(ctx, jobID)
	if getErr != nil {
		return session.CrawlSession{}, getErr
	}
	if existing.Status.IsTerminal() && status.IsTerminal() && existing.Status != status {
		return existing, session.ErrAnomalousTransition
	}
	// Stale downgrade (e.g. late started after in_progress): keep the row.
	return existing, nil
}

// IncrementProgress adds document counts with a row-level atomic update.
func (s *Store) IncrementProgress(
	ctx context.Context,
	jobID string,
	completedDelta, failedDelta int64,
) (session.CrawlSession, error) {
	query := `
		UPDATE crawl_sessions SET
			completed_units = completed_units + $2,
			failed_units = failed_units + $3,
			updated_at = now()
		WHERE job_id = $1
		RETURNING ` + sessionColumns + `;`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, jobID, completedDelta, failedDelta))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.CrawlSession{}, session.ErrNotFound
		}
		return session.CrawlSession{}, fmt.Errorf("increment session progress: %w", err)
	}
	return sess, nil
}

// SetTotalUnits revises the unit total; GREATEST keeps revisions monotonic.
func (s *Store) SetTotalUnits(ctx context.Context, jobID string, totalUnits int64) (session.CrawlSession, error) {
	query := `
		UPDATE crawl_sessions SET
			total_units = GREATEST(total_units, $2),
			updated_at = now()
		WHERE job_id = $1
		RETURNING ` + sessionColumns + `;`
	sess, err := scanSession(s.pool.QueryRow(ctx, query, jobID, totalUnits))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.CrawlSession{}, session.ErrNotFound
		}
		return session.CrawlSession{}, fmt.Errorf("set session totals: %w", err)
	}
	if totalUnits < sess.TotalUnits {
		s.logger.Warn("ignoring downward total revision",
			zap.String("job_id", jobID),
			zap.Int64("current", sess.TotalUnits),
			zap.Int64("proposed", totalUnits),
		)
	}
	return sess, nil
}

// AccumulateTiming adds ms to the per-stage sum inside the jsonb column.
// Samples arriving after completion extend the end-to-end duration.
func (s *Store) AccumulateTiming(ctx context.Context, jobID string, stage session.Stage, ms int64) error {
	query := `
		UPDATE crawl_sessions SET
			stage_timings_ms = jsonb_set(
				COALESCE(stage_timings_ms, '{}'::jsonb),
				ARRAY[$2::text],
				to_jsonb(COALESCE((stage_timings_ms ->> $2)::bigint, 0) + $3),
				true),
			end_to_end_duration_ms = CASE WHEN completed_at IS NOT NULL
				THEN (EXTRACT(EPOCH FROM (now() - started_at)) * 1000)::bigint
				ELSE end_to_end_duration_ms END,
			updated_at = now()
		WHERE job_id = $1;`
	tag, err := s.pool.Exec(ctx, query, jobID, string(stage), ms)
	if err != nil {
		return fmt.Errorf("accumulate session timing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logger.Warn("timing sample for unknown session dropped",
			zap.String("job_id", jobID),
			zap.String("stage", string(stage)),
		)
	}
	return nil
}

// Merge fills unset fields from a deferred start event; populated fields win.
func (s *Store) Merge(ctx context.Context, jobID string, fields session.MergeFields) (session.CrawlSession, error) {
	metadataJSON, err := marshalMetadata(fields.Metadata)
	if err != nil {
		return session.CrawlSession{}, fmt.Errorf("marshal merge metadata: %w", err)
	}
	query := `
		UPDATE crawl_sessions SET
			operation_type = CASE WHEN operation_type = '' THEN $2 ELSE operation_type END,
			base_url = CASE WHEN base_url = '' THEN $3 ELSE base_url END,
			auto_index = COALESCE($4, auto_index),
			metadata = $5::jsonb || COALESCE(metadata, '{}'::jsonb),
			updated_at = now()
		WHERE job_id = $1
		RETURNING ` + sessionColumns + `;`
	sess, err := scanSession(s.pool.QueryRow(ctx, query,
		jobID,
		string(fields.OperationType),
		fields.BaseURL,
		fields.AutoIndex,
		metadataJSON,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return session.CrawlSession{}, session.ErrNotFound
		}
		return session.CrawlSession{}, fmt.Errorf("merge session fields: %w", err)
	}
	return sess, nil
}

func scanSession(row pgx.Row) (session.CrawlSession, error) {
	var (
		sess          session.CrawlSession
		operationType string
		status        string
		timingsJSON   []byte
		metadataJSON  []byte
	)
	err := row.Scan(
		&sess.SessionID,
		&sess.JobID,
		&operationType,
		&status,
		&sess.TotalUnits,
		&sess.CompletedUnits,
		&sess.FailedUnits,
		&timingsJSON,
		&sess.StartedAt,
		&sess.CompletedAt,
		&sess.UpdatedAt,
		&sess.DurationMs,
		&sess.EndToEndDurationMs,
		&sess.BaseURL,
		&sess.AutoIndex,
		&metadataJSON,
		&sess.ExpiresAt,
		&sess.ErrorMessage,
	)
	if err != nil {
		return session.CrawlSession{}, err
	}
	sess.OperationType = session.OperationType(operationType)
	sess.Status = session.Status(status)
	if len(timingsJSON) > 0 {
		if err := json.Unmarshal(timingsJSON, &sess.StageTimingsMs); err != nil {
			return session.CrawlSession{}, fmt.Errorf("decode stage timings: %w", err)
		}
	}
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &sess.Metadata); err != nil {
			return session.CrawlSession{}, fmt.Errorf("decode session metadata: %w", err)
		}
	}
	return sess, nil
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}
