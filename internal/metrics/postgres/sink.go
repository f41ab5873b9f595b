// Package postgres provides the Postgres-backed metrics sink.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/relaysearch/crawlbridge/internal/metrics"
)

// batchPool is the pgxpool surface the sink depends on (satisfied by pgxmock).
type batchPool interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// Sink appends OperationMetric rows into Postgres. It assumes a table like:
//
//	CREATE TABLE operation_metrics (
//	    id BIGSERIAL PRIMARY KEY,
//	    operation_type TEXT NOT NULL,
//	    operation_name TEXT NOT NULL,
//	    duration_ms BIGINT NOT NULL,
//	    success BOOLEAN NOT NULL,
//	    error_message TEXT,
//	    request_id TEXT,
//	    job_id TEXT,
//	    document_url TEXT,
//	    recorded_at TIMESTAMPTZ NOT NULL
//	);
//
// Rows are immutable once written; there is no update path.
type Sink struct {
	pool batchPool
}

const insertMetric = `
INSERT INTO operation_metrics
	(operation_type, operation_name, duration_ms, success,
	 error_message, request_id, job_id, document_url, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);`

// NewSink connects a pgx pool and wraps it in a Sink.
func NewSink(ctx context.Context, dsn string) (*Sink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// NewSinkWithPool constructs a Sink from an existing pool (primarily for testing).
func NewSinkWithPool(pool batchPool) (*Sink, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Sink{pool: pool}, nil
}

// Append writes the batch in one pipelined round trip.
func (s *Sink) Append(ctx context.Context, batch []metrics.OperationMetric) error {
	if len(batch) == 0 {
		return nil
	}
	b := &pgx.Batch{}
	for _, m := range batch {
		b.Queue(insertMetric,
			m.OperationType,
			m.OperationName,
			m.DurationMs,
			m.Success,
			nullIfEmpty(m.ErrorMessage),
			nullIfEmpty(m.RequestID),
			nullIfEmpty(m.JobID),
			nullIfEmpty(m.DocumentURL),
			m.RecordedAt,
		)
	}
	results := s.pool.SendBatch(ctx, b)
	defer results.Close() //nolint:errcheck // surfaced via Exec errors below
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("append operation metric: %w", err)
		}
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Sink) Close(_ context.Context) error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
