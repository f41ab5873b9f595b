package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/relaysearch/crawlbridge/internal/metrics"
)

func TestAppendQueuesOneInsertPerMetric(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewSinkWithPool(mock)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0).UTC()
	batch := []metrics.OperationMetric{
		{
			OperationType: "webhook_ingest",
			OperationName: "page",
			DurationMs:    12,
			Success:       true,
			JobID:         "job-1",
			RecordedAt:    now,
		},
		{
			OperationType: "queue_submit",
			OperationName: "redis",
			DurationMs:    4,
			Success:       false,
			ErrorMessage:  "broker unreachable",
			JobID:         "job-1",
			RecordedAt:    now,
		},
	}

	eb := mock.ExpectBatch()
	eb.ExpectExec("INSERT INTO operation_metrics").
		WithArgs("webhook_ingest", "page", int64(12), true,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	eb.ExpectExec("INSERT INTO operation_metrics").
		WithArgs("queue_submit", "redis", int64(4), false,
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, sink.Append(context.Background(), batch))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendEmptyBatchIsNoOp(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	sink, err := NewSinkWithPool(mock)
	require.NoError(t, err)
	require.NoError(t, sink.Append(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}
