package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/session"
)

var sessionCols = []string{
	"session_id", "job_id", "operation_type", "status",
	"total_units", "completed_units", "failed_units", "stage_timings_ms",
	"started_at", "completed_at", "updated_at", "duration_ms", "end_to_end_duration_ms",
	"base_url", "auto_index", "metadata", "expires_at", "error_message",
}

func sessionRow(jobID string, status session.Status) *pgxmock.Rows {
	now := time.Unix(1700000000, 0).UTC()
	return pgxmock.NewRows(sessionCols).AddRow(
		uuid.New(), jobID, "crawl", string(status),
		int64(0), int64(0), int64(0), []byte(`{}`),
		now, nil, now, nil, nil,
		"https://example.com", true, []byte(`{}`), nil, nil,
	)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	store, err := NewStoreWithPool(mock, zap.NewNop())
	require.NoError(t, err)
	return store, mock
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("INSERT INTO crawl_sessions").
		WithArgs(
			pgxmock.AnyArg(), "job-1", "crawl", "pending",
			"https://example.com", true, []byte(`{}`), pgxmock.AnyArg(),
		).
		WillReturnRows(sessionRow("job-1", session.StatusPending))

	sess, err := store.Create(context.Background(), session.NewSession{
		JobID:         "job-1",
		OperationType: session.OpCrawl,
		BaseURL:       "https://example.com",
		AutoIndex:     true,
	})
	require.NoError(t, err)
	require.Equal(t, "job-1", sess.JobID)
	require.Equal(t, session.StatusPending, sess.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateConflictReturnsExisting(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	// ON CONFLICT DO NOTHING yields no row; the store falls back to Get.
	mock.ExpectQuery("INSERT INTO crawl_sessions").
		WithArgs(
			pgxmock.AnyArg(), "job-1", "crawl", "pending",
			"", false, []byte(`{}`), pgxmock.AnyArg(),
		).
		WillReturnRows(pgxmock.NewRows(sessionCols))
	mock.ExpectQuery("SELECT (.+) FROM crawl_sessions WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(sessionRow("job-1", session.StatusInProgress))

	sess, err := store.Create(context.Background(), session.NewSession{
		JobID:         "job-1",
		OperationType: session.OpCrawl,
	})
	require.ErrorIs(t, err, session.ErrAlreadyExists)
	require.Equal(t, session.StatusInProgress, sess.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("SELECT (.+) FROM crawl_sessions WHERE job_id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(sessionCols))

	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusAppliesTerminal(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE crawl_sessions SET").
		WithArgs("job-1", "completed", pgxmock.AnyArg(), pgxmock.AnyArg(), true).
		WillReturnRows(sessionRow("job-1", session.StatusCompleted))

	sess, err := store.UpdateStatus(
		context.Background(), "job-1", session.StatusCompleted, session.StatusUpdate{})
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, sess.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusAnomalousTerminalConflict(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	// The guard rejects failed-after-completed; the fallback Get reveals why.
	mock.ExpectQuery("UPDATE crawl_sessions SET").
		WithArgs("job-1", "failed", pgxmock.AnyArg(), pgxmock.AnyArg(), true).
		WillReturnRows(pgxmock.NewRows(sessionCols))
	mock.ExpectQuery("SELECT (.+) FROM crawl_sessions WHERE job_id").
		WithArgs("job-1").
		WillReturnRows(sessionRow("job-1", session.StatusCompleted))

	sess, err := store.UpdateStatus(
		context.Background(), "job-1", session.StatusFailed, session.StatusUpdate{})
	require.ErrorIs(t, err, session.ErrAnomalousTransition)
	require.Equal(t, session.StatusCompleted, sess.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateStatusUnknownJob(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE crawl_sessions SET").
		WithArgs("missing", "in_progress", pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnRows(pgxmock.NewRows(sessionCols))
	mock.ExpectQuery("SELECT (.+) FROM crawl_sessions WHERE job_id").
		WithArgs("missing").
		WillReturnRows(pgxmock.NewRows(sessionCols))

	_, err := store.UpdateStatus(
		context.Background(), "missing", session.StatusInProgress, session.StatusUpdate{})
	require.ErrorIs(t, err, session.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementProgressRunsAtomicUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectQuery("UPDATE crawl_sessions SET").
		WithArgs("job-1", int64(3), int64(1)).
		WillReturnRows(sessionRow("job-1", session.StatusInProgress))

	_, err := store.IncrementProgress(context.Background(), "job-1", 3, 1)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAccumulateTimingUnknownJobLogsAndContinues(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	mock.ExpectExec("UPDATE crawl_sessions SET").
		WithArgs("missing", "embedding", int64(40)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.AccumulateTiming(context.Background(), "missing", session.StageEmbedding, 40)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMergeSendsCoalescingUpdate(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	defer mock.Close()

	autoIndex := true
	mock.ExpectQuery("UPDATE crawl_sessions SET").
		WithArgs("job-1", "crawl", "https://example.com", &autoIndex, []byte(`{"tenant":"acme"}`)).
		WillReturnRows(sessionRow("job-1", session.StatusInProgress))

	_, err := store.Merge(context.Background(), "job-1", session.MergeFields{
		OperationType: session.OpCrawl,
		BaseURL:       "https://example.com",
		AutoIndex:     &autoIndex,
		Metadata:      map[string]any{"tenant": "acme"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
