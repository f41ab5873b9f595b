package metrics_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaysearch/crawlbridge/internal/metrics"
	"github.com/relaysearch/crawlbridge/internal/metrics/memory"
)

func newScopedRecorder(t *testing.T) (*metrics.Recorder, *memory.Sink) {
	t.Helper()
	sink := memory.NewSink()
	recorder := metrics.NewRecorder(metrics.Config{FlushInterval: time.Hour}, sink)
	return recorder, sink
}

func TestScopeRecordsExactlyOnce(t *testing.T) {
	t.Parallel()

	recorder, sink := newScopedRecorder(t)

	scope := recorder.StartScope("queue_submit", "redis", metrics.Correlation{JobID: "job-1"})
	scope.End(nil)
	scope.End(errors.New("second call must not record"))

	require.NoError(t, recorder.Close(context.Background()))
	records := sink.Records()
	require.Len(t, records, 1)
	require.True(t, records[0].Success)
	require.Equal(t, "job-1", records[0].JobID)
	require.Empty(t, records[0].ErrorMessage)
}

func TestScopeCapturesFailure(t *testing.T) {
	t.Parallel()

	recorder, sink := newScopedRecorder(t)

	scope := recorder.StartScope("webhook_ingest", "page", metrics.Correlation{RequestID: "req-1"})
	scope.SetJobID("job-2")
	scope.SetDocumentURL("https://example.com/a")
	scope.End(errors.New("broker unreachable"))

	require.NoError(t, recorder.Close(context.Background()))
	records := sink.Records()
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.Equal(t, "broker unreachable", records[0].ErrorMessage)
	require.Equal(t, "job-2", records[0].JobID)
	require.Equal(t, "https://example.com/a", records[0].DocumentURL)
}

func TestTrackRecordsOnPanicAndRethrows(t *testing.T) {
	t.Parallel()

	recorder, sink := newScopedRecorder(t)

	require.Panics(t, func() {
		_ = recorder.Track("webhook_ingest", "page", metrics.Correlation{}, func(*metrics.Scope) error {
			panic("boom")
		})
	})

	require.NoError(t, recorder.Close(context.Background()))
	records := sink.Records()
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.Contains(t, records[0].ErrorMessage, "boom")
}

func TestTrackPropagatesError(t *testing.T) {
	t.Parallel()

	recorder, sink := newScopedRecorder(t)
	wantErr := errors.New("downstream failed")

	err := recorder.Track("proxy_forward", "crawl", metrics.Correlation{}, func(s *metrics.Scope) error {
		s.SetJobID("job-9")
		return wantErr
	})
	require.ErrorIs(t, err, wantErr)

	require.NoError(t, recorder.Close(context.Background()))
	records := sink.Records()
	require.Len(t, records, 1)
	require.False(t, records[0].Success)
	require.Equal(t, "job-9", records[0].JobID)
}
