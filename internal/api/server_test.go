package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/config"
	"github.com/relaysearch/crawlbridge/internal/correlator"
	"github.com/relaysearch/crawlbridge/internal/dedup"
	"github.com/relaysearch/crawlbridge/internal/metrics"
	metricsmem "github.com/relaysearch/crawlbridge/internal/metrics/memory"
	"github.com/relaysearch/crawlbridge/internal/proxy"
	queuemem "github.com/relaysearch/crawlbridge/internal/queue/memory"
	"github.com/relaysearch/crawlbridge/internal/session"
	sessionmem "github.com/relaysearch/crawlbridge/internal/session/memory"
)

type testEnv struct {
	server *Server
	store  *sessionmem.Store
	queue  *queuemem.Queue
	sink   *metricsmem.Sink
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 30
	if mutate != nil {
		mutate(&cfg)
	}

	store := sessionmem.NewStore(zap.NewNop())
	q := queuemem.NewQueue(10000)
	sink := metricsmem.NewSink()
	recorder := metrics.NewRecorder(metrics.Config{Logger: zap.NewNop()}, sink)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = recorder.Close(ctx)
	})

	corr := correlator.New(store, q, "memory", dedup.NewMemoryDeduper(time.Hour), recorder, zap.NewNop())
	initiator := proxy.New(proxy.Config{BaseURL: cfg.Provider.BaseURL, Timeout: 5 * time.Second, AutoIndex: true}, nil, store, recorder, zap.NewNop())
	return &testEnv{
		server: NewServer(store, corr, initiator, recorder, cfg, zap.NewNop()),
		store:  store,
		queue:  q,
		sink:   sink,
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, payload any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestWebhook_PageEventProcessed(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	payload := map[string]any{
		"type": "page", "id": "job-1",
		"data": []map[string]any{{"url": "https://example.com/a", "markdown": "# a"}},
	}
	rec := postJSON(t, env.server.Handler(), "/v1/webhooks/crawl", payload, map[string]string{"X-Delivery-ID": "d1"})
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := env.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), sess.CompletedUnits)
	require.Len(t, env.queue.Drain(), 1)
}

func TestWebhook_MalformedEventRejected(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/crawl", bytes.NewReader([]byte(`{"type":"page"`)))
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, env.server.Handler(), "/v1/webhooks/crawl", map[string]any{"type": "bogus", "id": "x"}, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, io.ErrUnexpectedEOF }

func TestWebhook_TruncatedBodyIsBadRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	// A disconnect mid-body is the client's fault, not an oversized payload.
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/crawl", failingReader{})
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWriteBodyError_Classification(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	writeBodyError(rec, &http.MaxBytesError{Limit: maxEventBody})
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = httptest.NewRecorder()
	writeBodyError(rec, io.ErrUnexpectedEOF)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhook_QueueFailureSignalsRetry(t *testing.T) {
	t.Parallel()
	cfg := config.Config{}
	cfg.Server.TimeoutSeconds = 30
	store := sessionmem.NewStore(zap.NewNop())
	q := queuemem.NewQueue(0) // every submission fails
	recorder := metrics.NewRecorder(metrics.Config{Logger: zap.NewNop()}, metricsmem.NewSink())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = recorder.Close(ctx)
	})
	corr := correlator.New(store, q, "memory", dedup.NewMemoryDeduper(time.Hour), recorder, zap.NewNop())
	srv := NewServer(store, corr, nil, recorder, cfg, zap.NewNop())

	payload := map[string]any{
		"type": "page", "id": "job-q",
		"data": []map[string]any{{"url": "https://example.com/a", "markdown": "# a"}},
	}
	rec := postJSON(t, srv.Handler(), "/v1/webhooks/crawl", payload, nil)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	// No progress recorded; the sender's redelivery will be reprocessed.
	sess, err := store.Get(context.Background(), "job-q")
	require.NoError(t, err)
	require.Zero(t, sess.CompletedUnits)
}

func TestWebhook_TerminalEvent(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, err := env.store.Create(context.Background(), session.NewSession{
		JobID:         "job-t",
		OperationType: session.OpCrawl,
		Status:        session.StatusInProgress,
		AutoIndex:     true,
	})
	require.NoError(t, err)

	payload := map[string]any{"type": "completed", "id": "job-t", "total_urls": 5}
	rec := postJSON(t, env.server.Handler(), "/v1/webhooks/crawl", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	sess, err := env.store.Get(context.Background(), "job-t")
	require.NoError(t, err)
	require.Equal(t, session.StatusCompleted, sess.Status)
	require.Equal(t, int64(5), sess.TotalUnits)
}

func TestTimings_AccumulatesStageSum(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, err := env.store.Create(context.Background(), session.NewSession{
		JobID:  "job-m",
		Status: session.StatusInProgress,
	})
	require.NoError(t, err)

	payload := map[string]any{
		"job_id": "job-m", "stage": "embedding",
		"operation_name": "embed_batch", "duration_ms": 120,
	}
	rec := postJSON(t, env.server.Handler(), "/v1/timings", payload, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, env.server.Handler(), "/v1/timings", payload, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	sess, err := env.store.Get(context.Background(), "job-m")
	require.NoError(t, err)
	require.Equal(t, int64(240), sess.StageTimingsMs[session.StageEmbedding])
}

func TestTimings_ValidatesRequest(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	tests := []struct {
		name    string
		payload map[string]any
	}{
		{"missing job id", map[string]any{"stage": "chunking", "duration_ms": 10}},
		{"unknown stage", map[string]any{"job_id": "j", "stage": "teleport", "duration_ms": 10}},
		{"negative duration", map[string]any{"job_id": "j", "stage": "chunking", "duration_ms": -5}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := postJSON(t, env.server.Handler(), "/v1/timings", tt.payload, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetSession(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	_, err := env.store.Create(context.Background(), session.NewSession{
		JobID:         "job-g",
		OperationType: session.OpCrawl,
		Status:        session.StatusInProgress,
		BaseURL:       "https://example.com",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/job-g", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "job-g", resp.JobID)
	require.Equal(t, "in_progress", resp.Status)
	require.Equal(t, "https://example.com", resp.BaseURL)

	req = httptest.NewRequest(http.MethodGet, "/v1/sessions/missing", nil)
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProxyRoute_RelaysProviderResponse(t *testing.T) {
	t.Parallel()
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/crawl", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"job-p"}`))
	}))
	defer provider.Close()

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Provider.BaseURL = provider.URL
	})

	rec := postJSON(t, env.server.Handler(), "/v1/crawl", map[string]any{"url": "https://example.com"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Equal(t, "job-p", out["id"])
	require.Contains(t, out, "indexing")

	sess, err := env.store.Get(context.Background(), "job-p")
	require.NoError(t, err)
	require.Equal(t, session.OpCrawl, sess.OperationType)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "secret"
	})

	timing := map[string]any{"job_id": "j", "stage": "chunking", "duration_ms": 10}
	rec := postJSON(t, env.server.Handler(), "/v1/timings", timing, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = postJSON(t, env.server.Handler(), "/v1/timings", timing, map[string]string{"X-API-Key": "secret"})
	require.Equal(t, http.StatusAccepted, rec.Code)

	// Webhook deliveries are exempt: the provider cannot carry our key.
	payload := map[string]any{"type": "started", "id": "job-k"}
	rec = postJSON(t, env.server.Handler(), "/v1/webhooks/crawl", payload, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Health endpoints stay open for probes.
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	hrec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(hrec, req)
	require.Equal(t, http.StatusOK, hrec.Code)
}

func TestRequestIDPropagated(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec = httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
