// Package api exposes the HTTP interface for the webhook bridge.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/config"
	"github.com/relaysearch/crawlbridge/internal/correlator"
	"github.com/relaysearch/crawlbridge/internal/metrics"
	"github.com/relaysearch/crawlbridge/internal/proxy"
	"github.com/relaysearch/crawlbridge/internal/queue"
	"github.com/relaysearch/crawlbridge/internal/session"
	"github.com/relaysearch/crawlbridge/internal/telemetry"
)

// maxEventBody bounds webhook payloads; page events carry full page content.
const maxEventBody = 32 << 20

// deliveryIDHeader is the provider's unique id for one webhook delivery.
const deliveryIDHeader = "X-Delivery-ID"

// Server wires HTTP handlers to the correlator, proxy, and session store.
type Server struct {
	router     chi.Router
	store      session.Store
	correlator *correlator.Correlator
	initiator  *proxy.Initiator
	recorder   *metrics.Recorder
	logger     *zap.Logger
	cfg        config.Config
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store session.Store,
	corr *correlator.Correlator,
	initiator *proxy.Initiator,
	recorder *metrics.Recorder,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		store:      store,
		correlator: corr,
		initiator:  initiator,
		recorder:   recorder,
		logger:     logger,
		cfg:        cfg,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(time.Duration(cfg.Server.TimeoutSeconds) * time.Second))
	r.Use(telemetry.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		// The provider cannot carry our API key; webhook deliveries are
		// validated by parsing, not by auth.
		r.Post("/webhooks/crawl", s.handleWebhook)

		r.Group(func(r chi.Router) {
			if cfg.Auth.Enabled {
				r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
			}
			r.Post("/timings", s.handleTimings)
			r.Get("/sessions/{job_id}", s.getSession)

			r.Post("/scrape", s.forward(session.OpScrape, "/v1/scrape"))
			r.Post("/crawl", s.forward(session.OpCrawl, "/v1/crawl"))
			r.Post("/batch/scrape", s.forward(session.OpBatchScrape, "/v1/batch/scrape"))
			r.Post("/map", s.forward(session.OpMap, "/v1/map"))
			r.Post("/search", s.forward(session.OpSearch, "/v1/search"))
			r.Post("/extract", s.forward(session.OpExtract, "/v1/extract"))
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the hard dependency: a probe miss proves connectivity.
	if _, err := s.store.Get(r.Context(), "readiness-probe"); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusServiceUnavailable, "session store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleWebhook ingests one provider delivery. A 2xx is written only after
// the correlator fully processed the event; non-2xx makes the provider
// redeliver, which is the sole recovery path for transient queue failures.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		writeBodyError(w, err)
		return
	}

	evt, err := correlator.ParseEvent(body, r.Header.Get(deliveryIDHeader))
	if err != nil {
		telemetry.ObserveWebhookEvent("unknown", "malformed")
		s.logger.Warn("rejected malformed webhook event", zap.Error(err))
		writeError(w, http.StatusBadRequest, "malformed event")
		return
	}

	if err := s.correlator.HandleEvent(r.Context(), evt); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, correlator.ErrMalformedEvent):
			status = http.StatusBadRequest
		case errors.Is(err, queue.ErrUnavailable):
			status = http.StatusBadGateway
		case r.Context().Err() != nil:
			status = http.StatusGatewayTimeout
		}
		s.logger.Error("webhook event processing failed",
			zap.String("job_id", evt.JobID),
			zap.String("event_type", string(evt.Type)),
			zap.Int("status", status),
			zap.Error(err),
		)
		writeError(w, status, "event processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
}

type timingRequest struct {
	JobID         string `json:"job_id"`
	Stage         string `json:"stage"`
	OperationName string `json:"operation_name"`
	DurationMs    int64  `json:"duration_ms"`
	Success       *bool  `json:"success"`
	ErrorMessage  string `json:"error"`
	DocumentURL   string `json:"document_url"`
}

// handleTimings ingests per-stage timing samples from downstream pipeline
// stages. A sample lands twice: as an immutable operation metric and as an
// increment to the session's cumulative stage sum.
func (s *Server) handleTimings(w http.ResponseWriter, r *http.Request) {
	var req timingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.JobID == "" || req.DurationMs < 0 {
		writeError(w, http.StatusBadRequest, "job_id and a non-negative duration_ms are required")
		return
	}
	stage := session.Stage(req.Stage)
	switch stage {
	case session.StageChunking, session.StageEmbedding, session.StageIndexWrite:
	default:
		writeError(w, http.StatusBadRequest, "unknown pipeline stage")
		return
	}

	success := true
	if req.Success != nil {
		success = *req.Success
	}
	s.recorder.Record(metrics.OperationMetric{
		OperationType: string(stage),
		OperationName: req.OperationName,
		DurationMs:    req.DurationMs,
		Success:       success,
		ErrorMessage:  req.ErrorMessage,
		JobID:         req.JobID,
		DocumentURL:   req.DocumentURL,
		RecordedAt:    time.Now().UTC(),
	})

	// Unknown job IDs are tolerated: the metric row must never be dropped
	// merely because the session record has not been created yet.
	if err := s.store.AccumulateTiming(r.Context(), req.JobID, stage, req.DurationMs); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to accumulate timing")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "recorded"})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	sess, err := s.store.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// forward proxies an operation request to the scraping provider and relays
// its response, with the indexing side-channel injected on success.
func (s *Server) forward(op session.OperationType, path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readBody(w, r)
		if err != nil {
			writeBodyError(w, err)
			return
		}
		res, err := s.initiator.Forward(r.Context(), op, path, body)
		if err != nil {
			if errors.Is(err, proxy.ErrTimeout) {
				writeError(w, http.StatusGatewayTimeout, "provider request timed out")
				return
			}
			s.logger.Error("provider call failed",
				zap.String("operation", string(op)),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, "provider unreachable")
			return
		}
		contentType := res.ContentType
		if contentType == "" {
			contentType = "application/json"
		}
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(res.StatusCode)
		if _, err := w.Write(res.Body); err != nil {
			s.logger.Error("relay write failed", zap.Error(err))
		}
	}
}

type sessionResponse struct {
	SessionID          string           `json:"session_id"`
	JobID              string           `json:"job_id"`
	OperationType      string           `json:"operation_type,omitempty"`
	Status             string           `json:"status"`
	TotalUnits         int64            `json:"total_units"`
	CompletedUnits     int64            `json:"completed_units"`
	FailedUnits        int64            `json:"failed_units"`
	StageTimingsMs     map[string]int64 `json:"stage_timings_ms,omitempty"`
	StartedAt          time.Time        `json:"started_at"`
	CompletedAt        *time.Time       `json:"completed_at,omitempty"`
	UpdatedAt          time.Time        `json:"updated_at"`
	DurationMs         *int64           `json:"duration_ms,omitempty"`
	EndToEndDurationMs *int64           `json:"end_to_end_duration_ms,omitempty"`
	BaseURL            string           `json:"base_url,omitempty"`
	AutoIndex          bool             `json:"auto_index"`
	Metadata           map[string]any   `json:"metadata,omitempty"`
	ErrorMessage       *string          `json:"error,omitempty"`
}

func toSessionResponse(sess session.CrawlSession) sessionResponse {
	resp := sessionResponse{
		SessionID:          sess.SessionID.String(),
		JobID:              sess.JobID,
		OperationType:      string(sess.OperationType),
		Status:             string(sess.Status),
		TotalUnits:         sess.TotalUnits,
		CompletedUnits:     sess.CompletedUnits,
		FailedUnits:        sess.FailedUnits,
		StartedAt:          sess.StartedAt,
		CompletedAt:        sess.CompletedAt,
		UpdatedAt:          sess.UpdatedAt,
		DurationMs:         sess.DurationMs,
		EndToEndDurationMs: sess.EndToEndDurationMs,
		BaseURL:            sess.BaseURL,
		AutoIndex:          sess.AutoIndex,
		Metadata:           sess.Metadata,
		ErrorMessage:       sess.ErrorMessage,
	}
	if len(sess.StageTimingsMs) > 0 {
		resp.StageTimingsMs = make(map[string]int64, len(sess.StageTimingsMs))
		for stage, ms := range sess.StageTimingsMs {
			resp.StageTimingsMs[string(stage)] = ms
		}
	}
	return resp
}

// readBody reads a size-capped request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	return io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBody))
}

// writeBodyError distinguishes an oversized body from a truncated or
// disconnected one, so webhook senders get the right retry signal.
func writeBodyError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, "unreadable request body")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
