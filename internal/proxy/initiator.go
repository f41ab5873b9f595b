// Package proxy forwards operation requests to the scraping provider and
// opens a tracked session for each accepted job.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/metrics"
	"github.com/relaysearch/crawlbridge/internal/session"
)

// ErrTimeout classifies a provider call that exceeded its deadline.
var ErrTimeout = errors.New("provider request timed out")

// Config holds the provider endpoint settings.
type Config struct {
	BaseURL   string
	APIKey    string
	Timeout   time.Duration
	AutoIndex bool
}

// Result is the provider's response, passed through to the caller verbatim
// apart from the injected indexing side-channel.
type Result struct {
	StatusCode     int
	ContentType    string
	Body           []byte
	JobID          string
	SessionCreated bool
}

// Initiator wraps outbound provider calls. Session tracking is best-effort:
// a store failure is logged and never fails the proxied response.
type Initiator struct {
	cfg      Config
	client   *http.Client
	store    session.Store
	recorder *metrics.Recorder
	logger   *zap.Logger
}

// New constructs an initiator. A nil client falls back to a default with
// the configured timeout.
func New(cfg Config, client *http.Client, store session.Store, recorder *metrics.Recorder, logger *zap.Logger) *Initiator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Initiator{
		cfg:      cfg,
		client:   client,
		store:    store,
		recorder: recorder,
		logger:   logger,
	}
}

// Forward sends the operation request to the provider. On a 2xx response it
// creates the session keyed by the provider's job identifier and injects the
// indexing side-channel into the response body; provider errors pass through
// unchanged.
func (i *Initiator) Forward(ctx context.Context, op session.OperationType, path string, body []byte) (*Result, error) {
	var result *Result
	err := i.recorder.Track("proxy", string(op), metrics.Correlation{}, func(scope *metrics.Scope) error {
		res, err := i.forward(ctx, op, path, body)
		if err != nil {
			return err
		}
		if res.JobID != "" {
			scope.SetJobID(res.JobID)
		}
		result = res
		return nil
	})
	return result, err
}

func (i *Initiator) forward(ctx context.Context, op session.OperationType, path string, body []byte) (*Result, error) {
	ctx, cancel := context.WithTimeout(ctx, i.cfg.Timeout)
	defer cancel()

	url := strings.TrimRight(i.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build provider request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if i.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+i.cfg.APIKey)
	}

	resp, err := i.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("provider call %s after %s: %w", path, i.cfg.Timeout, ErrTimeout)
		}
		return nil, fmt.Errorf("provider call %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read provider response: %w", err)
	}

	result := &Result{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        respBody,
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Provider errors reach the caller unchanged; no session.
		return result, nil
	}

	result.JobID = extractJobID(respBody)
	if result.JobID != "" {
		result.SessionCreated = i.trackSession(ctx, op, result.JobID, body)
	}
	result.Body = injectIndexing(respBody, result.SessionCreated, i.cfg.AutoIndex)
	return result, nil
}

// trackSession creates the session record before the provider's first
// webhook can arrive. ErrAlreadyExists means a webhook beat us to it, which
// still counts as tracked.
func (i *Initiator) trackSession(ctx context.Context, op session.OperationType, jobID string, requestBody []byte) bool {
	ns := session.NewSession{
		JobID:         jobID,
		OperationType: op,
		Status:        session.StatusPending,
		AutoIndex:     i.cfg.AutoIndex,
	}
	var reqFields struct {
		URL      string         `json:"url"`
		Metadata map[string]any `json:"metadata"`
	}
	if err := json.Unmarshal(requestBody, &reqFields); err == nil {
		ns.BaseURL = reqFields.URL
		ns.Metadata = reqFields.Metadata
	}

	_, err := i.store.Create(ctx, ns)
	switch {
	case err == nil:
		return true
	case errors.Is(err, session.ErrAlreadyExists):
		return true
	default:
		i.logger.Warn("failed to track session for accepted job",
			zap.String("job_id", jobID),
			zap.String("operation", string(op)),
			zap.Error(err),
		)
		return false
	}
}

// extractJobID pulls the provider's job identifier from a 2xx response.
// Synchronous operations return content without an identifier; those are
// not tracked.
func extractJobID(body []byte) string {
	var fields struct {
		ID     string `json:"id"`
		JobID  string `json:"job_id"`
		JobID2 string `json:"jobId"`
	}
	if err := json.Unmarshal(body, &fields); err != nil {
		return ""
	}
	switch {
	case fields.ID != "":
		return fields.ID
	case fields.JobID != "":
		return fields.JobID
	default:
		return fields.JobID2
	}
}

// injectIndexing adds the side-channel field to a JSON object response. A
// non-object body is returned untouched.
func injectIndexing(body []byte, sessionCreated, autoIndex bool) []byte {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil || obj == nil {
		return body
	}
	obj["indexing"] = map[string]any{
		"sessionCreated": sessionCreated,
		"autoIndex":      autoIndex,
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return body
	}
	return out
}
