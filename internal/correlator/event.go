// Package correlator resolves inbound webhook events against tracked crawl
// sessions. Events arrive in arbitrary order and may be duplicated, so the
// correlator tolerates data events that precede lifecycle events and keeps
// every mutation convergent under replay.
package correlator

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/relaysearch/crawlbridge/internal/dedup"
	"github.com/relaysearch/crawlbridge/internal/session"
)

// ErrMalformedEvent signals an event that could not be interpreted. The
// event is rejected without mutating any session; other deliveries are
// unaffected.
var ErrMalformedEvent = errors.New("malformed webhook event")

// EventType is the lifecycle classification a webhook event carries.
type EventType string

// Webhook event types delivered by the scraping provider.
const (
	EventStarted   EventType = "started"
	EventPage      EventType = "page"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
	EventCancelled EventType = "cancelled"
)

// terminalStatus maps terminal event types onto session statuses.
func (t EventType) terminalStatus() (session.Status, bool) {
	switch t {
	case EventCompleted:
		return session.StatusCompleted, true
	case EventFailed:
		return session.StatusFailed, true
	case EventCancelled:
		return session.StatusCancelled, true
	default:
		return "", false
	}
}

// DocumentPayload is one scraped page carried by a data event.
type DocumentPayload struct {
	URL         string         `json:"url"`
	Markdown    string         `json:"markdown,omitempty"`
	HTML        string         `json:"html,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	StatusCode  int            `json:"status_code,omitempty"`
	Error       string         `json:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// WebhookEvent is the provider's delivery payload. The job ID is the
// correlation key; Documents is populated for page events and may trail on
// terminal events.
type WebhookEvent struct {
	Type          EventType         `json:"type"`
	JobID         string            `json:"id"`
	OperationType string            `json:"operation_type,omitempty"`
	BaseURL       string            `json:"base_url,omitempty"`
	TotalURLs     *int64            `json:"total_urls,omitempty"`
	ErrorMessage  string            `json:"error,omitempty"`
	Documents     []DocumentPayload `json:"data,omitempty"`
	Metadata      map[string]any    `json:"metadata,omitempty"`

	// DedupKey identifies this delivery for replay detection. Derived from
	// the provider's delivery ID header when present, else from a digest of
	// the raw body.
	DedupKey string `json:"-"`
}

// ParseEvent decodes and validates a raw webhook body. deliveryID is the
// provider's delivery header, empty when absent.
func ParseEvent(body []byte, deliveryID string) (WebhookEvent, error) {
	var evt WebhookEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode event: %v: %w", err, ErrMalformedEvent)
	}
	switch evt.Type {
	case EventStarted, EventPage, EventCompleted, EventFailed, EventCancelled:
	default:
		return WebhookEvent{}, fmt.Errorf("unknown event type %q: %w", evt.Type, ErrMalformedEvent)
	}
	if evt.JobID == "" {
		return WebhookEvent{}, fmt.Errorf("event missing job id: %w", ErrMalformedEvent)
	}
	evt.DedupKey = dedup.Key(deliveryID, body)
	return evt, nil
}

// declaredOperation returns the event's operation type when it carries a
// recognized one.
func (e WebhookEvent) declaredOperation() (session.OperationType, bool) {
	switch op := session.OperationType(e.OperationType); op {
	case session.OpScrape, session.OpCrawl, session.OpBatchScrape,
		session.OpMap, session.OpSearch, session.OpExtract:
		return op, true
	default:
		return "", false
	}
}

// inferredOperation falls back to crawl: page streams without a declared
// type are crawls.
func (e WebhookEvent) inferredOperation() session.OperationType {
	if op, ok := e.declaredOperation(); ok {
		return op
	}
	return session.OpCrawl
}
