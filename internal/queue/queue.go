// Package queue defines the interface for submitting indexing work to an
// external message broker. This abstraction keeps the bridge independent of
// a specific broker (Redis Streams, GCP Pub/Sub, in-memory for development).
package queue

import (
	"context"
	"errors"
)

// ErrUnavailable signals that the broker rejected or never received the
// batch. Callers must not drop the documents; the webhook handler surfaces
// the failure as a non-2xx response so the sender redelivers the event.
var ErrUnavailable = errors.New("work queue unavailable")

// DocumentJob is one extracted document bound for the indexing pipeline.
// It is derived transiently from a webhook data event and never persisted
// by the bridge itself.
type DocumentJob struct {
	// URL is the source page address; together with a content hash it is
	// the downstream idempotency key for redelivered events.
	URL string `json:"url"`
	// Markdown and HTML carry the resolved content as available.
	Markdown string `json:"markdown,omitempty"`
	HTML     string `json:"html,omitempty"`
	// Title and Description are page metadata when the provider sent them.
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	// StatusCode is the HTTP status the provider observed for the page.
	StatusCode int `json:"status_code,omitempty"`
	// JobID correlates the document back to its crawl session.
	JobID string `json:"job_id"`
	// Metadata carries arbitrary event context for the indexer.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider submits document batches to the broker.
type Provider interface {
	// SubmitBatch submits all jobs in one batched operation and returns
	// how many were acknowledged. Either the whole batch becomes visible
	// to consumers or the count tells the caller exactly what remains.
	// Broker failures are reported as (or wrapped around) ErrUnavailable.
	SubmitBatch(ctx context.Context, jobs []DocumentJob) (int, error)

	// Close cleans up any client connections and resources.
	Close() error
}
