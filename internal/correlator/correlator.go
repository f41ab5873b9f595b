package correlator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/relaysearch/crawlbridge/internal/dedup"
	"github.com/relaysearch/crawlbridge/internal/metrics"
	"github.com/relaysearch/crawlbridge/internal/queue"
	"github.com/relaysearch/crawlbridge/internal/session"
	"github.com/relaysearch/crawlbridge/internal/telemetry"
)

// Correlator drives session lifecycle from webhook events and submits
// extracted documents for indexing. All session state flows through the
// Store; the correlator holds no session state of its own.
type Correlator struct {
	store     session.Store
	queue     queue.Provider
	queueName string
	deduper   dedup.Deduper
	recorder  *metrics.Recorder
	logger    *zap.Logger
}

// New wires a correlator. queueName labels batch metrics ("redis", "pubsub",
// "memory").
func New(store session.Store, q queue.Provider, queueName string, deduper dedup.Deduper, recorder *metrics.Recorder, logger *zap.Logger) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Correlator{
		store:     store,
		queue:     q,
		queueName: queueName,
		deduper:   deduper,
		recorder:  recorder,
		logger:    logger,
	}
}

// HandleEvent processes one webhook delivery. A nil return means the sender
// may be acknowledged with 2xx; any error means the delivery must be
// retried (queue or store failure) or permanently rejected (malformed).
func (c *Correlator) HandleEvent(ctx context.Context, evt WebhookEvent) error {
	corr := metrics.Correlation{JobID: evt.JobID}
	return c.recorder.Track("webhook", string(evt.Type), corr, func(_ *metrics.Scope) error {
		var err error
		switch evt.Type {
		case EventStarted:
			err = c.handleStarted(ctx, evt)
		case EventPage:
			err = c.handlePage(ctx, evt)
		case EventCompleted, EventFailed, EventCancelled:
			err = c.handleTerminal(ctx, evt)
		default:
			err = fmt.Errorf("unhandled event type %q: %w", evt.Type, ErrMalformedEvent)
		}
		outcome := "processed"
		if err != nil {
			outcome = "failed"
		}
		telemetry.ObserveWebhookEvent(string(evt.Type), outcome)
		return err
	})
}

// handleStarted creates the session or merges deferred start fields into a
// placeholder, then moves it to in_progress.
func (c *Correlator) handleStarted(ctx context.Context, evt WebhookEvent) error {
	ns := session.NewSession{
		JobID:         evt.JobID,
		OperationType: evt.inferredOperation(),
		Status:        session.StatusPending,
		BaseURL:       evt.BaseURL,
		AutoIndex:     true,
		Metadata:      evt.Metadata,
	}
	_, err := c.store.Create(ctx, ns)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrAlreadyExists):
		// A data event won the race or the proxy already created the
		// session. Fill gaps only; the earlier writer's fields stand.
		fields := session.MergeFields{BaseURL: evt.BaseURL, Metadata: evt.Metadata}
		if op, ok := evt.declaredOperation(); ok {
			fields.OperationType = op
		}
		if _, err := c.store.Merge(ctx, evt.JobID, fields); err != nil {
			return fmt.Errorf("merge deferred start fields for job %s: %w", evt.JobID, err)
		}
	default:
		return fmt.Errorf("create session for job %s: %w", evt.JobID, err)
	}

	if _, err := c.store.UpdateStatus(ctx, evt.JobID, session.StatusInProgress, session.StatusUpdate{}); err != nil {
		if errors.Is(err, session.ErrAnomalousTransition) {
			c.logAnomaly(evt, session.StatusInProgress, err)
			return nil
		}
		return fmt.Errorf("mark job %s in progress: %w", evt.JobID, err)
	}
	telemetry.ObserveSessionTransition(string(evt.inferredOperation()), string(session.StatusInProgress))
	return nil
}

// handlePage ensures a session exists, rejects replayed deliveries, submits
// the event's documents as one batch, and advances progress counters.
func (c *Correlator) handlePage(ctx context.Context, evt WebhookEvent) error {
	sess, err := c.ensureSession(ctx, evt)
	if err != nil {
		return err
	}
	return c.processDocuments(ctx, evt, sess)
}

// handleTerminal finalizes the session. Trailing documents on the terminal
// event are processed first so their counts land before the status flips.
func (c *Correlator) handleTerminal(ctx context.Context, evt WebhookEvent) error {
	status, ok := evt.Type.terminalStatus()
	if !ok {
		return fmt.Errorf("event type %q is not terminal: %w", evt.Type, ErrMalformedEvent)
	}

	if len(evt.Documents) > 0 {
		sess, err := c.ensureSession(ctx, evt)
		if err != nil {
			return err
		}
		if err := c.processDocuments(ctx, evt, sess); err != nil {
			return err
		}
	}

	upd := session.StatusUpdate{TotalUnits: evt.TotalURLs}
	if evt.ErrorMessage != "" {
		msg := evt.ErrorMessage
		upd.ErrorMessage = &msg
	}
	_, err := c.store.UpdateStatus(ctx, evt.JobID, status, upd)
	switch {
	case err == nil:
		telemetry.ObserveSessionTransition(string(evt.inferredOperation()), string(status))
		return nil
	case errors.Is(err, session.ErrAnomalousTransition):
		c.logAnomaly(evt, status, err)
		return nil
	case errors.Is(err, session.ErrNotFound):
		// Terminal event for a job never seen: track it anyway so the
		// record exists for later timing samples and read-back.
		if _, err := c.ensureSession(ctx, evt); err != nil {
			return err
		}
		if _, err := c.store.UpdateStatus(ctx, evt.JobID, status, upd); err != nil &&
			!errors.Is(err, session.ErrAnomalousTransition) {
			return fmt.Errorf("finalize job %s as %s: %w", evt.JobID, status, err)
		}
		telemetry.ObserveSessionTransition(string(evt.inferredOperation()), string(status))
		return nil
	default:
		return fmt.Errorf("finalize job %s as %s: %w", evt.JobID, status, err)
	}
}

// ensureSession returns the tracked session, creating an in_progress
// placeholder when the data event beat the lifecycle-start event. The
// placeholder's fields are best-effort; the deferred start merges into them
// without overwriting.
func (c *Correlator) ensureSession(ctx context.Context, evt WebhookEvent) (session.CrawlSession, error) {
	sess, err := c.store.Create(ctx, session.NewSession{
		JobID:         evt.JobID,
		OperationType: evt.inferredOperation(),
		Status:        session.StatusInProgress,
		BaseURL:       evt.BaseURL,
		AutoIndex:     true,
		Metadata:      evt.Metadata,
	})
	if err == nil {
		c.logger.Info("created placeholder session for early data event",
			zap.String("job_id", evt.JobID),
			zap.String("event_type", string(evt.Type)),
		)
		return sess, nil
	}
	if errors.Is(err, session.ErrAlreadyExists) {
		return sess, nil
	}
	return session.CrawlSession{}, fmt.Errorf("ensure session for job %s: %w", evt.JobID, err)
}

// processDocuments is the single point where documents leave the bridge: one
// dedup reservation per delivery, one batch submission, one counter update.
// Any failure after the reservation releases it so the sender's redelivery
// is processed fresh.
func (c *Correlator) processDocuments(ctx context.Context, evt WebhookEvent, sess session.CrawlSession) (retErr error) {
	fresh, err := c.deduper.Reserve(ctx, evt.DedupKey)
	if err != nil {
		return fmt.Errorf("reserve delivery %s: %w", evt.DedupKey, err)
	}
	if !fresh {
		telemetry.ObserveDuplicateDelivery()
		c.logger.Info("skipping replayed delivery",
			zap.String("job_id", evt.JobID),
			zap.String("delivery_key", evt.DedupKey),
		)
		return nil
	}
	defer func() {
		if retErr == nil {
			return
		}
		if err := c.deduper.Release(ctx, evt.DedupKey); err != nil {
			c.logger.Warn("failed to release delivery reservation; redelivery will be skipped",
				zap.String("delivery_key", evt.DedupKey),
				zap.Error(err),
			)
		}
	}()

	var jobs []queue.DocumentJob
	var completed, failed int64
	for _, doc := range evt.Documents {
		if doc.Error != "" {
			failed++
			continue
		}
		completed++
		jobs = append(jobs, queue.DocumentJob{
			URL:         doc.URL,
			Markdown:    doc.Markdown,
			HTML:        doc.HTML,
			Title:       doc.Title,
			Description: doc.Description,
			StatusCode:  doc.StatusCode,
			JobID:       evt.JobID,
			Metadata:    doc.Metadata,
		})
	}

	if sess.AutoIndex && len(jobs) > 0 {
		start := time.Now()
		submitted, err := c.queue.SubmitBatch(ctx, jobs)
		if err != nil {
			return fmt.Errorf("submit %d documents for job %s (%d acknowledged): %w",
				len(jobs), evt.JobID, submitted, err)
		}
		telemetry.ObserveBatchSubmit(c.queueName, submitted, time.Since(start))
	}

	if completed > 0 || failed > 0 {
		if _, err := c.store.IncrementProgress(ctx, evt.JobID, completed, failed); err != nil {
			return fmt.Errorf("increment progress for job %s: %w", evt.JobID, err)
		}
	}
	if evt.TotalURLs != nil {
		if _, err := c.store.SetTotalUnits(ctx, evt.JobID, *evt.TotalURLs); err != nil {
			return fmt.Errorf("revise totals for job %s: %w", evt.JobID, err)
		}
	}
	return nil
}

func (c *Correlator) logAnomaly(evt WebhookEvent, attempted session.Status, err error) {
	telemetry.ObserveAnomalousTransition()
	c.logger.Warn("ignoring conflicting terminal transition",
		zap.String("job_id", evt.JobID),
		zap.String("attempted_status", string(attempted)),
		zap.Error(err),
	)
}
