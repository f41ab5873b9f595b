// Package telemetry exposes Prometheus collectors for the bridge service.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	webhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhook_events_total",
			Help: "Total webhook events received, labeled by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	documentsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_documents_submitted_total",
			Help: "Total documents submitted to the indexing queue, labeled by provider.",
		},
		[]string{"provider"},
	)

	queueBatchDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_queue_batch_duration_seconds",
			Help:    "Histogram of SubmitBatch latencies, labeled by provider.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"provider"},
	)

	sessionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_session_transitions_total",
			Help: "Total session status transitions, labeled by operation type and new status.",
		},
		[]string{"operation", "status"},
	)

	anomalousTransitionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_anomalous_transitions_total",
			Help: "Total terminal-state conflicts ignored by the correlator.",
		},
	)

	duplicateDeliveriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_duplicate_deliveries_total",
			Help: "Total webhook deliveries suppressed as duplicates.",
		},
	)

	operationMetricsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "bridge_operation_metrics_dropped_total",
			Help: "Total operation metrics dropped due to recorder backpressure.",
		},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveWebhookEvent counts one inbound webhook event by type and outcome
// (processed, duplicate, malformed, failed).
func ObserveWebhookEvent(eventType, outcome string) {
	webhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveBatchSubmit records one queue batch submission.
func ObserveBatchSubmit(provider string, documents int, duration time.Duration) {
	if documents > 0 {
		documentsSubmittedTotal.WithLabelValues(provider).Add(float64(documents))
	}
	queueBatchDurationSeconds.WithLabelValues(provider).Observe(duration.Seconds())
}

// ObserveSessionTransition counts a session status change.
func ObserveSessionTransition(operation, status string) {
	sessionTransitionsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveAnomalousTransition counts a terminal-state conflict.
func ObserveAnomalousTransition() {
	anomalousTransitionsTotal.Inc()
}

// ObserveDuplicateDelivery counts a suppressed webhook redelivery.
func ObserveDuplicateDelivery() {
	duplicateDeliveriesTotal.Inc()
}

// ObserveMetricDropped counts an operation metric lost to backpressure.
func ObserveMetricDropped() {
	operationMetricsDropped.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
