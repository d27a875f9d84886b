// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WebhookEventsTotal tracks inbound webhook payloads by how they were handled.
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_webhook_events_total",
			Help: "Inbound webhook payloads by kind",
		},
		[]string{"kind"},
	)

	// TurnsTotal tracks completed relay turns by outcome.
	TurnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Relay turns by outcome",
		},
		[]string{"outcome"},
	)

	// TurnDuration tracks the wall time of one relay turn.
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Relay turn duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"outcome"},
	)

	// TurnsInFlight tracks turns currently running.
	TurnsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_turns_in_flight",
			Help: "Number of relay turns currently running",
		},
	)

	// ConversationsStored tracks identities held by the in-memory store.
	ConversationsStored = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_conversations_stored",
			Help: "Identities with a conversation in the in-memory store",
		},
	)

	// ChunksTotal tracks outbound chat messages by delivery outcome.
	ChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_chunks_total",
			Help: "Outbound chat messages by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// StoreWritesTotal tracks conversation store writes.
	StoreWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_conversation_store_writes_total",
			Help: "Conversation store writes by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordTurn records metrics for a finished relay turn.
func RecordTurn(outcome string, duration float64) {
	TurnsTotal.WithLabelValues(outcome).Inc()
	TurnDuration.WithLabelValues(outcome).Observe(duration)
}

// RecordChunk records one outbound delivery attempt.
func RecordChunk(kind string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	ChunksTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordStoreWrite records one conversation store write.
func RecordStoreWrite(err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	StoreWritesTotal.WithLabelValues(outcome).Inc()
}

// RecordWebhook records an inbound webhook payload.
func RecordWebhook(kind string) {
	WebhookEventsTotal.WithLabelValues(kind).Inc()
}

// IncrementTurnsInFlight increments the in-flight turn count.
func IncrementTurnsInFlight() {
	TurnsInFlight.Inc()
}

// DecrementTurnsInFlight decrements the in-flight turn count.
func DecrementTurnsInFlight() {
	TurnsInFlight.Dec()
}

// SetConversationsStored records the in-memory store size.
func SetConversationsStored(n int) {
	ConversationsStored.Set(float64(n))
}
