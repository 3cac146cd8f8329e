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
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// ConversationsResolved counts findOrCreate outcomes by resolution path.
	ConversationsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_conversations_resolved_total",
			Help: "Conversations resolved by findOrCreate, by path",
		},
		[]string{"path"},
	)

	// RepairsTotal counts participant repair attempts by outcome.
	RepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_participant_repairs_total",
			Help: "Participant repair attempts by outcome",
		},
		[]string{"outcome"},
	)

	// MessagesTotal tracks messages sent by type.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total messages sent",
		},
		[]string{"type"},
	)

	// CacheUpdateFailures counts failed last-message cache writes.
	CacheUpdateFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_cache_update_failures_total",
			Help: "Conversation last-message cache updates that failed after the message was stored",
		},
	)

	// SubscriptionsActive tracks open conversation subscriptions.
	SubscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_subscriptions_active",
			Help: "Number of live conversation subscriptions",
		},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// WSConnectionsActive tracks active signaling websocket connections.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of active signaling websocket connections",
		},
	)

	// CallsTotal counts call lifecycle transitions.
	CallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_transitions_total",
			Help: "Call state transitions by resulting status",
		},
		[]string{"status", "media"},
	)

	// SignalsRelayed counts relayed signaling payloads.
	SignalsRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calls_signals_relayed_total",
			Help: "Signaling payloads relayed between peers",
		},
		[]string{"kind", "role"},
	)

	// NotificationsDropped counts best-effort notifications that were not delivered.
	NotificationsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifications_dropped_total",
			Help: "Outbound notifications dropped by reason",
		},
		[]string{"reason"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
