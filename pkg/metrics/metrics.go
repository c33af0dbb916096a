// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Push outcomes recorded by LivePushesTotal.
const (
	OutcomeDelivered = "delivered"
	OutcomeOffline   = "offline"
	OutcomeFailed    = "failed"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// WSConnectionsActive tracks open live-channel sockets.
	WSConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ws_connections_active",
			Help: "Number of open live channel connections",
		},
	)

	// PresenceUsersActive tracks users with a registered connection.
	PresenceUsersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "presence_users_active",
			Help: "Number of users with a registered live connection",
		},
	)

	// LivePushesTotal tracks live push attempts by routing kind and outcome.
	LivePushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "live_pushes_total",
			Help: "Live push attempts",
		},
		[]string{"kind", "outcome"},
	)

	// RelayMessagesTotal tracks intents exchanged with other nodes.
	RelayMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_messages_total",
			Help: "Routed intents relayed between nodes",
		},
		[]string{"direction"},
	)

	// StoreOperationDuration tracks conversation store latency.
	StoreOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "store_operation_duration_seconds",
			Help:    "Conversation store operation duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"op", "status"},
	)

	// MessagesTotal tracks total messages sent.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages sent",
		},
		[]string{"type"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, path, status string, duration float64) {
	RequestDuration.WithLabelValues(method, path, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, path, status).Inc()
}

// RecordPush records a live push attempt.
func RecordPush(kind, outcome string) {
	LivePushesTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordStoreOperation records a conversation store call.
func RecordStoreOperation(op string, err error, duration float64) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	StoreOperationDuration.WithLabelValues(op, status).Observe(duration)
}

// IncrementWSConnections increments the open socket count.
func IncrementWSConnections() {
	WSConnectionsActive.Inc()
}

// DecrementWSConnections decrements the open socket count.
func DecrementWSConnections() {
	WSConnectionsActive.Dec()
}
