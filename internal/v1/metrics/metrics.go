package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the ephemeral chat service.
//
// Naming convention: namespace_subsystem_name
// - namespace: hushroom (application-level grouping)
// - subsystem: websocket, room, archive, session (feature-level grouping)
// - name: specific metric (connections_active, events_total, etc.)

var (
	// ActiveWebSocketConnections tracks the current number of open sockets.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "hushroom",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// WebsocketEvents counts inbound frames by type and outcome.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hushroom",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks per-frame handler latency.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "hushroom",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// RoomsCreated counts room creations by final outcome.
	RoomsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hushroom",
		Subsystem: "room",
		Name:      "created_total",
		Help:      "Total rooms created",
	}, []string{"status"})

	// RoomsArchived counts archive sweeps' processed rooms.
	RoomsArchived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "hushroom",
		Subsystem: "archive",
		Name:      "rooms_total",
		Help:      "Total rooms archived",
	})

	// ArchiveSweepDuration tracks how long each archival sweep takes.
	ArchiveSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hushroom",
		Subsystem: "archive",
		Name:      "sweep_seconds",
		Help:      "Duration of archival sweeps",
		Buckets:   []float64{.01, .05, .1, .5, 1, 5, 15, 60},
	})

	// MessagesStored counts persisted ciphertext messages by type.
	MessagesStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hushroom",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total messages persisted",
	}, []string{"msg_type"})

	// RateLimitExceeded counts requests refused by a rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hushroom",
		Subsystem: "http",
		Name:      "rate_limit_exceeded_total",
		Help:      "Requests rejected by rate limiting",
	}, []string{"path", "limit_type"})

	// CircuitBreakerState exposes breaker state per backend (0 closed, 1 open, 2 half-open).
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "hushroom",
		Subsystem: "session",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
	}, []string{"backend"})

	// CircuitBreakerFailures counts requests dropped by an open breaker.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hushroom",
		Subsystem: "session",
		Name:      "circuit_breaker_failures_total",
		Help:      "Requests rejected by an open circuit breaker",
	}, []string{"backend"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
