package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Circuit breaker metrics
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "agentrelay_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"breaker", "from", "to"},
	)

	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_breaker_rejections_total",
			Help: "Operations rejected without touching storage",
		},
		[]string{"breaker"},
	)

	StorageLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrelay_storage_latency_seconds",
			Help:    "Storage operation latency observed through the breaker",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .5},
		},
		[]string{"breaker"},
	)

	// Event bus metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_bus_events_published_total",
			Help: "Events published on the internal bus",
		},
		[]string{"kind"},
	)

	HandlerFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_bus_handler_failures_total",
			Help: "Bus handler errors and recovered panics",
		},
		[]string{"kind"},
	)

	// Business metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_messages_ingested_total",
			Help: "Messages persisted and announced by the ingestion path",
		},
		[]string{"source_type"},
	)

	SubscriberDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrelay_subscriber_decisions_total",
			Help: "Per-agent routing outcomes for new messages",
		},
		[]string{"outcome"}, // "delivered", "duplicate", "self", "not_participant", "unknown_channel", "error"
	)

	RemoteConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentrelay_remote_bus_connections",
			Help: "Open websocket bus bridge connections",
		},
	)
)
