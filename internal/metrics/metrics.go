package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soilwatch_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "soilwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"method", "endpoint", "status"},
	)

	// Ingestion metrics
	ReadingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soilwatch_readings_total",
			Help: "Readings by submission outcome",
		},
		[]string{"outcome"}, // accepted, duplicate, validation, unknown_device, storage_unavailable
	)

	DevicesAutoRegistered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soilwatch_devices_auto_registered_total",
			Help: "Devices created in pending state on first reading",
		},
	)

	// Pipeline fanout metrics
	ChannelDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soilwatch_channel_drops_total",
			Help: "Accepted readings dropped because a fanout channel was full",
		},
		[]string{"channel"}, // eval, live
	)

	// Evaluation metrics
	Transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soilwatch_alert_transitions_total",
			Help: "Alert state transitions",
		},
		[]string{"from", "to"},
	)

	CooldownSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soilwatch_alerts_cooldown_suppressed_total",
			Help: "Fire events suppressed because the rule cooldown had not elapsed",
		},
	)

	EvalErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soilwatch_eval_errors_total",
			Help: "Evaluation failures (state store errors and the like)",
		},
	)

	// Notification metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soilwatch_notifications_sent_total",
			Help: "Notification deliveries by outcome",
		},
		[]string{"outcome"}, // sent, failed, muted, dropped
	)

	NotifyRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "soilwatch_notify_retries_total",
			Help: "Notification delivery retries",
		},
	)

	// Command metrics
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "soilwatch_commands_total",
			Help: "Inbound operator commands by outcome",
		},
		[]string{"command", "outcome"}, // ok, usage, error, unauthorized
	)
)
