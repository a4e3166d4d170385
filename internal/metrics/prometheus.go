// Package metrics exposes the forwarder's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesForwardedTotal counts messages acked after a webhook call per
	// queue. The delivery loop only records outcome "delivered"; transport
	// failures are counted by MessagesNackedTotal instead.
	MessagesForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_messages_forwarded_total",
			Help: "Total number of messages handed to a webhook, by outcome",
		},
		[]string{"queue", "outcome"},
	)

	// MessagesNackedTotal counts requeued deliveries by reason (paused,
	// outside_hours, decode_error, transport_error).
	MessagesNackedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_messages_nacked_total",
			Help: "Total number of deliveries nacked and requeued, by reason",
		},
		[]string{"queue", "reason"},
	)

	// WebhookDuration tracks webhook POST latency in seconds.
	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forwarder_webhook_duration_seconds",
			Help:    "Duration of webhook POST calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// ActiveConsumers tracks the current size of the Consumer Registry.
	ActiveConsumers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forwarder_active_consumers",
			Help: "Number of queues currently being consumed",
		},
	)

	// CurrentEpoch tracks the Epoch Manager's current generation.
	CurrentEpoch = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "forwarder_broker_epoch",
			Help: "Current broker channel generation",
		},
	)

	// ReconnectAttemptsTotal counts reconnect attempts by kind (full,
	// channel_only).
	ReconnectAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forwarder_reconnect_attempts_total",
			Help: "Total number of broker reconnect attempts",
		},
		[]string{"kind"},
	)

	// QueuesDrainedTotal counts queues torn down after drain detection.
	QueuesDrainedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "forwarder_queues_drained_total",
			Help: "Total number of queues removed after drain detection",
		},
	)
)
