package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsar_connections_total",
			Help: "Total number of SMTP connections established",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsar_connections_current",
			Help: "Current number of active SMTP connections",
		},
	)

	ConnectionsRejectedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsar_connections_rejected_total",
			Help: "Connections rejected because the session limit was reached",
		},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsar_authentication_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)
)

// Delivery metrics
var (
	MessagesReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsar_messages_received_total",
			Help: "Messages submitted to the capture listener",
		},
		[]string{"status"},
	)

	MessageSizeBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsar_message_size_bytes",
			Help:    "Size of submitted messages in bytes",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsar_delivery_duration_seconds",
			Help:    "Time from payload receipt to durable persistence",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0},
		},
	)
)

// Event metrics
var (
	EventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsar_events_published_total",
			Help: "Events delivered to subscribers",
		},
		[]string{"kind"},
	)

	EventsDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsar_events_dropped_total",
			Help: "Events dropped because a subscriber buffer was full",
		},
		[]string{"kind"},
	)
)
