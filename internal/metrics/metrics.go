package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Messages registered for sending, by source queue
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbq_messages_sent_total",
			Help: "Total number of messages registered for sending",
		},
		[]string{"queue"},
	)

	// Messages dequeued, by queue
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbq_messages_received_total",
			Help: "Total number of messages received",
		},
		[]string{"queue"},
	)

	// Blocking receives that returned no message
	ReceiveTimeouts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbq_receive_timeouts_total",
			Help: "Total number of receives that timed out without a message",
		},
		[]string{"queue"},
	)

	// Store calls aborted by the client
	ReceiveCancellations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbq_receive_cancellations_total",
			Help: "Total number of dequeue calls cancelled by the client",
		},
		[]string{"queue"},
	)

	// Messages that could not be deserialized
	DeserializeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sbq_deserialize_errors_total",
			Help: "Total number of messages that failed to deserialize",
		},
		[]string{"queue"},
	)

	// Time spent inside ReceiveTimeout
	ReceiveWait = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sbq_receive_wait_seconds",
			Help:    "Time spent waiting in blocking receives",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Purge run duration
	PurgeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sbq_purge_duration_seconds",
			Help:    "Time taken to purge historic data",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Purge errors counter
	PurgeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sbq_purge_errors_total",
			Help: "Total number of failed purges",
		},
	)
)
