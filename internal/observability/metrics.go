package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RedisErrors counts Redis errors by command.
	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_redis_errors_total",
		Help: "Total number of Redis errors by command",
	}, []string{"operation"})

	// StoreLatency records message store latency by driver and operation.
	StoreLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatgate_store_latency_seconds",
		Help:    "Message store operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"driver", "operation"})

	// StoreFailures counts failed store operations. Append failures here mean a
	// broadcast message was not persisted.
	StoreFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_store_failures_total",
		Help: "Total number of failed message store operations",
	}, []string{"driver", "operation"})

	// WebSocketConnections is the gauge of live WebSocket connections on this instance.
	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatgate_websocket_connections",
		Help: "Number of active WebSocket connections",
	})

	// WebSocketEventsTotal counts inbound WebSocket events by type.
	WebSocketEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_websocket_events_total",
		Help: "Total inbound WebSocket events by type",
	}, []string{"event_type"})

	// WebSocketBackpressureDrops counts messages dropped due to backpressure by hub and reason.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_websocket_backpressure_drops_total",
		Help: "Total number of WebSocket messages dropped due to backpressure",
	}, []string{"hub", "reason"})

	// MessagesAccepted counts accepted chat messages.
	MessagesAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatgate_messages_accepted_total",
		Help: "Total number of accepted chat messages",
	})

	// MessagesRejected counts rejected chat messages by violation.
	MessagesRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_messages_rejected_total",
		Help: "Total number of rejected chat messages by violation",
	}, []string{"violation"})

	// ModerationActions counts restrictions applied by kind and cause.
	ModerationActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_moderation_actions_total",
		Help: "Total number of mutes and blocks applied",
	}, []string{"kind", "cause"})

	// RetentionPurged counts rows removed by the retention sweeper.
	RetentionPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_retention_purged_total",
		Help: "Total number of rows removed by the retention sweep",
	}, []string{"table"})

	// FanoutEvents counts events exchanged with peer instances.
	FanoutEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatgate_fanout_events_total",
		Help: "Total number of events published to or received from peer instances",
	}, []string{"direction"})
)

// TrackStore returns a function that records store latency when called (e.g. defer).
func TrackStore(driver, operation string) func() {
	start := time.Now()
	return func() {
		StoreLatency.WithLabelValues(driver, operation).Observe(time.Since(start).Seconds())
	}
}
