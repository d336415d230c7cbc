// Package metrics provides Prometheus instrumentation for the chat core. It
// exposes gauges for connections and online users, counters for messages,
// notifications, moderation actions and call signaling, and a histogram for event handling
// latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dmchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// SlowConsumerDisconnects counts connections dropped because their
	// outbound queue filled up.
	SlowConsumerDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dmchat_slow_consumer_disconnects_total",
		Help: "Total number of connections closed because their send queue was full",
	})

	// OnlineUsers tracks the number of presence entries bound to a connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dmchat_online_users",
		Help: "Current number of users with a live connection",
	})

	// MessagesTotal counts direct messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmchat_messages_total",
		Help: "Total number of direct messages processed",
	}, []string{"result"}) // result = "stored", "delivered", "muted", "rate_limited", "deleted"

	// NotificationsTotal counts created notifications by type and whether they
	// were pushed live or only stored.
	NotificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmchat_notifications_total",
		Help: "Total number of notifications created",
	}, []string{"type", "delivery"})

	// ModerationActions counts moderation actions by action and result.
	ModerationActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmchat_moderation_actions_total",
		Help: "Total number of moderation actions",
	}, []string{"action", "result"}) // result = "ok" or the failure kind

	// SignalsTotal counts call signaling frames by event and whether the
	// target was still connected.
	SignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dmchat_signals_total",
		Help: "Total number of call signaling frames relayed or dropped",
	}, []string{"event", "result"}) // result = "relayed" or "dropped"

	// EventLatency records how long the event loop spent on one event.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dmchat_event_latency_seconds",
		Help:    "Event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event"})

	// EventQueueDepth tracks events waiting for the loop.
	EventQueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dmchat_event_queue_depth",
		Help: "Number of events waiting for the event loop",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		SlowConsumerDisconnects,
		OnlineUsers,
		MessagesTotal,
		NotificationsTotal,
		ModerationActions,
		SignalsTotal,
		EventLatency,
		EventQueueDepth,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
