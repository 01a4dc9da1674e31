// Package metrics provides Prometheus instrumentation for the chat relay. It
// exposes gauges for live connections and sessions, counters for message and
// conversation throughput, and histograms for persistence latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections tracks the current number of open realtime connections.
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of open realtime connections",
	})

	// Rejections counts realtime upgrade attempts that were refused, labeled
	// by reason: "unauthenticated", "capacity" or "upgrade".
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_connection_rejections_total",
		Help: "Realtime connection attempts that were refused",
	}, []string{"reason"})

	// MessagesTotal counts inbound chat messages by outcome.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of inbound chat messages processed",
	}, []string{"result"}) // result = "relayed", "malformed", "invalid", "rate_limited", "unknown_room"

	// Deliveries counts outbound frames handed to connection queues.
	Deliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_deliveries_total",
		Help: "Outbound frames queued to connections",
	}, []string{"result"}) // result = "queued", "dropped"

	// ConversationsPersisted counts conversation blocks written to the store.
	ConversationsPersisted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_conversations_persisted_total",
		Help: "Conversation blocks persisted, by result",
	}, []string{"result"}) // result = "ok", "error"

	// PersistLatency records the time spent storing one conversation block.
	PersistLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_persist_latency_seconds",
		Help:    "Conversation persistence latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// ActiveSessions tracks the number of in-memory sessions, including
	// expired entries not yet swept.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_sessions",
		Help: "Sessions held by the in-memory session store",
	})
)

func init() {
	prometheus.MustRegister(
		Connections,
		Rejections,
		MessagesTotal,
		Deliveries,
		ConversationsPersisted,
		PersistLatency,
		ActiveSessions,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
