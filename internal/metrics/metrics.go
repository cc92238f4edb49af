// Package metrics provides Prometheus instrumentation for the messaging
// core: connection gauges, message throughput counters, and fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of live authenticated
	// connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_total",
		Help: "Current number of live WebSocket connections",
	})

	// EventsTotal counts processed envelopes, labeled by direction:
	// "in", "out", or "dropped" (malformed or rejected frames).
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of envelopes processed",
	}, []string{"direction"})

	// HandlerErrors counts command handler failures, labeled by error code.
	HandlerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_handler_errors_total",
		Help: "Total number of command handler failures",
	}, []string{"code"})

	// FanoutLatency records the time to push one event to all live members
	// of a channel.
	FanoutLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_fanout_latency_seconds",
		Help:    "Channel fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// OutboundDrops counts connections closed for outbound buffer overflow.
	OutboundDrops = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_outbound_drops_total",
		Help: "Connections closed because the outbound buffer overflowed",
	})

	// TypingEntries tracks the current number of active typing states.
	TypingEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_typing_entries",
		Help: "Current number of active typing states",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		EventsTotal,
		HandlerErrors,
		FanoutLatency,
		OutboundDrops,
		TypingEntries,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
