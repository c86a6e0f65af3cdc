// Package stats provides Prometheus instrumentation and the advisory
// process-wide counters for the pairing server. Gauges and counters are
// rebuilt from zero on restart; the total-match counter is additionally
// persisted to Redis so it survives restarts.
package stats

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOnline tracks the current number of active WebSocket connections.
	ConnectionsOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veil_connections_online",
		Help: "Current number of active WebSocket connections",
	})

	// MatchesTotal counts sessions created since process start.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "veil_matches_total",
		Help: "Total number of sessions created",
	})

	// MessagesRelayed counts relayed in-session events, labeled by kind:
	// "message", "typing", or "signal".
	MessagesRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "veil_messages_relayed_total",
		Help: "Total number of in-session events relayed",
	}, []string{"kind"})

	// ActiveRooms tracks the current number of active sessions.
	ActiveRooms = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "veil_active_rooms",
		Help: "Current number of active sessions",
	})

	// QueueDepth tracks waiting connections per partition family
	// ("plain" or "gendered").
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "veil_queue_depth",
		Help: "Current number of waiting connections per queue family",
	}, []string{"family"})

	// MatchSweepDuration records how long a matcher sweep takes.
	MatchSweepDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "veil_match_sweep_duration_seconds",
		Help:    "Duration of a single matcher sweep",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// SessionDuration records how long sessions last, labeled by end reason.
	SessionDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "veil_session_duration_seconds",
		Help:    "Session lifetime from creation to teardown",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsOnline,
		MatchesTotal,
		MessagesRelayed,
		ActiveRooms,
		QueueDepth,
		MatchSweepDuration,
		SessionDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
