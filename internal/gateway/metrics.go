package gateway

import "github.com/prometheus/client_golang/prometheus"

// Session metrics complement the HTTP-level middleware metrics, which stop
// seeing a connection once it is hijacked for the websocket upgrade.
var (
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Current number of authorized websocket chat sessions.",
		},
	)

	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_turns_total",
			Help: "Chat turns by outcome.",
		},
		[]string{"outcome"},
	)
)

// Turn outcomes. Cardinality is fixed; tenant ids are deliberately not a
// label.
const (
	outcomeCompleted = "completed" // full generation, side effects applied
	outcomeCached    = "cached"    // served from the FAQ cache
	outcomeFallback  = "fallback"  // reached-limit fallback message
	outcomeAborted   = "aborted"   // rewrite/stream failure or client gone
)

func init() {
	prometheus.MustRegister(sessionsActive, turnsTotal)
}
