// Package metrics exposes counters for the per-cycle heartbeat numbers,
// following the promauto.With(customRegistry) idiom the pack's
// SynapseStrike repo uses rather than the default global registry.
// The counters are safe for concurrent use, though the buy and sell
// loops update them from the single cycle goroutine. No HTTP
// exporter is wired: this process has no inbound server surface, so the
// registry exists purely as a thread-safe counter bundle, not for
// scraping.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the custom registry backing all counters below.
var Registry = prometheus.NewRegistry()

var (
	IntentsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_intents_total",
			Help: "Entry intents created, labeled by strategy_id.",
		},
		[]string{"strategy_id"},
	)

	OrdersTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_orders_total",
			Help: "Orders submitted to the broker adapter, labeled by purpose and mode.",
		},
		[]string{"purpose", "mode"},
	)

	ErrorsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_errors_total",
			Help: "Non-fatal cycle errors, labeled by component.",
		},
		[]string{"component"},
	)

	GateDowngradesTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "execution_gate_downgrades_total",
			Help: "Safety gate downgrades/blocks, labeled by reason.",
		},
		[]string{"reason"},
	)

	CycleDurationSeconds = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "execution_cycle_duration_seconds",
			Help:    "Wall-clock duration of one orchestrator cycle.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// Snapshot captures the counters relevant to one cycle's heartbeat. The
// client_golang API exposes counters as write-only from the caller's
// side (no direct read-back without the registry's gather path), so the
// orchestrator tracks per-cycle deltas itself and calls the Inc/Add
// methods above; Snapshot exists only to document the fields that flow
// into domain.Heartbeat.
type Snapshot struct {
	Intents int
	Orders  int
	Errors  int
}
