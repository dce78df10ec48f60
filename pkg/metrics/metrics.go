package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SnapshotsApplied counts full snapshot replacements per pair
var SnapshotsApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "depthbook_snapshots_applied_total",
		Help: "Total number of order book snapshots applied",
	},
	[]string{"pair"},
)

// DiffBulksApplied counts diff bulks applied per pair and action
var DiffBulksApplied = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "depthbook_diff_bulks_applied_total",
		Help: "Total number of diff bulks applied to the book",
	},
	[]string{"pair", "action"},
)

// LevelsDropped counts malformed levels discarded by the store
var LevelsDropped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "depthbook_levels_dropped_total",
		Help: "Total number of malformed levels dropped from the feed",
	},
)

// ForcedReloads counts snapshot reloads triggered by the supervisor
var ForcedReloads = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "depthbook_forced_reloads_total",
		Help: "Total number of forced snapshot reloads",
	},
	[]string{"pair", "reason"},
)

// InvalidStreak tracks consecutive failed validity checks per pair
var InvalidStreak = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "depthbook_invalid_streak",
		Help: "Consecutive invalid validity-check observations",
	},
	[]string{"pair"},
)

// DrainBatchSize records how many raw messages each buffer drain coalesced
var DrainBatchSize = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "depthbook_drain_batch_size",
		Help:    "Number of raw messages coalesced per buffer drain",
		Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250, 500},
	},
)

func init() {
	prometheus.MustRegister(SnapshotsApplied, DiffBulksApplied, LevelsDropped)
	prometheus.MustRegister(ForcedReloads, InvalidStreak, DrainBatchSize)
}
