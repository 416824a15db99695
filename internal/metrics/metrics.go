// Package metrics exposes Prometheus instrumentation for the healing core.
// Collectors are package-level; Register is idempotent so embedding callers
// and the CLI can both call it safely.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	cyclesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "healing_cycles_total",
		Help:      "Healing cycles by terminal outcome.",
	}, []string{"outcome"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "mend",
		Name:      "healing_cycle_duration_seconds",
		Help:      "End-to-end healing cycle duration.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	repairsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "repairs_total",
		Help:      "Repair attempts by engine and result.",
	}, []string{"engine", "result"})

	rollbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "mend",
		Name:      "rollbacks_total",
		Help:      "Snapshot rollbacks performed.",
	})

	healthScore = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mend",
		Name:      "health_score",
		Help:      "Current overall health score (0-100).",
	})

	unresolvedFaults = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mend",
		Name:      "unresolved_faults",
		Help:      "Faults currently unresolved in the ledger.",
	})

	throttleMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "mend",
		Name:      "autorepair_throttle_mode",
		Help:      "Autorepair throttle mode (1 for the active mode, 0 otherwise).",
	}, []string{"mode"})

	snapshotsRetained = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "mend",
		Name:      "snapshots_retained",
		Help:      "Snapshots currently retained on disk.",
	})
)

var registerOnce sync.Once

// Register registers all collectors with the given registerer. Passing nil
// uses the default registerer. Safe to call more than once.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			cyclesTotal,
			cycleDuration,
			repairsTotal,
			rollbacksTotal,
			healthScore,
			unresolvedFaults,
			throttleMode,
			snapshotsRetained,
		)
	})
}

// ObserveCycle records a finished healing cycle.
func ObserveCycle(outcome string, duration time.Duration) {
	cyclesTotal.WithLabelValues(outcome).Inc()
	cycleDuration.Observe(duration.Seconds())
}

// ObserveRepair records one engine attempt.
func ObserveRepair(engine string, success bool) {
	result := "failed"
	if success {
		result = "success"
	}
	repairsTotal.WithLabelValues(engine, result).Inc()
}

// ObserveRollback records one snapshot rollback.
func ObserveRollback() {
	rollbacksTotal.Inc()
}

// SetHealthScore publishes the current overall health score.
func SetHealthScore(score float64) {
	healthScore.Set(score)
}

// SetUnresolvedFaults publishes the unresolved fault count.
func SetUnresolvedFaults(n int) {
	unresolvedFaults.Set(float64(n))
}

// SetThrottleMode publishes the active throttle mode.
func SetThrottleMode(mode string) {
	for _, m := range []string{"NORMAL", "THROTTLED", "BLOCKED"} {
		v := 0.0
		if m == mode {
			v = 1.0
		}
		throttleMode.WithLabelValues(m).Set(v)
	}
}

// SetSnapshotsRetained publishes the retained snapshot count.
func SetSnapshotsRetained(n int) {
	snapshotsRetained.Set(float64(n))
}
