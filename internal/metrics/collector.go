// internal/metrics/collector.go
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollCyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_poll_cycles_total",
			Help: "Total number of completed poll cycles",
		},
		[]string{"cluster", "health"},
	)

	pollCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fleetwatch_poll_cycle_duration_seconds",
			Help:    "Duration of a full probe fan-out/fan-in cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	nodeReachable = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_node_reachable",
			Help: "Whether the node answered its probe in the latest cycle (1/0)",
		},
		[]string{"cluster", "node"},
	)

	nodeSynced = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_node_synced",
			Help: "Whether the node reported sync state synced in the latest cycle (1/0)",
		},
		[]string{"cluster", "node"},
	)

	clusterHealthState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetwatch_cluster_health_state",
			Help: "Latest cluster classification, one series per state (1 = current)",
		},
		[]string{"cluster", "health"},
	)

	executorActionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_executor_actions_total",
			Help: "Recovery actions applied by the executor",
		},
		[]string{"action", "outcome"},
	)

	backupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetwatch_backups_total",
			Help: "Backup operations by outcome",
		},
		[]string{"outcome"},
	)

	backupBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetwatch_backup_last_size_bytes",
			Help: "Compressed size of the most recent backup artifact",
		},
	)
)

var healthStates = []string{"healthy", "degraded", "split-brain", "down"}

// ObservePollCycle records the classification and duration of one cycle.
func ObservePollCycle(cluster, health string, elapsed time.Duration) {
	pollCyclesTotal.WithLabelValues(cluster, health).Inc()
	pollCycleDuration.Observe(elapsed.Seconds())
	for _, st := range healthStates {
		v := 0.0
		if st == health {
			v = 1.0
		}
		clusterHealthState.WithLabelValues(cluster, st).Set(v)
	}
}

// ObserveNode records one node's latest probe result.
func ObserveNode(cluster, node string, reachable, synced bool) {
	nodeReachable.WithLabelValues(cluster, node).Set(boolGauge(reachable))
	nodeSynced.WithLabelValues(cluster, node).Set(boolGauge(synced))
}

// ObserveAction records an executor action outcome.
func ObserveAction(action, outcome string) {
	executorActionsTotal.WithLabelValues(action, outcome).Inc()
}

// ObserveBackup records a backup attempt and the artifact size on success.
func ObserveBackup(outcome string, size int64) {
	backupsTotal.WithLabelValues(outcome).Inc()
	if size > 0 {
		backupBytes.Set(float64(size))
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
