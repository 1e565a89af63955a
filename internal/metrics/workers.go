// Package metrics provides Prometheus metrics for supervised workers and the auth service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tgrelay"

// WorkerStates lists every supervisor state exported by the state gauge.
var WorkerStates = []string{"idle", "starting", "running", "restarting", "exhausted", "stopped"}

var (
	workerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "state",
		Help:      "Current supervisor state, 1 for the active state",
	}, []string{"worker", "state"})

	workerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "restarts_total",
		Help:      "Automatic restarts performed",
	}, []string{"worker"})

	workerSpawnFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "spawn_failures_total",
		Help:      "Launch attempts refused by the operating system",
	}, []string{"worker"})

	workerExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "exits_total",
		Help:      "Worker process exits by kind",
	}, []string{"worker", "kind"})

	workerDroppedLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "dropped_lines_total",
		Help:      "Output lines discarded because the log consumer fell behind",
	}, []string{"worker"})

	workerStartTime = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "worker",
		Name:      "start_time_seconds",
		Help:      "Unix time the current instance was spawned",
	}, []string{"worker"})
)

// SetWorkerState marks state as the active state for worker.
func SetWorkerState(worker, state string) {
	for _, s := range WorkerStates {
		v := 0.0
		if s == state {
			v = 1
		}
		workerState.WithLabelValues(worker, s).Set(v)
	}
}

// IncWorkerRestarts counts an automatic restart.
func IncWorkerRestarts(worker string) {
	workerRestarts.WithLabelValues(worker).Inc()
}

// IncWorkerSpawnFailures counts a refused launch.
func IncWorkerSpawnFailures(worker string) {
	workerSpawnFailures.WithLabelValues(worker).Inc()
}

// IncWorkerExits counts an exit. kind is "deliberate" or "unexpected".
func IncWorkerExits(worker string, deliberate bool) {
	kind := "unexpected"
	if deliberate {
		kind = "deliberate"
	}
	workerExits.WithLabelValues(worker, kind).Inc()
}

// AddWorkerDroppedLines adds to the dropped output line count.
func AddWorkerDroppedLines(worker string, n uint64) {
	if n == 0 {
		return
	}
	workerDroppedLines.WithLabelValues(worker).Add(float64(n))
}

// SetWorkerStartTime records when the current instance started.
func SetWorkerStartTime(worker string, unixSeconds float64) {
	workerStartTime.WithLabelValues(worker).Set(unixSeconds)
}
