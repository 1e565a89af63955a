package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	readinessPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "readiness",
		Name:      "polls_total",
		Help:      "Readiness probes by result",
	}, []string{"target", "result"})

	authRPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "rpc_duration_seconds",
		Help:      "Latency of auth service calls",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op", "outcome"})

	authCircuitState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "circuit_state",
		Help:      "Auth client circuit breaker state (0=closed, 1=half-open, 2=open)",
	})

	authReady = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "ready",
		Help:      "1 when the auth service accepts calls",
	})
)

// IncReadinessPoll counts one readiness probe.
func IncReadinessPoll(target string, ok bool) {
	result := "fail"
	if ok {
		result = "ok"
	}
	readinessPolls.WithLabelValues(target, result).Inc()
}

// ObserveAuthRPC records the latency of an auth call. outcome is "ok" or "error".
func ObserveAuthRPC(op string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	authRPCDuration.WithLabelValues(op, outcome).Observe(d.Seconds())
}

// SetAuthCircuitState records the breaker state.
func SetAuthCircuitState(state int) {
	authCircuitState.Set(float64(state))
}

// SetAuthReady records whether the auth service accepts calls.
func SetAuthReady(ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	authReady.Set(v)
}
