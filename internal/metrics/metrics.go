// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOperation = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "backende_operations_total",
			Help: "Mailbox operations by result.",
		},
		[]string{
			"op",     // register, login, send, list, move, delete, sweep
			"result", // ok, invalid, duplicate, badcreds, notfound, unavailable, error
		},
	)
	metricSweepPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backende_sweep_purged_total",
			Help: "Trashed messages removed by retention sweeps.",
		},
	)
	metricSweepSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backende_sweep_skipped_total",
			Help: "Retention sweeps skipped because one was still running.",
		},
	)
	metricActivityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "backende_activity_failures_total",
			Help: "Activity log entries that could not be written.",
		},
	)
)

func OperationInc(op, result string) {
	metricOperation.WithLabelValues(op, result).Inc()
}

func SweepPurgedAdd(n int) {
	metricSweepPurged.Add(float64(n))
}

func SweepSkippedInc() {
	metricSweepSkipped.Inc()
}

func ActivityFailureInc() {
	metricActivityFailures.Inc()
}
