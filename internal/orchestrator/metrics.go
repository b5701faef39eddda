package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "labdash_operations_total",
		Help: "Completed operations by kind and terminal status.",
	}, []string{"kind", "status"})

	operationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name: "labdash_operation_duration_seconds",
		Help: "Wall-clock duration of completed operations.",
		// Provisioning runs take minutes, playbooks usually seconds.
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})

	operationBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "labdash_operation_busy",
		Help: "1 while an operation holds the execution lock, 0 when idle.",
	})

	logLinesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "labdash_log_lines_total",
		Help: "Output lines relayed from operation processes.",
	})
)
