package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// runsFinished counts runs by terminal status.
	runsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evalgate",
		Subsystem: "engine",
		Name:      "runs_finished_total",
		Help:      "Runs that reached a terminal status",
	}, []string{"suite", "status"})

	// caseEvaluations counts evaluated cases.
	// Labels: outcome (passed, failed)
	caseEvaluations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evalgate",
		Subsystem: "engine",
		Name:      "case_evaluations_total",
		Help:      "Case evaluations by outcome",
	}, []string{"suite", "outcome"})

	caseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "evalgate",
		Subsystem: "engine",
		Name:      "case_duration_seconds",
		Help:      "Wall time of one case evaluation",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"suite"})

	runsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "evalgate",
		Subsystem: "engine",
		Name:      "runs_in_flight",
		Help:      "Runs currently in RUNNING status in this process",
	})

	// storageFailures counts storage writes that failed after all retries.
	// Labels: op (create_run, get_run, transition, case_result, history)
	storageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "evalgate",
		Subsystem: "engine",
		Name:      "storage_failures_total",
		Help:      "Storage operations that exhausted their retries",
	}, []string{"op"})
)

func outcomeLabel(passed bool) string {
	if passed {
		return "passed"
	}
	return "failed"
}
