// Package gate aggregates case results and decides whether a run passes
// its quality thresholds.
package gate

import (
	"maps"
	"sort"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

var defaultThresholds = map[string]float64{
	"faithfulness":      0.7,
	"answer_relevancy":  0.7,
	"context_precision": 0.6,
	"context_recall":    0.6,
	eval.PassRateMetric: 0.8,
}

// DefaultThresholds returns a fresh copy of the built-in thresholds.
func DefaultThresholds() map[string]float64 {
	return maps.Clone(defaultThresholds)
}

// Aggregate summarises case results. Metric means ignore nil scores; a
// metric nobody reported is nil. The result does not depend on the order
// of results.
func Aggregate(results []*eval.CaseResult) eval.SummaryMetrics {
	summary := eval.SummaryMetrics{
		TotalCases: len(results),
		Metrics:    map[string]*float64{},
	}

	values := map[string][]float64{}
	for _, r := range results {
		if r.Passed {
			summary.PassedCases++
		}
		for name, v := range r.Scores {
			if _, ok := values[name]; !ok {
				values[name] = nil
			}
			if v != nil {
				values[name] = append(values[name], *v)
			}
		}
	}
	summary.FailedCases = summary.TotalCases - summary.PassedCases
	if summary.TotalCases > 0 {
		summary.PassRate = float64(summary.PassedCases) / float64(summary.TotalCases)
	}

	for name, vs := range values {
		if len(vs) == 0 {
			summary.Metrics[name] = nil
			continue
		}
		mean := eval.SortedSum(vs) / float64(len(vs))
		summary.Metrics[name] = &mean
	}
	return summary
}

// Decision is the gate verdict for a run.
type Decision struct {
	Passed   bool               `json:"passed"`
	Status   eval.RunStatus     `json:"status"`
	Failures []eval.GateFailure `json:"failures,omitempty"`
}

// Decide checks summary against the run's threshold snapshot. The run is
// blocked when its pass rate is below snapshot["pass_rate"] or when any
// metric present in both the summary and the snapshot is below its
// threshold. Snapshot entries without a matching metric are ignored.
func Decide(summary eval.SummaryMetrics, snapshot map[string]float64) Decision {
	var failures []eval.GateFailure

	check := func(metric string, actual float64) {
		threshold, ok := snapshot[metric]
		if !ok || actual >= threshold {
			return
		}
		failures = append(failures, eval.GateFailure{
			Metric:    metric,
			Actual:    actual,
			Threshold: threshold,
			Delta:     actual - threshold,
		})
	}

	check(eval.PassRateMetric, summary.PassRate)
	for name, v := range summary.Metrics {
		if v == nil || name == eval.PassRateMetric {
			continue
		}
		check(name, *v)
	}

	sort.Slice(failures, func(i, j int) bool { return failures[i].Metric < failures[j].Metric })

	if len(failures) > 0 {
		return Decision{Passed: false, Status: eval.StatusGateBlocked, Failures: failures}
	}
	return Decision{Passed: true, Status: eval.StatusCompleted}
}
