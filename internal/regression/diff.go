// Package regression compares a run with the most recent completed run of
// the same suite.
package regression

import (
	"context"
	"fmt"
	"sort"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

// Epsilon is the smallest score change counted as a regression or an
// improvement.
const Epsilon = 1e-6

// RunReader is the read access Diff needs.
type RunReader interface {
	// LatestCompletedRun returns the most recently started COMPLETED run
	// of suiteID other than excludeRunID, or nil when there is none.
	LatestCompletedRun(ctx context.Context, suiteID, excludeRunID string) (*eval.Run, error)
	ListResults(ctx context.Context, runID string) ([]*eval.CaseResult, error)
}

// Diff compares run with its baseline. Cases present in only one of the
// two runs are ignored. A case that got worse on any metric, or stopped
// passing, is a regression; otherwise a case that got better or started
// passing is an improvement.
func Diff(ctx context.Context, reader RunReader, run *eval.Run) (*eval.RegressionDiff, error) {
	diff := &eval.RegressionDiff{
		RunID:        run.ID,
		SuiteID:      run.Suite.ID,
		Regressions:  []eval.RegressionItem{},
		Improvements: []eval.RegressionItem{},
		MetricDeltas: map[string]*float64{},
		GateBlocked:  run.Status == eval.StatusGateBlocked,
	}

	baseline, err := reader.LatestCompletedRun(ctx, run.Suite.ID, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to find baseline run: %w", err)
	}
	if baseline == nil {
		diff.MetricDeltas = metricDeltas(run.Summary, nil)
		return diff, nil
	}
	diff.BaselineRunID = &baseline.ID
	diff.MetricDeltas = metricDeltas(run.Summary, baseline.Summary)

	current, err := reader.ListResults(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results of run %s: %w", run.ID, err)
	}
	previous, err := reader.ListResults(ctx, baseline.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load results of baseline run %s: %w", baseline.ID, err)
	}

	byCase := make(map[string]*eval.CaseResult, len(previous))
	for _, r := range previous {
		byCase[r.TestCaseID] = r
	}

	for _, cur := range current {
		base, ok := byCase[cur.TestCaseID]
		if !ok {
			continue
		}
		item, regressed, improved := compare(cur, base)
		switch {
		case regressed:
			diff.Regressions = append(diff.Regressions, item)
		case improved:
			diff.Improvements = append(diff.Improvements, item)
		}
	}

	sortItems(diff.Regressions)
	sortItems(diff.Improvements)
	return diff, nil
}

func compare(cur, base *eval.CaseResult) (item eval.RegressionItem, regressed, improved bool) {
	item = eval.RegressionItem{
		TestCaseID:     cur.TestCaseID,
		Query:          cur.Query,
		FailureReason:  cur.FailureReason,
		CurrentScores:  cur.Scores,
		BaselineScores: base.Scores,
		Deltas:         map[string]float64{},
		CurrentPassed:  cur.Passed,
		BaselinePassed: base.Passed,
	}

	for name, cv := range cur.Scores {
		bv := base.Scores[name]
		if cv == nil || bv == nil {
			continue
		}
		d := *cv - *bv
		item.Deltas[name] = d
		if d < -Epsilon {
			regressed = true
		}
		if d > Epsilon {
			improved = true
		}
	}

	if base.Passed && !cur.Passed {
		regressed = true
	}
	if !base.Passed && cur.Passed {
		improved = true
	}
	return item, regressed, !regressed && improved
}

// metricDeltas computes current minus baseline for every summary metric
// and pass_rate. A side without the value yields nil.
func metricDeltas(current, baseline *eval.SummaryMetrics) map[string]*float64 {
	out := map[string]*float64{}
	names := map[string]bool{eval.PassRateMetric: true}
	var cur, base map[string]float64
	if current != nil {
		cur = current.Values()
		for n := range current.Metrics {
			names[n] = true
		}
	}
	if baseline != nil {
		base = baseline.Values()
		for n := range baseline.Metrics {
			names[n] = true
		}
	}
	for n := range names {
		cv, cok := cur[n]
		bv, bok := base[n]
		if !cok || !bok {
			out[n] = nil
			continue
		}
		d := cv - bv
		out[n] = &d
	}
	return out
}

func sortItems(items []eval.RegressionItem) {
	sort.Slice(items, func(i, j int) bool { return items[i].TestCaseID < items[j].TestCaseID })
}
