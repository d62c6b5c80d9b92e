// Package eval holds the records produced by an evaluation run.
package eval

import (
	"sort"
	"time"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// PassRateMetric is the synthetic metric name used for a run's pass rate
// in thresholds, history and diffs.
const PassRateMetric = "pass_rate"

// MinPassingScore is the mean score a case needs to pass.
const MinPassingScore = 0.5

// Run is one execution of a suite against a pipeline configuration.
type Run struct {
	ID                string             `json:"id"`
	Suite             testsuite.SuiteRef `json:"suite"`
	Status            RunStatus          `json:"status"`
	ThresholdSnapshot map[string]float64 `json:"threshold_snapshot"`
	PipelineConfig    map[string]any     `json:"pipeline_config,omitempty"`
	Summary           *SummaryMetrics    `json:"summary,omitempty"`
	OverallPassed     *bool              `json:"overall_passed"`
	GateFailures      []GateFailure      `json:"gate_failures,omitempty"`
	Error             string             `json:"error,omitempty"`

	PipelineVersion string `json:"pipeline_version,omitempty"`
	GitCommitSHA    string `json:"git_commit_sha,omitempty"`
	GitBranch       string `json:"git_branch,omitempty"`
	TriggeredBy     string `json:"triggered_by,omitempty"`
	Notes           string `json:"notes,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// GateFailure describes one threshold a run missed.
type GateFailure struct {
	Metric    string  `json:"metric"`
	Actual    float64 `json:"actual"`
	Threshold float64 `json:"threshold"`
	Delta     float64 `json:"delta"`
}

// CaseResult is the outcome of one test case within a run. It is written
// once and never updated.
type CaseResult struct {
	ID                string              `json:"id"`
	RunID             string              `json:"run_id"`
	TestCaseID        string              `json:"test_case_id"`
	Query             string              `json:"query,omitempty"`
	Scores            map[string]*float64 `json:"scores"`
	RulesPassed       *bool               `json:"rules_passed"`
	RulesDetail       []rules.Outcome     `json:"rules_detail,omitempty"`
	Passed            bool                `json:"passed"`
	FailureReason     *string             `json:"failure_reason"`
	RawOutput         string              `json:"raw_output,omitempty"`
	RetrievedContexts []string            `json:"retrieved_contexts,omitempty"`
	ToolCalls         []adapter.ToolCall  `json:"tool_calls,omitempty"`
	DurationMs        int64               `json:"duration_ms"`
	EvaluatedAt       time.Time           `json:"evaluated_at"`
}

// AddFailure appends reason to the result's failure reason.
func (r *CaseResult) AddFailure(reason string) {
	if r.FailureReason == nil || *r.FailureReason == "" {
		r.FailureReason = &reason
		return
	}
	joined := *r.FailureReason + "; " + reason
	r.FailureReason = &joined
}

// MeanScore averages the non-null scores. ok is false when there are none.
func MeanScore(scores map[string]*float64) (mean float64, ok bool) {
	values := NonNull(scores)
	if len(values) == 0 {
		return 0, false
	}
	return SortedSum(values) / float64(len(values)), true
}

// CompositePassed applies the case pass law: the mean of the available
// scores is at least MinPassingScore (vacuously true without scores) and
// no rule failed.
func CompositePassed(scores map[string]*float64, rulesPassed *bool) bool {
	if rulesPassed != nil && !*rulesPassed {
		return false
	}
	mean, ok := MeanScore(scores)
	return !ok || mean >= MinPassingScore
}

// NonNull returns the present values of scores.
func NonNull(scores map[string]*float64) []float64 {
	out := make([]float64, 0, len(scores))
	for _, v := range scores {
		if v != nil {
			out = append(out, *v)
		}
	}
	return out
}

// SortedSum sums values in ascending order so the result does not depend
// on the order they were collected in. values is sorted in place.
func SortedSum(values []float64) float64 {
	sort.Float64s(values)
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum
}

// SummaryMetrics aggregates the case results of a run.
type SummaryMetrics struct {
	TotalCases  int                 `json:"total_cases"`
	PassedCases int                 `json:"passed_cases"`
	FailedCases int                 `json:"failed_cases"`
	PassRate    float64             `json:"pass_rate"`
	Metrics     map[string]*float64 `json:"metrics"`
}

// Values returns the non-null summary metrics plus pass_rate.
func (s *SummaryMetrics) Values() map[string]float64 {
	out := map[string]float64{PassRateMetric: s.PassRate}
	for name, v := range s.Metrics {
		if v != nil {
			out[name] = *v
		}
	}
	return out
}

// MetricHistoryEntry is one append-only metric observation.
type MetricHistoryEntry struct {
	ID              string    `json:"id"`
	SuiteID         string    `json:"suite_id"`
	MetricName      string    `json:"metric_name"`
	Value           float64   `json:"value"`
	RecordedAt      time.Time `json:"recorded_at"`
	RunID           string    `json:"run_id"`
	PipelineVersion string    `json:"pipeline_version,omitempty"`
	GitCommitSHA    string    `json:"git_commit_sha,omitempty"`
}

// RegressionItem compares one test case between a run and its baseline.
type RegressionItem struct {
	TestCaseID     string              `json:"test_case_id"`
	Query          string              `json:"query,omitempty"`
	FailureReason  *string             `json:"failure_reason,omitempty"`
	CurrentScores  map[string]*float64 `json:"current_scores"`
	BaselineScores map[string]*float64 `json:"baseline_scores"`
	Deltas         map[string]float64  `json:"deltas"`
	CurrentPassed  bool                `json:"current_passed"`
	BaselinePassed bool                `json:"baseline_passed"`
}

// RegressionDiff is the comparison of a run against its baseline.
type RegressionDiff struct {
	RunID         string              `json:"run_id"`
	SuiteID       string              `json:"suite_id"`
	BaselineRunID *string             `json:"baseline_run_id"`
	Regressions   []RegressionItem    `json:"regressions"`
	Improvements  []RegressionItem    `json:"improvements"`
	MetricDeltas  map[string]*float64 `json:"metric_deltas"`
	GateBlocked   bool                `json:"gate_blocked"`
}
