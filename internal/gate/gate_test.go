package gate

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

func f(v float64) *float64 { return &v }

// sub subtracts at run time so expectations match float64 rounding.
func sub(a, b float64) float64 { return a - b }

func result(passed bool, scores map[string]*float64) *eval.CaseResult {
	return &eval.CaseResult{Passed: passed, Scores: scores}
}

func TestAggregateTwoCaseSuite(t *testing.T) {
	results := []*eval.CaseResult{
		result(true, map[string]*float64{"faithfulness": f(0.9)}),
		result(false, map[string]*float64{"faithfulness": f(0.3)}),
	}
	s := Aggregate(results)

	assert.Equal(t, 2, s.TotalCases)
	assert.Equal(t, 1, s.PassedCases)
	assert.Equal(t, 1, s.FailedCases)
	assert.Equal(t, 0.5, s.PassRate)
	require.NotNil(t, s.Metrics["faithfulness"])
	assert.InDelta(t, 0.6, *s.Metrics["faithfulness"], 1e-9)
}

func TestAggregateEmpty(t *testing.T) {
	s := Aggregate(nil)
	assert.Equal(t, 0, s.TotalCases)
	assert.Equal(t, 0.0, s.PassRate)
	assert.Empty(t, s.Metrics)
}

func TestAggregateNullMetrics(t *testing.T) {
	s := Aggregate([]*eval.CaseResult{
		result(true, map[string]*float64{"a": nil, "b": f(0.5)}),
		result(true, map[string]*float64{"a": nil, "b": nil}),
	})
	v, ok := s.Metrics["a"]
	assert.True(t, ok)
	assert.Nil(t, v)
	assert.Equal(t, 0.5, *s.Metrics["b"])
}

func TestAggregateIsOrderIndependent(t *testing.T) {
	var results []*eval.CaseResult
	for i := 0; i < 50; i++ {
		v := float64(i%7)/7 + 1e-12*float64(i)
		results = append(results, result(i%3 != 0, map[string]*float64{"m": f(v)}))
	}
	want := Aggregate(results)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 10; i++ {
		shuffled := append([]*eval.CaseResult(nil), results...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		got := Aggregate(shuffled)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("aggregate differs after shuffle (-want +got):\n%s", diff)
		}
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		summary  eval.SummaryMetrics
		snapshot map[string]float64
		want     Decision
	}{
		{
			name:     "pass rate below snapshot",
			summary:  eval.SummaryMetrics{PassRate: 0.5},
			snapshot: map[string]float64{"pass_rate": 0.8},
			want: Decision{Status: eval.StatusGateBlocked, Failures: []eval.GateFailure{
				{Metric: "pass_rate", Actual: 0.5, Threshold: 0.8, Delta: sub(0.5, 0.8)},
			}},
		},
		{
			name:     "metric below threshold",
			summary:  eval.SummaryMetrics{PassRate: 1, Metrics: map[string]*float64{"faithfulness": f(0.6), "answer_relevancy": f(0.9)}},
			snapshot: DefaultThresholds(),
			want: Decision{Status: eval.StatusGateBlocked, Failures: []eval.GateFailure{
				{Metric: "faithfulness", Actual: 0.6, Threshold: 0.7, Delta: sub(0.6, 0.7)},
			}},
		},
		{
			name:     "metric missing from summary is ignored",
			summary:  eval.SummaryMetrics{PassRate: 0.9, Metrics: map[string]*float64{"context_recall": nil}},
			snapshot: DefaultThresholds(),
			want:     Decision{Passed: true, Status: eval.StatusCompleted},
		},
		{
			name:     "metric without threshold is ignored",
			summary:  eval.SummaryMetrics{PassRate: 1, Metrics: map[string]*float64{"bleu": f(0.1)}},
			snapshot: map[string]float64{"pass_rate": 0.8},
			want:     Decision{Passed: true, Status: eval.StatusCompleted},
		},
		{
			name:     "at threshold passes",
			summary:  eval.SummaryMetrics{PassRate: 0.8, Metrics: map[string]*float64{"faithfulness": f(0.7)}},
			snapshot: DefaultThresholds(),
			want:     Decision{Passed: true, Status: eval.StatusCompleted},
		},
		{
			name:     "empty snapshot",
			summary:  eval.SummaryMetrics{},
			snapshot: nil,
			want:     Decision{Passed: true, Status: eval.StatusCompleted},
		},
		{
			name:     "failures sorted",
			summary:  eval.SummaryMetrics{PassRate: 0, Metrics: map[string]*float64{"faithfulness": f(0), "answer_relevancy": f(0)}},
			snapshot: map[string]float64{"pass_rate": 0.5, "faithfulness": 0.5, "answer_relevancy": 0.5},
			want: Decision{Status: eval.StatusGateBlocked, Failures: []eval.GateFailure{
				{Metric: "answer_relevancy", Actual: 0, Threshold: 0.5, Delta: -0.5},
				{Metric: "faithfulness", Actual: 0, Threshold: 0.5, Delta: -0.5},
				{Metric: "pass_rate", Actual: 0, Threshold: 0.5, Delta: -0.5},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.summary, tt.snapshot))
		})
	}
}

func TestDefaultThresholdsAreCopies(t *testing.T) {
	a := DefaultThresholds()
	a["pass_rate"] = 0
	assert.Equal(t, 0.8, DefaultThresholds()["pass_rate"])
}
