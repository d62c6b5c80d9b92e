package runner

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

func f(v float64) *float64 { return &v }

type fakeScorer struct {
	name    string
	metrics []string
	scores  map[string]*float64
	err     error
	panics  bool
}

func (s *fakeScorer) Name() string      { return s.name }
func (s *fakeScorer) Metrics() []string { return s.metrics }

func (s *fakeScorer) Score(context.Context, testsuite.TestCase, *adapter.CaseOutput) (map[string]*float64, error) {
	if s.panics {
		panic("scorer exploded")
	}
	return s.scores, s.err
}

func answering(text string) adapter.Adapter {
	return adapter.Func(func(context.Context, string, map[string]any) (*adapter.CaseOutput, error) {
		return &adapter.CaseOutput{Answer: text}, nil
	})
}

func TestEvaluatePasses(t *testing.T) {
	sc := &fakeScorer{name: "s", metrics: []string{"a", "b"}, scores: map[string]*float64{"a": f(0.9), "b": f(0.7)}}
	ev := NewEvaluator("run-1", answering("Paris"), []scorer.MetricScorer{sc}, nil)

	res, err := ev.Evaluate(context.Background(), testsuite.TestCase{
		ID: "c1", Query: "capital?",
		Rules: rules.List{rules.MustContain{Value: "Paris"}},
	})
	require.NoError(t, err)

	assert.Equal(t, "run-1", res.RunID)
	assert.Equal(t, "c1", res.TestCaseID)
	assert.NotEmpty(t, res.ID)
	assert.True(t, res.Passed)
	assert.Nil(t, res.FailureReason)
	require.NotNil(t, res.RulesPassed)
	assert.True(t, *res.RulesPassed)
	assert.Len(t, res.RulesDetail, 1)
	assert.Equal(t, "Paris", res.RawOutput)
	assert.False(t, res.EvaluatedAt.IsZero())
}

func TestEvaluateCompositeLaw(t *testing.T) {
	tests := []struct {
		name       string
		scores     map[string]*float64
		caseRules  rules.List
		wantPassed bool
		wantReason string
	}{
		{"low mean", map[string]*float64{"a": f(0.4), "b": f(0.5)}, nil, false, "mean score 0.450 below 0.5"},
		{"null scores ignored", map[string]*float64{"a": f(0.6), "b": nil}, nil, true, ""},
		{"all null vacuous", map[string]*float64{"a": nil, "b": nil}, nil, true, ""},
		{"rule failure", map[string]*float64{"a": f(1), "b": f(1)}, rules.List{rules.MustContain{Value: "Berlin"}}, false, "rule must_contain: missing required substring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &fakeScorer{name: "s", metrics: []string{"a", "b"}, scores: tt.scores}
			ev := NewEvaluator("r", answering("Paris"), []scorer.MetricScorer{sc}, nil)

			res, err := ev.Evaluate(context.Background(), testsuite.TestCase{ID: "c", Rules: tt.caseRules})
			require.NoError(t, err)
			assert.Equal(t, tt.wantPassed, res.Passed)
			if tt.wantReason == "" {
				assert.Nil(t, res.FailureReason)
			} else {
				require.NotNil(t, res.FailureReason)
				assert.Equal(t, tt.wantReason, *res.FailureReason)
			}
		})
	}
}

func TestEvaluateAdapterFailures(t *testing.T) {
	tests := []struct {
		name    string
		adapter adapter.Adapter
		timeout time.Duration
		reason  string
	}{
		{
			name: "error",
			adapter: adapter.Func(func(context.Context, string, map[string]any) (*adapter.CaseOutput, error) {
				return nil, errors.New("connection refused")
			}),
			reason: "adapter: connection refused",
		},
		{
			name: "nil output",
			adapter: adapter.Func(func(context.Context, string, map[string]any) (*adapter.CaseOutput, error) {
				return nil, nil
			}),
			reason: "adapter: adapter returned no output",
		},
		{
			name: "panic",
			adapter: adapter.Func(func(context.Context, string, map[string]any) (*adapter.CaseOutput, error) {
				panic("boom")
			}),
			reason: "adapter: panic: boom",
		},
		{
			name: "timeout",
			adapter: adapter.Func(func(ctx context.Context, _ string, _ map[string]any) (*adapter.CaseOutput, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			}),
			timeout: 20 * time.Millisecond,
			reason:  "adapter: timed out after 20ms",
		},
		{
			name: "timeout ignoring context",
			adapter: adapter.Func(func(context.Context, string, map[string]any) (*adapter.CaseOutput, error) {
				time.Sleep(500 * time.Millisecond)
				return &adapter.CaseOutput{Answer: "late"}, nil
			}),
			timeout: 20 * time.Millisecond,
			reason:  "adapter: timed out after 20ms",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &fakeScorer{name: "s", metrics: []string{"a"}, scores: map[string]*float64{"a": f(1)}}
			ev := NewEvaluator("r", tt.adapter, []scorer.MetricScorer{sc}, nil, WithCaseTimeout(tt.timeout))

			start := time.Now()
			res, err := ev.Evaluate(context.Background(), testsuite.TestCase{
				ID:    "c",
				Rules: rules.List{rules.MustRefuse{}},
			})
			require.NoError(t, err)
			assert.Less(t, time.Since(start), 400*time.Millisecond)

			assert.False(t, res.Passed)
			require.NotNil(t, res.FailureReason)
			assert.Contains(t, *res.FailureReason, tt.reason)
			assert.Equal(t, map[string]*float64{"a": nil}, res.Scores)
			assert.Nil(t, res.RulesPassed)
			assert.Empty(t, res.RulesDetail)
		})
	}
}

func TestEvaluateScorerFailures(t *testing.T) {
	good := &fakeScorer{name: "good", metrics: []string{"g"}, scores: map[string]*float64{"g": f(1)}}
	failing := &fakeScorer{name: "bad", metrics: []string{"b1", "b2"}, err: errors.New("judge unavailable")}
	exploding := &fakeScorer{name: "boom", metrics: []string{"x"}, panics: true}

	ev := NewEvaluator("r", answering("ok"), []scorer.MetricScorer{good, failing, exploding}, nil)
	res, err := ev.Evaluate(context.Background(), testsuite.TestCase{ID: "c"})
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.Equal(t, f(1), res.Scores["g"])
	for _, m := range []string{"b1", "b2", "x"} {
		v, ok := res.Scores[m]
		assert.True(t, ok, m)
		assert.Nil(t, v, m)
	}
	require.NotNil(t, res.FailureReason)
	assert.Contains(t, *res.FailureReason, "scorer bad: judge unavailable")
	assert.Contains(t, *res.FailureReason, "scorer boom: panic: scorer exploded")
}

func TestEvaluateNonFiniteScores(t *testing.T) {
	tests := []struct {
		name   string
		scores map[string]*float64
		want   map[string]*float64
	}{
		{
			name:   "NaN reported as unavailable",
			scores: map[string]*float64{"a": f(math.NaN()), "b": f(0.9)},
			want:   map[string]*float64{"a": nil, "b": f(0.9)},
		},
		{
			name:   "infinity reported as unavailable",
			scores: map[string]*float64{"a": f(math.Inf(1)), "b": f(0.9)},
			want:   map[string]*float64{"a": nil, "b": f(0.9)},
		},
		{
			name:   "negative infinity reported as unavailable",
			scores: map[string]*float64{"a": f(math.Inf(-1)), "b": f(0.9)},
			want:   map[string]*float64{"a": nil, "b": f(0.9)},
		},
		{
			name:   "finite values above one kept",
			scores: map[string]*float64{"a": f(1.2), "b": f(0.9)},
			want:   map[string]*float64{"a": f(1.2), "b": f(0.9)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &fakeScorer{name: "s", metrics: []string{"a", "b"}, scores: tt.scores}
			ev := NewEvaluator("r", answering("ok"), []scorer.MetricScorer{sc}, nil)

			res, err := ev.Evaluate(context.Background(), testsuite.TestCase{ID: "c"})
			require.NoError(t, err)

			assert.Equal(t, tt.want, res.Scores)
			assert.True(t, res.Passed)
			assert.Nil(t, res.FailureReason)
		})
	}
}

func TestEvaluateRulesSeeScores(t *testing.T) {
	sc := &fakeScorer{name: "judge", metrics: []string{"faithfulness"}, scores: map[string]*float64{"faithfulness": f(0.6)}}
	ev := NewEvaluator("r", answering("x"), []scorer.MetricScorer{sc}, nil)

	res, err := ev.Evaluate(context.Background(), testsuite.TestCase{
		ID:    "c",
		Rules: rules.List{rules.MaxHallucinationRisk{Threshold: 0.7}},
	})
	require.NoError(t, err)
	require.NotNil(t, res.RulesPassed)
	assert.False(t, *res.RulesPassed)
	assert.False(t, res.Passed)
}

func TestEvaluateMergesInput(t *testing.T) {
	var seen map[string]any
	a := adapter.Func(func(_ context.Context, _ string, in map[string]any) (*adapter.CaseOutput, error) {
		seen = in
		return &adapter.CaseOutput{Answer: "ok"}, nil
	})
	ev := NewEvaluator("r", a, nil, nil, WithBaseInput(map[string]any{"system_message": "base", "k": "v"}))

	_, err := ev.Evaluate(context.Background(), testsuite.TestCase{ID: "c", Context: map[string]any{"system_message": "case"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"system_message": "case", "k": "v"}, seen)
}

func TestEvaluateParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := adapter.Func(func(c context.Context, _ string, _ map[string]any) (*adapter.CaseOutput, error) {
		cancel()
		<-c.Done()
		return nil, c.Err()
	})
	ev := NewEvaluator("r", a, nil, nil)

	res, err := ev.Evaluate(ctx, testsuite.TestCase{ID: "c"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)

	_, err = ev.Evaluate(ctx, testsuite.TestCase{ID: "c"})
	assert.ErrorIs(t, err, context.Canceled)
}
