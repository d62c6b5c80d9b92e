package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
	"github.com/giantswarm/llm-evalgate/internal/testutil"
)

type suiteSource map[string]*testsuite.TestSuite

func (s suiteSource) GetSuite(_ context.Context, ref testsuite.SuiteRef) (*testsuite.TestSuite, error) {
	suite, ok := s[ref.ID]
	if !ok {
		return nil, fmt.Errorf("test suite %q not found", ref.ID)
	}
	if ref.Version != 0 && ref.Version != suite.Version {
		return nil, testsuite.ErrVersionMismatch
	}
	return suite, nil
}

func (s suiteSource) ListSuites(context.Context) ([]*testsuite.TestSuite, error) {
	out := make([]*testsuite.TestSuite, 0, len(s))
	for _, suite := range s {
		out = append(out, suite)
	}
	return out, nil
}

// answerScorer scores faithfulness from a fixed answer -> score table.
type answerScorer map[string]float64

func (answerScorer) Name() string      { return "answer_table" }
func (answerScorer) Metrics() []string { return []string{"faithfulness"} }

func (s answerScorer) Score(_ context.Context, _ testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	v, ok := s[out.Answer]
	if !ok {
		return map[string]*float64{"faithfulness": nil}, nil
	}
	return map[string]*float64{"faithfulness": &v}, nil
}

type fixture struct {
	coord    *Coordinator
	store    *store.MemStore
	adapters map[string]*testutil.ScriptedAdapter
	live     *LiveThresholds
}

func newFixture(t *testing.T, suites suiteSource, scores answerScorer, cfg Config, st store.Store) *fixture {
	t.Helper()
	f := &fixture{
		adapters: map[string]*testutil.ScriptedAdapter{},
		live: NewLiveThresholds(map[string]float64{
			"faithfulness":      0.7,
			eval.PassRateMetric: 0.8,
		}),
	}
	if st == nil {
		f.store = store.NewMemStore()
		st = f.store
	}

	adapters := adapter.NewRegistry()
	adapters.Register("scripted", func(cfg adapter.Config) (adapter.Adapter, error) {
		a, ok := f.adapters[cfg.String("variant", "default")]
		if !ok {
			return nil, fmt.Errorf("no scripted variant %q", cfg.String("variant", "default"))
		}
		return a, nil
	})

	scorers := scorer.NewRegistry()
	scorers.Register(scores)

	f.coord = New(st, suites, adapters, scorers, WithConfig(cfg), WithThresholds(f.live))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.coord.Shutdown(ctx)
	})
	return f
}

func (f *fixture) runToEnd(t *testing.T, req CreateRunRequest) *eval.Run {
	t.Helper()
	run, err := f.coord.CreateRun(context.Background(), req)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done, err := f.coord.Wait(ctx, run.ID)
	require.NoError(t, err)
	return done
}

func twoCaseSuite() *testsuite.TestSuite {
	return &testsuite.TestSuite{
		ID:         "qa",
		Version:    3,
		SystemType: testsuite.SystemRAG,
		Adapter:    "scripted",
		Metrics:    []string{"faithfulness"},
		Cases: []testsuite.TestCase{
			{ID: "case-1", Query: "q1", Rules: rules.List{rules.MustContain{Value: "Paris"}}},
			{ID: "case-2", Query: "q2"},
		},
	}
}

func TestRunIsGateBlocked(t *testing.T) {
	f := newFixture(t, suiteSource{"qa": twoCaseSuite()},
		answerScorer{"Paris": 0.9, "unsure": 0.3}, Config{}, nil)
	f.adapters["default"] = &testutil.ScriptedAdapter{Replies: map[string]testutil.Reply{
		"q1": {Answer: "Paris"},
		"q2": {Answer: "unsure"},
	}}

	run := f.runToEnd(t, CreateRunRequest{Suite: testsuite.SuiteRef{ID: "qa"}, TriggeredBy: "test"})

	assert.Equal(t, eval.StatusGateBlocked, run.Status)
	assert.Equal(t, 3, run.Suite.Version, "version pinned at creation")
	require.NotNil(t, run.Summary)
	assert.Equal(t, 2, run.Summary.TotalCases)
	assert.Equal(t, 1, run.Summary.PassedCases)
	assert.Equal(t, 0.5, run.Summary.PassRate)
	assert.InDelta(t, 0.6, *run.Summary.Metrics["faithfulness"], 1e-9)
	require.NotNil(t, run.OverallPassed)
	assert.False(t, *run.OverallPassed)
	require.Len(t, run.GateFailures, 2)
	assert.Equal(t, "faithfulness", run.GateFailures[0].Metric)
	assert.Equal(t, eval.PassRateMetric, run.GateFailures[1].Metric)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.CompletedAt)

	results, err := f.coord.ListResults(context.Background(), run.ID, ResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Passed)
	require.NotNil(t, results[0].RulesPassed)
	assert.True(t, *results[0].RulesPassed)
	assert.False(t, results[1].Passed)
	assert.Nil(t, results[1].RulesPassed)

	failed := false
	onlyFailed, err := f.coord.ListResults(context.Background(), run.ID, ResultFilter{Passed: &failed})
	require.NoError(t, err)
	require.Len(t, onlyFailed, 1)
	assert.Equal(t, "case-2", onlyFailed[0].TestCaseID)

	trend, err := f.coord.Trends(context.Background(), "qa", eval.PassRateMetric, 7)
	require.NoError(t, err)
	require.Len(t, trend, 1)
	assert.Equal(t, 0.5, trend[0].Value)
	assert.Equal(t, run.ID, trend[0].RunID)
}

func TestThresholdSnapshotIsWriteOnce(t *testing.T) {
	f := newFixture(t, suiteSource{"qa": twoCaseSuite()},
		answerScorer{"Paris": 0.9}, Config{}, nil)
	f.adapters["default"] = &testutil.ScriptedAdapter{Default: testutil.Reply{Answer: "Paris"}}

	run := f.runToEnd(t, CreateRunRequest{
		Suite:              testsuite.SuiteRef{ID: "qa"},
		ThresholdOverrides: map[string]float64{eval.PassRateMetric: 0.5},
	})
	f.live.Set(map[string]float64{"faithfulness": 0.99, eval.PassRateMetric: 1})

	stored, err := f.coord.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"faithfulness": 0.7, eval.PassRateMetric: 0.5}, stored.ThresholdSnapshot)
	assert.Equal(t, eval.StatusCompleted, stored.Status)

	next := f.runToEnd(t, CreateRunRequest{Suite: testsuite.SuiteRef{ID: "qa"}})
	assert.Equal(t, 0.99, next.ThresholdSnapshot["faithfulness"])
}

func TestCreateRunValidation(t *testing.T) {
	f := newFixture(t, suiteSource{}, answerScorer{}, Config{}, nil)

	_, err := f.coord.CreateRun(context.Background(), CreateRunRequest{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.coord.CreateRun(context.Background(), CreateRunRequest{
		Suite:              testsuite.SuiteRef{ID: "qa"},
		ThresholdOverrides: map[string]float64{"faithfulness": 1.5},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAdapterTimeoutDoesNotStopTheRun(t *testing.T) {
	suite := &testsuite.TestSuite{ID: "five", Version: 1, Adapter: "scripted", Metrics: []string{"answer_table"}}
	for i := 1; i <= 5; i++ {
		suite.Cases = append(suite.Cases, testsuite.TestCase{ID: fmt.Sprintf("case-%d", i), Query: fmt.Sprintf("q%d", i)})
	}
	f := newFixture(t, suiteSource{"five": suite}, answerScorer{"ok": 1},
		Config{Workers: 2, CaseTimeout: 50 * time.Millisecond}, nil)
	f.adapters["default"] = &testutil.ScriptedAdapter{
		Default: testutil.Reply{Answer: "ok"},
		Replies: map[string]testutil.Reply{"q3": {Block: true}},
	}

	run := f.runToEnd(t, CreateRunRequest{Suite: testsuite.SuiteRef{ID: "five"}})

	assert.Contains(t, []eval.RunStatus{eval.StatusCompleted, eval.StatusGateBlocked}, run.Status)
	assert.Equal(t, 5, run.Summary.TotalCases)
	assert.Equal(t, 4, run.Summary.PassedCases)

	results, err := f.coord.ListResults(context.Background(), run.ID, ResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 5)
	third := results[2]
	assert.Equal(t, "case-3", third.TestCaseID)
	assert.False(t, third.Passed)
	require.NotNil(t, third.FailureReason)
	assert.Contains(t, *third.FailureReason, "timed out")
	assert.Nil(t, third.Scores["faithfulness"])
	assert.Contains(t, third.Scores, "faithfulness")
}

func TestRegressionAgainstBaseline(t *testing.T) {
	suite := twoCaseSuite()
	suite.Cases[0].Rules = nil
	f := newFixture(t, suiteSource{"qa": suite},
		answerScorer{"good-1": 0.9, "good-2": 0.8, "bad-1": 0.4}, Config{}, nil)
	f.adapters["good"] = &testutil.ScriptedAdapter{Replies: map[string]testutil.Reply{
		"q1": {Answer: "good-1"}, "q2": {Answer: "good-2"},
	}}
	f.adapters["worse"] = &testutil.ScriptedAdapter{Replies: map[string]testutil.Reply{
		"q1": {Answer: "bad-1"}, "q2": {Answer: "good-2"},
	}}
	lenient := map[string]float64{"faithfulness": 0.5, eval.PassRateMetric: 0.5}

	baseline := f.runToEnd(t, CreateRunRequest{
		Suite:              testsuite.SuiteRef{ID: "qa"},
		PipelineConfig:     map[string]any{"variant": "good"},
		ThresholdOverrides: lenient,
	})
	require.Equal(t, eval.StatusCompleted, baseline.Status)

	current := f.runToEnd(t, CreateRunRequest{
		Suite:              testsuite.SuiteRef{ID: "qa"},
		PipelineConfig:     map[string]any{"variant": "worse"},
		ThresholdOverrides: lenient,
	})
	require.Equal(t, eval.StatusCompleted, current.Status)

	diff, err := f.coord.GetDiff(context.Background(), current.ID)
	require.NoError(t, err)
	require.NotNil(t, diff.BaselineRunID)
	assert.Equal(t, baseline.ID, *diff.BaselineRunID)
	require.NotNil(t, diff.MetricDeltas["faithfulness"])
	assert.InDelta(t, -0.25, *diff.MetricDeltas["faithfulness"], 1e-9)
	require.Len(t, diff.Regressions, 1)
	assert.Equal(t, "case-1", diff.Regressions[0].TestCaseID)
	assert.Empty(t, diff.Improvements)
	assert.False(t, diff.GateBlocked)

	first, err := f.coord.GetDiff(context.Background(), baseline.ID)
	require.NoError(t, err)
	require.NotNil(t, first.BaselineRunID, "a later completed run is still a baseline candidate")
}

func TestUnresolvableRunFails(t *testing.T) {
	tests := []struct {
		name    string
		suite   *testsuite.TestSuite
		ref     testsuite.SuiteRef
		errPart string
	}{
		{
			name:    "unknown suite",
			ref:     testsuite.SuiteRef{ID: "missing"},
			errPart: "resolve suite",
		},
		{
			name:    "unknown adapter",
			suite:   &testsuite.TestSuite{ID: "qa", Version: 1, Adapter: "nope", Metrics: []string{"answer_table"}, Cases: []testsuite.TestCase{{ID: "a", Query: "q"}}},
			ref:     testsuite.SuiteRef{ID: "qa"},
			errPart: "unknown adapter: nope",
		},
		{
			name:    "unknown metric",
			suite:   &testsuite.TestSuite{ID: "qa", Version: 1, Adapter: "scripted", Metrics: []string{"bleurt"}, Cases: []testsuite.TestCase{{ID: "a", Query: "q"}}},
			ref:     testsuite.SuiteRef{ID: "qa"},
			errPart: "bleurt",
		},
		{
			name:    "pinned version gone",
			suite:   &testsuite.TestSuite{ID: "qa", Version: 2, Adapter: "scripted", Metrics: []string{"answer_table"}},
			ref:     testsuite.SuiteRef{ID: "qa", Version: 1},
			errPart: "version mismatch",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			suites := suiteSource{}
			if tt.suite != nil {
				suites[tt.suite.ID] = tt.suite
			}
			f := newFixture(t, suites, answerScorer{}, Config{}, nil)
			f.adapters["default"] = &testutil.ScriptedAdapter{}

			run := f.runToEnd(t, CreateRunRequest{Suite: tt.ref})
			assert.Equal(t, eval.StatusFailed, run.Status)
			assert.Contains(t, run.Error, tt.errPart)
			assert.Nil(t, run.Summary)

			results, err := f.coord.ListResults(context.Background(), run.ID, ResultFilter{})
			require.NoError(t, err)
			assert.Empty(t, results)

			_, err = f.coord.GetDiff(context.Background(), run.ID)
			assert.ErrorIs(t, err, ErrNotFinished)
		})
	}
}

func TestCancelRun(t *testing.T) {
	suite := &testsuite.TestSuite{
		ID: "slow", Version: 1, Adapter: "scripted", Metrics: []string{"answer_table"},
		Cases: []testsuite.TestCase{
			{ID: "a-fast", Query: "fast"},
			{ID: "b-stuck", Query: "stuck"},
		},
	}
	f := newFixture(t, suiteSource{"slow": suite}, answerScorer{"done": 1}, Config{Workers: 2}, nil)
	stuck := &testutil.ScriptedAdapter{Replies: map[string]testutil.Reply{
		"fast":  {Answer: "done"},
		"stuck": {Block: true},
	}}
	f.adapters["default"] = stuck

	run, err := f.coord.CreateRun(context.Background(), CreateRunRequest{Suite: testsuite.SuiteRef{ID: "slow"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		results, _ := f.store.ListResults(context.Background(), run.ID)
		return len(results) == 1
	}, 5*time.Second, 5*time.Millisecond)

	cancelled, err := f.coord.CancelRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.StatusCancelled, cancelled.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	final, err := f.coord.Wait(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.StatusCancelled, final.Status)
	assert.Nil(t, final.Summary)
	assert.Nil(t, final.OverallPassed)

	results, err := f.coord.ListResults(context.Background(), run.ID, ResultFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a-fast", results[0].TestCaseID)

	_, err = f.coord.CancelRun(context.Background(), run.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	history, err := f.coord.Trends(context.Background(), "slow", eval.PassRateMetric, 1)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCancelUnknownRun(t *testing.T) {
	f := newFixture(t, suiteSource{}, answerScorer{}, Config{}, nil)
	_, err := f.coord.CancelRun(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// flakyStore fails every case result insert.
type flakyStore struct {
	*store.MemStore
}

func (flakyStore) InsertCaseResult(context.Context, *eval.CaseResult) error {
	return errors.New("disk full")
}

func TestStorageExhaustionFailsRun(t *testing.T) {
	mem := store.NewMemStore()
	f := newFixture(t, suiteSource{"qa": twoCaseSuite()}, answerScorer{"Paris": 1},
		Config{Retry: store.RetryPolicy{MaxTries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}},
		flakyStore{mem})
	f.adapters["default"] = &testutil.ScriptedAdapter{Default: testutil.Reply{Answer: "Paris"}}

	run := f.runToEnd(t, CreateRunRequest{Suite: testsuite.SuiteRef{ID: "qa"}})
	assert.Equal(t, eval.StatusFailed, run.Status)
	assert.Contains(t, run.Error, "disk full")
	assert.Nil(t, run.Summary)
}

// unreadableStore fails the first failures run lookups.
type unreadableStore struct {
	*store.MemStore
	failures int32
	calls    atomic.Int32
}

func (s *unreadableStore) GetRun(ctx context.Context, id string) (*eval.Run, error) {
	if s.calls.Add(1) <= s.failures {
		return nil, errors.New("connection reset")
	}
	return s.MemStore.GetRun(ctx, id)
}

func TestRunLookupIsRetried(t *testing.T) {
	retry := store.RetryPolicy{MaxTries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}

	tests := []struct {
		name       string
		failures   int32
		wantStatus eval.RunStatus
		wantError  string
	}{
		{
			name:       "transient failure recovers",
			failures:   2,
			wantStatus: eval.StatusCompleted,
		},
		{
			name:       "exhausted retries fail the run",
			failures:   3,
			wantStatus: eval.StatusFailed,
			wantError:  "load run: connection reset",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := &unreadableStore{MemStore: store.NewMemStore(), failures: tt.failures}
			f := newFixture(t, suiteSource{"qa": twoCaseSuite()}, answerScorer{"Paris": 1}, Config{Retry: retry}, st)
			f.adapters["default"] = &testutil.ScriptedAdapter{Default: testutil.Reply{Answer: "Paris"}}

			run := f.runToEnd(t, CreateRunRequest{Suite: testsuite.SuiteRef{ID: "qa"}})
			assert.Equal(t, tt.wantStatus, run.Status)
			assert.Equal(t, testsuite.SuiteRef{ID: "qa", Version: 3}, run.Suite)
			if tt.wantError != "" {
				assert.Contains(t, run.Error, tt.wantError)
				assert.NotNil(t, run.CompletedAt)
			}
		})
	}
}

func TestExecuteDoesNotRestartFinishedRun(t *testing.T) {
	f := newFixture(t, suiteSource{"qa": twoCaseSuite()}, answerScorer{"Paris": 1}, Config{}, nil)
	f.adapters["default"] = &testutil.ScriptedAdapter{Default: testutil.Reply{Answer: "Paris"}}

	run := f.runToEnd(t, CreateRunRequest{Suite: testsuite.SuiteRef{ID: "qa"}})
	require.Equal(t, eval.StatusCompleted, run.Status)

	// A finished run cannot be started again.
	require.NoError(t, f.coord.Execute(context.Background(), run.ID))
	again, err := f.coord.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, eval.StatusCompleted, again.Status)
	assert.Equal(t, run.CompletedAt, again.CompletedAt)
}
