// Package runner evaluates test cases against an adapter and fans them
// out over a bounded worker pool.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// DefaultCaseTimeout bounds one case when no timeout is configured.
const DefaultCaseTimeout = 2 * time.Minute

// Evaluator runs a single test case end to end: adapter call, metric
// scoring, rule checks and the composite pass decision. It is safe for
// concurrent use.
type Evaluator struct {
	runID       string
	adapter     adapter.Adapter
	scorers     []scorer.MetricScorer
	rules       *rules.Engine
	baseInput   map[string]any
	caseTimeout time.Duration
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithCaseTimeout sets the per-case deadline covering the adapter call
// and scoring.
func WithCaseTimeout(d time.Duration) Option {
	return func(e *Evaluator) {
		if d > 0 {
			e.caseTimeout = d
		}
	}
}

// WithBaseInput sets adapter input shared by every case, such as the
// suite's system message. Case context keys take precedence.
func WithBaseInput(in map[string]any) Option {
	return func(e *Evaluator) { e.baseInput = in }
}

// NewEvaluator creates an Evaluator for one run.
func NewEvaluator(runID string, a adapter.Adapter, scorers []scorer.MetricScorer, engine *rules.Engine, opts ...Option) *Evaluator {
	if engine == nil {
		engine = rules.NewEngine(nil)
	}
	e := &Evaluator{
		runID:       runID,
		adapter:     a,
		scorers:     scorers,
		rules:       engine,
		caseTimeout: DefaultCaseTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate produces the CaseResult for tc. Failures of the system under
// test, of scorers and of rules are recorded in the result. The error is
// non-nil only when ctx was cancelled before the case finished; the
// partial result is then discarded.
func (e *Evaluator) Evaluate(ctx context.Context, tc testsuite.TestCase) (*eval.CaseResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	result := &eval.CaseResult{
		ID:         uuid.NewString(),
		RunID:      e.runID,
		TestCaseID: tc.ID,
		Query:      tc.Query,
		Scores:     e.nullScores(),
	}
	finish := func() *eval.CaseResult {
		result.DurationMs = time.Since(start).Milliseconds()
		result.EvaluatedAt = time.Now().UTC()
		return result
	}

	caseCtx, cancel := context.WithTimeout(ctx, e.caseTimeout)
	defer cancel()

	out, err := e.runAdapter(caseCtx, tc)
	latency := time.Since(start)
	if err == nil && out == nil {
		err = errors.New("adapter returned no output")
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("timed out after %s: %w", e.caseTimeout, err)
		}
		slog.Debug("adapter failed", "run_id", e.runID, "case_id", tc.ID, "error", err)
		result.Passed = false
		result.AddFailure("adapter: " + err.Error())
		return finish(), nil
	}

	result.RawOutput = out.Answer
	result.RetrievedContexts = out.RetrievedContexts
	result.ToolCalls = out.ToolCalls

	scorerFailed := false
	for _, s := range e.scorers {
		scores, err := e.runScorer(caseCtx, s, tc, out)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Debug("scorer failed", "run_id", e.runID, "case_id", tc.ID, "scorer", s.Name(), "error", err)
			scorerFailed = true
			result.AddFailure(fmt.Sprintf("scorer %s: %v", s.Name(), err))
			continue
		}
		for _, m := range s.Metrics() {
			result.Scores[m] = scores[m]
		}
	}

	passed, detail := e.rules.EvaluateAll(tc.Rules, rules.Input{
		Output:  out,
		Scores:  result.Scores,
		Latency: latency,
	})
	result.RulesPassed = passed
	result.RulesDetail = detail
	for _, o := range detail {
		if !o.Passed {
			result.AddFailure(fmt.Sprintf("rule %s: %s", o.Rule.Kind(), o.Reason))
		}
	}

	if mean, ok := eval.MeanScore(result.Scores); ok && mean < eval.MinPassingScore {
		result.AddFailure(fmt.Sprintf("mean score %.3f below %.1f", mean, eval.MinPassingScore))
	}
	result.Passed = !scorerFailed && eval.CompositePassed(result.Scores, passed)

	return finish(), nil
}

func (e *Evaluator) nullScores() map[string]*float64 {
	scores := map[string]*float64{}
	for _, s := range e.scorers {
		for _, m := range s.Metrics() {
			scores[m] = nil
		}
	}
	return scores
}

func (e *Evaluator) input(tc testsuite.TestCase) map[string]any {
	in := make(map[string]any, len(e.baseInput)+len(tc.Context))
	maps.Copy(in, e.baseInput)
	maps.Copy(in, tc.Context)
	return in
}

type adapterReply struct {
	out *adapter.CaseOutput
	err error
}

// runAdapter calls the adapter in its own goroutine so that an adapter
// ignoring ctx still cannot hold the case past its deadline.
func (e *Evaluator) runAdapter(ctx context.Context, tc testsuite.TestCase) (*adapter.CaseOutput, error) {
	reply := make(chan adapterReply, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				reply <- adapterReply{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		out, err := e.adapter.Run(ctx, tc.Query, e.input(tc))
		reply <- adapterReply{out: out, err: err}
	}()

	select {
	case r := <-reply:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (e *Evaluator) runScorer(ctx context.Context, s scorer.MetricScorer, tc testsuite.TestCase, out *adapter.CaseOutput) (scores map[string]*float64, err error) {
	defer func() {
		if p := recover(); p != nil {
			scores, err = nil, fmt.Errorf("panic: %v", p)
		}
	}()
	scores, err = s.Score(ctx, tc, out)
	if err != nil {
		return nil, err
	}
	return finiteScores(scores), nil
}

// finiteScores copies scores with NaN and infinite values reported as
// unavailable. Finite values are kept as the scorer reported them.
func finiteScores(scores map[string]*float64) map[string]*float64 {
	out := make(map[string]*float64, len(scores))
	for m, v := range scores {
		if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
			out[m] = nil
			continue
		}
		val := *v
		out[m] = &val
	}
	return out
}
