package runner

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// DefaultWorkers is the pool size used when none is configured.
const DefaultWorkers = 4

// CaseEvaluator evaluates one case. *Evaluator implements it.
type CaseEvaluator interface {
	Evaluate(ctx context.Context, tc testsuite.TestCase) (*eval.CaseResult, error)
}

// ProgressFunc is called after each case result is delivered. It may be
// called from several goroutines at once.
type ProgressFunc func(done, total int, result *eval.CaseResult)

// Pool evaluates cases with at most W running at a time.
type Pool struct {
	workers  int
	progress ProgressFunc
}

// NewPool creates a pool of the given size. workers <= 0 selects
// DefaultWorkers.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &Pool{workers: workers}
}

// Workers returns the pool size.
func (p *Pool) Workers() int { return p.workers }

// SetProgressFunc sets the progress callback.
func (p *Pool) SetProgressFunc(fn ProgressFunc) {
	p.progress = fn
}

// Dispatch evaluates cases concurrently and streams results as they
// finish, in completion order. The channel is closed once every
// dispatched case has reported or ctx is cancelled. After cancellation no
// new case starts and results of abandoned cases are dropped. The caller
// must drain the channel.
func (p *Pool) Dispatch(ctx context.Context, ev CaseEvaluator, cases []testsuite.TestCase) <-chan *eval.CaseResult {
	out := make(chan *eval.CaseResult, p.workers)
	total := len(cases)

	go func() {
		defer close(out)

		var g errgroup.Group
		g.SetLimit(p.workers)
		var done atomic.Int64

		for _, tc := range cases {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				if ctx.Err() != nil {
					return nil
				}
				res, err := ev.Evaluate(ctx, tc)
				if err != nil {
					slog.Debug("case abandoned", "case_id", tc.ID, "error", err)
					return nil
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return nil
				}
				n := done.Add(1)
				if p.progress != nil {
					p.progress(int(n), total, res)
				}
				return nil
			})
		}
		_ = g.Wait()
	}()

	return out
}

// EvaluateAll dispatches cases and collects the results in case order.
// Cases abandoned through cancellation are missing from the result.
func (p *Pool) EvaluateAll(ctx context.Context, ev CaseEvaluator, cases []testsuite.TestCase) []*eval.CaseResult {
	byID := make(map[string]*eval.CaseResult, len(cases))
	for res := range p.Dispatch(ctx, ev, cases) {
		byID[res.TestCaseID] = res
	}
	results := make([]*eval.CaseResult, 0, len(byID))
	for _, tc := range cases {
		if res, ok := byID[tc.ID]; ok {
			results = append(results, res)
		}
	}
	return results
}
