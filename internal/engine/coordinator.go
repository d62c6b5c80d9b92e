// Package engine owns the lifecycle of evaluation runs: it snapshots
// thresholds, drives the case pool, persists results, applies the gate
// and records metric history.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/gate"
	"github.com/giantswarm/llm-evalgate/internal/regression"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/runner"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

var (
	// ErrInvalidTransition is returned when a run is asked to move to a
	// status its current status does not allow.
	ErrInvalidTransition = errors.New("invalid run status transition")
	// ErrInvalidRequest is returned for malformed run requests.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrNotFinished is returned by GetDiff for runs without a summary.
	ErrNotFinished = errors.New("run has not finished")
)

// DefaultTrendDays is the window used by Trends when none is given.
const DefaultTrendDays = 30

// Config tunes the coordinator.
type Config struct {
	Workers     int
	CaseTimeout time.Duration
	Retry       store.RetryPolicy
	// DefaultAdapters names the adapter used for suites that do not set
	// one, per system type.
	DefaultAdapters map[testsuite.SystemType]string
	// DefaultMetrics lists the metrics scored for suites that do not set
	// any, per system type.
	DefaultMetrics map[testsuite.SystemType][]string
}

// CreateRunRequest describes a new run.
type CreateRunRequest struct {
	Suite              testsuite.SuiteRef `json:"suite"`
	PipelineConfig     map[string]any     `json:"pipeline_config,omitempty"`
	ThresholdOverrides map[string]float64 `json:"threshold_overrides,omitempty"`
	PipelineVersion    string             `json:"pipeline_version,omitempty"`
	GitCommitSHA       string             `json:"git_commit_sha,omitempty"`
	GitBranch          string             `json:"git_branch,omitempty"`
	TriggeredBy        string             `json:"triggered_by,omitempty"`
	Notes              string             `json:"notes,omitempty"`
}

// ResultFilter narrows ListResults.
type ResultFilter struct {
	Passed *bool
}

// Coordinator is the single owner of run status transitions.
type Coordinator struct {
	store      store.Store
	suites     testsuite.Source
	adapters   *adapter.Registry
	scorers    *scorer.Registry
	rules      *rules.Engine
	thresholds ThresholdSource
	cfg        Config
	now        func() time.Time
	log        *slog.Logger

	mu     sync.Mutex
	active map[string]*activeRun
	wg     sync.WaitGroup
}

type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithConfig sets the coordinator configuration.
func WithConfig(cfg Config) Option {
	return func(c *Coordinator) { c.cfg = cfg }
}

// WithThresholds sets the live threshold source. The default is
// gate.DefaultThresholds.
func WithThresholds(src ThresholdSource) Option {
	return func(c *Coordinator) { c.thresholds = src }
}

// WithRulesEngine sets the rule engine, for example one with custom
// rule plugins.
func WithRulesEngine(e *rules.Engine) Option {
	return func(c *Coordinator) { c.rules = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a Coordinator.
func New(st store.Store, suites testsuite.Source, adapters *adapter.Registry, scorers *scorer.Registry, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:    st,
		suites:   suites,
		adapters: adapters,
		scorers:  scorers,
		now:      time.Now,
		log:      slog.With("component", "engine"),
		active:   map[string]*activeRun{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rules == nil {
		c.rules = rules.NewEngine(nil)
	}
	if c.thresholds == nil {
		c.thresholds = NewLiveThresholds(gate.DefaultThresholds())
	}
	if c.cfg.Workers <= 0 {
		c.cfg.Workers = runner.DefaultWorkers
	}
	if c.cfg.CaseTimeout <= 0 {
		c.cfg.CaseTimeout = runner.DefaultCaseTimeout
	}
	if c.cfg.Retry.MaxTries == 0 {
		c.cfg.Retry = store.DefaultRetryPolicy()
	}
	return c
}

// CreateRun persists a PENDING run with a snapshot of the current
// thresholds and starts executing it in the background.
func (c *Coordinator) CreateRun(ctx context.Context, req CreateRunRequest) (*eval.Run, error) {
	if req.Suite.ID == "" {
		return nil, fmt.Errorf("%w: suite id is required", ErrInvalidRequest)
	}
	for name, v := range req.ThresholdOverrides {
		if math.IsNaN(v) || v < 0 || v > 1 {
			return nil, fmt.Errorf("%w: threshold %s=%v must be within [0, 1]", ErrInvalidRequest, name, v)
		}
	}

	ref := req.Suite
	if ref.Version == 0 {
		// Pin the current version so later edits to the suite cannot
		// change what this run evaluates. An unresolvable suite fails the
		// run during execution instead.
		if suite, err := c.suites.GetSuite(ctx, ref); err == nil {
			ref = suite.Ref()
		} else {
			c.log.Warn("suite not resolvable at creation", "suite", ref.String(), "error", err)
		}
	}

	snapshot := c.thresholds.Thresholds()
	if snapshot == nil {
		snapshot = map[string]float64{}
	}
	maps.Copy(snapshot, req.ThresholdOverrides)

	run := &eval.Run{
		ID:                uuid.NewString(),
		Suite:             ref,
		Status:            eval.StatusPending,
		ThresholdSnapshot: snapshot,
		PipelineConfig:    req.PipelineConfig,
		PipelineVersion:   req.PipelineVersion,
		GitCommitSHA:      req.GitCommitSHA,
		GitBranch:         req.GitBranch,
		TriggeredBy:       req.TriggeredBy,
		Notes:             req.Notes,
		CreatedAt:         c.now().UTC(),
	}
	err := store.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.store.CreateRun(ctx, run)
	})
	if err != nil {
		storageFailures.WithLabelValues("create_run").Inc()
		return nil, fmt.Errorf("failed to create run: %w", err)
	}
	c.log.Info("run created", "run_id", run.ID, "suite", ref.String())

	c.dispatch(run.ID)
	return run, nil
}

func (c *Coordinator) dispatch(id string) {
	ctx, ar, ok := c.track(context.Background(), id)
	if !ok {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.untrack(id, ar)
		if err := c.execute(ctx, id); err != nil {
			c.log.Warn("run did not complete", "run_id", id, "error", err)
		}
	}()
}

// Execute runs a PENDING run to a terminal status in the calling
// goroutine. Runs created with CreateRun are already executing; calling
// Execute for them returns ErrInvalidTransition.
func (c *Coordinator) Execute(ctx context.Context, runID string) error {
	ctx, ar, ok := c.track(ctx, runID)
	if !ok {
		return fmt.Errorf("run %s is already executing: %w", runID, ErrInvalidTransition)
	}
	defer c.untrack(runID, ar)
	return c.execute(ctx, runID)
}

func (c *Coordinator) track(parent context.Context, id string) (context.Context, *activeRun, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.active[id]; exists {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	ar := &activeRun{cancel: cancel, done: make(chan struct{})}
	c.active[id] = ar
	return ctx, ar, true
}

func (c *Coordinator) untrack(id string, ar *activeRun) {
	c.mu.Lock()
	delete(c.active, id)
	c.mu.Unlock()
	ar.cancel()
	close(ar.done)
}

func (c *Coordinator) execute(ctx context.Context, id string) error {
	log := c.log.With("run_id", id)
	// Status writes must land even after the run context is cancelled.
	writeCtx := context.WithoutCancel(ctx)

	var run *eval.Run
	err := store.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		var err error
		run, err = c.store.GetRun(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || ctx.Err() != nil {
			return err
		}
		storageFailures.WithLabelValues("get_run").Inc()
		// PENDING may move straight to FAILED, so an unreadable run does
		// not stay pending forever.
		return c.fail(writeCtx, &eval.Run{ID: id}, fmt.Errorf("load run: %w", err))
	}

	started := c.now().UTC()
	if err := c.transition(writeCtx, id, store.Transition{To: eval.StatusRunning, StartedAt: &started}); err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("run is no longer pending, not starting")
			return nil
		}
		return err
	}
	runsInFlight.Inc()
	defer runsInFlight.Dec()
	log.Info("run started", "suite", run.Suite.String())

	suite, err := c.suites.GetSuite(ctx, run.Suite)
	if err != nil {
		return c.fail(writeCtx, run, fmt.Errorf("resolve suite %s: %w", run.Suite, err))
	}
	evaluator, err := c.plan(suite, run)
	if err != nil {
		return c.fail(writeCtx, run, err)
	}

	poolCtx, stopPool := context.WithCancel(ctx)
	defer stopPool()

	pool := runner.NewPool(c.cfg.Workers)
	pool.SetProgressFunc(func(done, total int, res *eval.CaseResult) {
		log.Debug("case evaluated", "case_id", res.TestCaseID, "passed", res.Passed, "done", done, "total", total)
	})

	var (
		results  []*eval.CaseResult
		storeErr error
	)
	for res := range pool.Dispatch(poolCtx, evaluator, suite.Cases) {
		caseEvaluations.WithLabelValues(suite.ID, outcomeLabel(res.Passed)).Inc()
		caseDuration.WithLabelValues(suite.ID).Observe(float64(res.DurationMs) / 1000)
		if storeErr != nil {
			continue
		}
		err := store.Retry(writeCtx, c.cfg.Retry, func(ctx context.Context) error {
			return c.store.InsertCaseResult(ctx, res)
		})
		if err != nil {
			storageFailures.WithLabelValues("case_result").Inc()
			storeErr = fmt.Errorf("persist result of case %s: %w", res.TestCaseID, err)
			stopPool()
			continue
		}
		results = append(results, res)
	}

	if storeErr != nil {
		return c.fail(writeCtx, run, storeErr)
	}
	if ctx.Err() != nil {
		return c.interrupted(writeCtx, run, ctx.Err())
	}
	if len(results) != len(suite.Cases) {
		return c.fail(writeCtx, run, fmt.Errorf("%d of %d cases reported", len(results), len(suite.Cases)))
	}

	summary := gate.Aggregate(results)
	decision := gate.Decide(summary, run.ThresholdSnapshot)
	completed := c.now().UTC()
	passed := decision.Passed
	err = c.transition(writeCtx, id, store.Transition{
		To:            decision.Status,
		CompletedAt:   &completed,
		Summary:       &summary,
		OverallPassed: &passed,
		GateFailures:  decision.Failures,
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			log.Info("run was cancelled before it could finish")
			return nil
		}
		return c.fail(writeCtx, run, err)
	}
	runsFinished.WithLabelValues(suite.ID, string(decision.Status)).Inc()
	log.Info("run finished",
		"status", decision.Status,
		"pass_rate", summary.PassRate,
		"passed_cases", summary.PassedCases,
		"total_cases", summary.TotalCases)

	c.recordHistory(writeCtx, run, &summary, completed)
	return nil
}

// transition retries a guarded status write. A lost guard is reported as
// store.ErrConflict and never retried.
func (c *Coordinator) transition(ctx context.Context, id string, t store.Transition) error {
	err := store.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.store.TransitionRun(ctx, id, t)
	})
	if err != nil && !errors.Is(err, store.ErrConflict) && !errors.Is(err, store.ErrNotFound) {
		storageFailures.WithLabelValues("transition").Inc()
	}
	return err
}

func (c *Coordinator) fail(ctx context.Context, run *eval.Run, cause error) error {
	c.log.Error("run failed", "run_id", run.ID, "error", cause)
	completed := c.now().UTC()
	err := c.transition(ctx, run.ID, store.Transition{
		To:          eval.StatusFailed,
		CompletedAt: &completed,
		Error:       cause.Error(),
	})
	if err != nil && !errors.Is(err, store.ErrConflict) {
		return errors.Join(cause, err)
	}
	if err == nil {
		runsFinished.WithLabelValues(run.Suite.ID, string(eval.StatusFailed)).Inc()
	}
	return cause
}

// interrupted handles a run whose context ended without CancelRun, for
// example during shutdown.
func (c *Coordinator) interrupted(ctx context.Context, run *eval.Run, cause error) error {
	completed := c.now().UTC()
	err := c.transition(ctx, run.ID, store.Transition{
		To:          eval.StatusCancelled,
		CompletedAt: &completed,
		Error:       "interrupted: " + cause.Error(),
	})
	switch {
	case err == nil:
		runsFinished.WithLabelValues(run.Suite.ID, string(eval.StatusCancelled)).Inc()
		return cause
	case errors.Is(err, store.ErrConflict):
		// Already cancelled through CancelRun.
		return nil
	default:
		return errors.Join(cause, err)
	}
}

func (c *Coordinator) recordHistory(ctx context.Context, run *eval.Run, summary *eval.SummaryMetrics, at time.Time) {
	values := summary.Values()
	entries := make([]eval.MetricHistoryEntry, 0, len(values))
	for name, v := range values {
		entries = append(entries, eval.MetricHistoryEntry{
			ID:              uuid.NewString(),
			SuiteID:         run.Suite.ID,
			MetricName:      name,
			Value:           v,
			RecordedAt:      at,
			RunID:           run.ID,
			PipelineVersion: run.PipelineVersion,
			GitCommitSHA:    run.GitCommitSHA,
		})
	}
	err := store.Retry(ctx, c.cfg.Retry, func(ctx context.Context) error {
		return c.store.AppendMetricHistory(ctx, entries)
	})
	if err != nil {
		storageFailures.WithLabelValues("history").Inc()
		c.log.Error("failed to record metric history", "run_id", run.ID, "error", err)
	}
}

// CancelRun moves a PENDING or RUNNING run to CANCELLED and stops its
// cases. Results already stored stay queryable. No summary is computed.
func (c *Coordinator) CancelRun(ctx context.Context, runID string) (*eval.Run, error) {
	completed := c.now().UTC()
	err := c.transition(ctx, runID, store.Transition{
		To:          eval.StatusCancelled,
		CompletedAt: &completed,
		Error:       "cancelled by request",
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTransition, err)
	}
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	ar := c.active[runID]
	c.mu.Unlock()
	if ar != nil {
		ar.cancel()
	}

	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	runsFinished.WithLabelValues(run.Suite.ID, string(eval.StatusCancelled)).Inc()
	c.log.Info("run cancelled", "run_id", runID)
	return run, nil
}

// Wait blocks until the run reaches a terminal status or ctx is done and
// returns the run as stored.
func (c *Coordinator) Wait(ctx context.Context, runID string) (*eval.Run, error) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		c.mu.Lock()
		ar := c.active[runID]
		c.mu.Unlock()

		if ar != nil {
			select {
			case <-ar.done:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		run, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		if ar != nil {
			continue
		}
		// Executing elsewhere; poll.
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// GetRun returns a run.
func (c *Coordinator) GetRun(ctx context.Context, runID string) (*eval.Run, error) {
	return c.store.GetRun(ctx, runID)
}

// ListRuns returns runs newest first.
func (c *Coordinator) ListRuns(ctx context.Context, filter store.RunFilter) ([]*eval.Run, error) {
	return c.store.ListRuns(ctx, filter)
}

// ListResults returns the stored results of a run ordered by case id.
func (c *Coordinator) ListResults(ctx context.Context, runID string, filter ResultFilter) ([]*eval.CaseResult, error) {
	if _, err := c.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	results, err := c.store.ListResults(ctx, runID)
	if err != nil {
		return nil, err
	}
	if filter.Passed == nil {
		return results, nil
	}
	out := results[:0]
	for _, r := range results {
		if r.Passed == *filter.Passed {
			out = append(out, r)
		}
	}
	return out, nil
}

// GetDiff compares a finished run with its baseline.
func (c *Coordinator) GetDiff(ctx context.Context, runID string) (*eval.RegressionDiff, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.RecordsHistory() {
		return nil, fmt.Errorf("%w: run %s is %s", ErrNotFinished, runID, run.Status)
	}
	return regression.Diff(ctx, c.store, run)
}

// Trends returns the history of one metric of a suite over the last
// days days. days <= 0 selects DefaultTrendDays.
func (c *Coordinator) Trends(ctx context.Context, suiteID, metric string, days int) ([]eval.MetricHistoryEntry, error) {
	if days <= 0 {
		days = DefaultTrendDays
	}
	since := c.now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
	return c.store.MetricHistory(ctx, suiteID, metric, since, time.Time{})
}

// ListSuites returns the suites available to runs.
func (c *Coordinator) ListSuites(ctx context.Context) ([]*testsuite.TestSuite, error) {
	return c.suites.ListSuites(ctx)
}

// Shutdown cancels every executing run and waits for them to stop or
// for ctx to end.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, ar := range c.active {
		ar.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
