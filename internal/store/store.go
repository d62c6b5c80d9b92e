// Package store persists runs, case results and metric history.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a guarded status transition found the
	// run in a status it may not leave that way.
	ErrConflict = errors.New("conflict")
)

// Transition is a guarded status change of a run. Only non-nil fields
// are written. The write succeeds only when the run is currently in one
// of the statuses allowed to move to To.
type Transition struct {
	To            eval.RunStatus
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Summary       *eval.SummaryMetrics
	OverallPassed *bool
	GateFailures  []eval.GateFailure
	Error         string
}

// RunFilter narrows ListRuns. Zero fields match everything.
type RunFilter struct {
	SuiteID string
	Status  eval.RunStatus
	Limit   int
}

// Store is the repository used by the engine.
type Store interface {
	CreateRun(ctx context.Context, run *eval.Run) error
	GetRun(ctx context.Context, id string) (*eval.Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*eval.Run, error)
	TransitionRun(ctx context.Context, id string, t Transition) error
	// LatestCompletedRun returns the most recently started COMPLETED run
	// of suiteID other than excludeRunID, or nil when there is none.
	LatestCompletedRun(ctx context.Context, suiteID, excludeRunID string) (*eval.Run, error)

	// InsertCaseResult stores r unless a result for the same run and case
	// already exists, in which case it does nothing.
	InsertCaseResult(ctx context.Context, r *eval.CaseResult) error
	// ListResults returns the results of a run ordered by test case id.
	ListResults(ctx context.Context, runID string) ([]*eval.CaseResult, error)

	AppendMetricHistory(ctx context.Context, entries []eval.MetricHistoryEntry) error
	// MetricHistory returns entries ordered by recorded_at ascending. A
	// zero until means no upper bound.
	MetricHistory(ctx context.Context, suiteID, metric string, since, until time.Time) ([]eval.MetricHistoryEntry, error)

	Close() error
}

func checkTransition(t Transition) error {
	if len(eval.SourcesFor(t.To)) == 0 {
		return errors.New("no status can transition to " + string(t.To))
	}
	return nil
}
