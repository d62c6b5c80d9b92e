package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

// MemStore is an in-process Store. Records are copied on the way in and
// out so callers never share state with the store.
type MemStore struct {
	mu      sync.RWMutex
	runs    map[string]*eval.Run
	results map[string]map[string]*eval.CaseResult // run id -> case id
	history []eval.MetricHistoryEntry
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		runs:    map[string]*eval.Run{},
		results: map[string]map[string]*eval.CaseResult{},
	}
}

func (m *MemStore) CreateRun(_ context.Context, run *eval.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("create run %s: already exists", run.ID)
	}
	m.runs[run.ID] = cloneRun(run)
	return nil
}

func (m *MemStore) GetRun(_ context.Context, id string) (*eval.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return cloneRun(r), nil
}

func (m *MemStore) ListRuns(_ context.Context, filter RunFilter) ([]*eval.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*eval.Run
	for _, r := range m.runs {
		if filter.SuiteID != "" && r.Suite.ID != filter.SuiteID {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		out = append(out, cloneRun(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemStore) TransitionRun(_ context.Context, id string, t Transition) error {
	if err := checkTransition(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if !r.Status.CanTransition(t.To) {
		return fmt.Errorf("run %s is %s, cannot move to %s: %w", id, r.Status, t.To, ErrConflict)
	}

	r.Status = t.To
	if t.StartedAt != nil {
		v := *t.StartedAt
		r.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		r.CompletedAt = &v
	}
	if t.Summary != nil {
		r.Summary = cloneSummary(t.Summary)
	}
	if t.OverallPassed != nil {
		v := *t.OverallPassed
		r.OverallPassed = &v
	}
	if t.GateFailures != nil {
		r.GateFailures = slices.Clone(t.GateFailures)
	}
	if t.Error != "" {
		r.Error = t.Error
	}
	return nil
}

func (m *MemStore) LatestCompletedRun(_ context.Context, suiteID, excludeRunID string) (*eval.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *eval.Run
	for _, r := range m.runs {
		if r.Suite.ID != suiteID || r.Status != eval.StatusCompleted || r.ID == excludeRunID {
			continue
		}
		if best == nil || startedAfter(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneRun(best), nil
}

func startedAfter(a, b *eval.Run) bool {
	at, bt := startedOrZero(a), startedOrZero(b)
	if !at.Equal(bt) {
		return at.After(bt)
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func startedOrZero(r *eval.Run) time.Time {
	if r.StartedAt == nil {
		return time.Time{}
	}
	return *r.StartedAt
}

func (m *MemStore) InsertCaseResult(_ context.Context, r *eval.CaseResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[r.RunID]; !ok {
		return fmt.Errorf("insert result: run %s: %w", r.RunID, ErrNotFound)
	}
	byCase := m.results[r.RunID]
	if byCase == nil {
		byCase = map[string]*eval.CaseResult{}
		m.results[r.RunID] = byCase
	}
	if _, exists := byCase[r.TestCaseID]; exists {
		return nil
	}
	byCase[r.TestCaseID] = cloneResult(r)
	return nil
}

func (m *MemStore) ListResults(_ context.Context, runID string) ([]*eval.CaseResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	byCase := m.results[runID]
	ids := slices.Sorted(maps.Keys(byCase))
	out := make([]*eval.CaseResult, 0, len(ids))
	for _, id := range ids {
		out = append(out, cloneResult(byCase[id]))
	}
	return out, nil
}

func (m *MemStore) AppendMetricHistory(_ context.Context, entries []eval.MetricHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, entries...)
	return nil
}

func (m *MemStore) MetricHistory(_ context.Context, suiteID, metric string, since, until time.Time) ([]eval.MetricHistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []eval.MetricHistoryEntry{}
	for _, e := range m.history {
		if e.SuiteID != suiteID || e.MetricName != metric {
			continue
		}
		if e.RecordedAt.Before(since) || (!until.IsZero() && e.RecordedAt.After(until)) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.Before(out[j].RecordedAt) })
	return out, nil
}

func (m *MemStore) Close() error { return nil }

func cloneRun(r *eval.Run) *eval.Run {
	c := *r
	c.ThresholdSnapshot = maps.Clone(r.ThresholdSnapshot)
	c.PipelineConfig = maps.Clone(r.PipelineConfig)
	c.Summary = cloneSummary(r.Summary)
	c.GateFailures = slices.Clone(r.GateFailures)
	if r.OverallPassed != nil {
		v := *r.OverallPassed
		c.OverallPassed = &v
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		c.StartedAt = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func cloneSummary(s *eval.SummaryMetrics) *eval.SummaryMetrics {
	if s == nil {
		return nil
	}
	c := *s
	c.Metrics = cloneScores(s.Metrics)
	return &c
}

func cloneResult(r *eval.CaseResult) *eval.CaseResult {
	c := *r
	c.Scores = cloneScores(r.Scores)
	c.RulesDetail = slices.Clone(r.RulesDetail)
	c.RetrievedContexts = slices.Clone(r.RetrievedContexts)
	c.ToolCalls = slices.Clone(r.ToolCalls)
	if r.RulesPassed != nil {
		v := *r.RulesPassed
		c.RulesPassed = &v
	}
	if r.FailureReason != nil {
		v := *r.FailureReason
		c.FailureReason = &v
	}
	return &c
}

func cloneScores(in map[string]*float64) map[string]*float64 {
	if in == nil {
		return nil
	}
	out := make(map[string]*float64, len(in))
	for k, v := range in {
		if v != nil {
			f := *v
			out[k] = &f
		} else {
			out[k] = nil
		}
	}
	return out
}
