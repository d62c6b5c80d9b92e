// Package scorer computes per-case quality metrics in [0, 1].
package scorer

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/registry"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// MetricScorer scores one adapter output. A metric it cannot compute for
// the case is reported as nil rather than zero.
type MetricScorer interface {
	Name() string
	Metrics() []string
	Score(ctx context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error)
}

// Registry resolves scorer and metric names to scorers.
type Registry struct {
	scorers *registry.Registry[MetricScorer]
}

// NewRegistry creates an empty scorer registry.
func NewRegistry() *Registry {
	return &Registry{scorers: registry.New[MetricScorer]("metric scorer")}
}

// Register adds s under its own name.
func (r *Registry) Register(s MetricScorer) {
	r.scorers.Register(s.Name(), s)
}

// Get returns the scorer registered under name.
func (r *Registry) Get(name string) (MetricScorer, error) {
	return r.scorers.Get(name)
}

// Names returns the registered scorer names, sorted.
func (r *Registry) Names() []string {
	return r.scorers.Names()
}

// Resolve maps a list of scorer or metric names onto scorers. A scorer
// name selects all of its metrics. A metric name selects the scorer that
// produces it, restricted to the requested metrics. Unknown names yield a
// *registry.ConfigurationError.
func (r *Registry) Resolve(names []string) ([]MetricScorer, error) {
	var (
		order  []string
		whole  = map[string]bool{}
		subset = map[string][]string{}
	)
	add := func(scorer string) {
		if !whole[scorer] && subset[scorer] == nil {
			order = append(order, scorer)
		}
	}

	for _, name := range names {
		if _, err := r.scorers.Get(name); err == nil {
			add(name)
			whole[name] = true
			continue
		}
		owner := r.owner(name)
		if owner == "" {
			return nil, &registry.ConfigurationError{Kind: "metric", Name: name}
		}
		add(owner)
		if !slices.Contains(subset[owner], name) {
			subset[owner] = append(subset[owner], name)
		}
	}

	out := make([]MetricScorer, 0, len(order))
	for _, name := range order {
		s, _ := r.scorers.Get(name)
		if whole[name] {
			out = append(out, s)
			continue
		}
		out = append(out, &restricted{MetricScorer: s, metrics: subset[name]})
	}
	return out, nil
}

func (r *Registry) owner(metric string) string {
	for _, name := range r.scorers.Names() {
		s, _ := r.scorers.Get(name)
		if slices.Contains(s.Metrics(), metric) {
			return name
		}
	}
	return ""
}

// restricted reports only a subset of a scorer's metrics.
type restricted struct {
	MetricScorer
	metrics []string
}

func (r *restricted) Metrics() []string { return r.metrics }

func (r *restricted) Score(ctx context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	if scoped, ok := r.MetricScorer.(interface {
		ScoreMetrics(context.Context, testsuite.TestCase, *adapter.CaseOutput, []string) (map[string]*float64, error)
	}); ok {
		return scoped.ScoreMetrics(ctx, tc, out, r.metrics)
	}
	all, err := r.MetricScorer.Score(ctx, tc, out)
	if err != nil {
		return nil, err
	}
	kept := make(map[string]*float64, len(r.metrics))
	for _, m := range r.metrics {
		kept[m] = all[m]
	}
	return kept, nil
}

// NullScores returns a map with every metric of s set to nil.
func NullScores(s MetricScorer) map[string]*float64 {
	out := make(map[string]*float64, len(s.Metrics()))
	for _, m := range s.Metrics() {
		out[m] = nil
	}
	return out
}

func ptr(v float64) *float64 { return &v }

// stringList reads a case context or metadata value holding a list of
// strings. A bare string is a one-element list.
func stringList(raw any) ([]string, bool) {
	switch v := raw.(type) {
	case []string:
		return v, true
	case string:
		return []string{v}, true
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}

// number reads an integer or float from a decoded YAML or JSON value.
func number(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
