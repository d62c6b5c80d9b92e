package engine

import (
	"fmt"
	"maps"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/runner"
	"github.com/giantswarm/llm-evalgate/internal/scorer"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Pipeline configuration keys read by the coordinator. Every other key is
// passed to the adapter factory.
const (
	PipelineAdapterKey = "adapter"
	PipelineMetricsKey = "metrics"
)

// plan resolves the adapter and scorers of a run and returns the
// evaluator for its cases.
func (c *Coordinator) plan(suite *testsuite.TestSuite, run *eval.Run) (*runner.Evaluator, error) {
	adapterCfg := adapter.Config{}
	maps.Copy(adapterCfg, suite.Pipeline)
	maps.Copy(adapterCfg, run.PipelineConfig)

	name := adapterCfg.String(PipelineAdapterKey, suite.Adapter)
	if name == "" {
		name = c.cfg.DefaultAdapters[suite.SystemType]
	}
	if name == "" {
		name = adapter.NameOpenAI
	}
	delete(adapterCfg, PipelineAdapterKey)

	metrics, err := metricNames(adapterCfg[PipelineMetricsKey])
	if err != nil {
		return nil, err
	}
	delete(adapterCfg, PipelineMetricsKey)
	if len(metrics) == 0 {
		metrics = suite.Metrics
	}
	if len(metrics) == 0 {
		metrics = c.cfg.DefaultMetrics[suite.SystemType]
	}
	if len(metrics) == 0 {
		metrics = scorer.DefaultMetrics(suite.SystemType)
	}

	if suite.Prompt.SystemMessage != "" && adapterCfg.String("system_message", "") == "" {
		adapterCfg["system_message"] = suite.Prompt.SystemMessage
	}

	a, err := c.adapters.Build(name, adapterCfg)
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}
	scorers, err := c.scorers.Resolve(metrics)
	if err != nil {
		return nil, fmt.Errorf("resolve scorers: %w", err)
	}

	var base map[string]any
	if suite.Prompt.SystemMessage != "" {
		base = map[string]any{"system_message": suite.Prompt.SystemMessage}
	}

	return runner.NewEvaluator(run.ID, a, scorers, c.rules,
		runner.WithCaseTimeout(c.cfg.CaseTimeout),
		runner.WithBaseInput(base),
	), nil
}

func metricNames(raw any) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("pipeline %s must be a list of names, got element %T", PipelineMetricsKey, item)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("pipeline %s must be a list of names, got %T", PipelineMetricsKey, raw)
}
