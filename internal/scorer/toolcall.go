package scorer

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Metrics produced by the tool-call scorer.
const (
	MetricToolCallPrecision = "tool_call_precision"
	MetricToolCallRecall    = "tool_call_recall"
	MetricToolCallF1        = "tool_call_f1"
	MetricToolCallAccuracy  = "tool_call_accuracy"
	MetricArgumentAccuracy  = "argument_accuracy"
	MetricGoalAccuracy      = "goal_accuracy"
	MetricStepEfficiency    = "step_efficiency"
)

// ToolCallName is the registry name of the tool-call scorer.
const ToolCallName = "tool_call"

// ExpectedToolsKey is the case context key listing the expected tool
// calls, either as names or as {"tool": ..., "args": {...}} objects.
const ExpectedToolsKey = "expected_tools"

// MinStepsKey is the case context key holding the fewest steps the task
// needs. StepsKey is the output metadata key for the steps the agent
// took; without it every tool call counts as a step.
const (
	MinStepsKey = "min_steps"
	StepsKey    = "steps"
)

var toolCallMetrics = []string{
	MetricToolCallPrecision,
	MetricToolCallRecall,
	MetricToolCallF1,
	MetricToolCallAccuracy,
	MetricArgumentAccuracy,
	MetricGoalAccuracy,
	MetricStepEfficiency,
}

// ToolCalls compares the tools an agent called with the tools the case
// expects. Matching is by tool name and ignores order.
type ToolCalls struct{}

func (ToolCalls) Name() string      { return ToolCallName }
func (ToolCalls) Metrics() []string { return toolCallMetrics }

// Score implements MetricScorer. Tool metrics are nil when the case has
// no expected_tools entry; goal_accuracy is nil without a reference and
// step_efficiency is nil without min_steps.
func (s ToolCalls) Score(_ context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	scores := NullScores(s)

	if raw, ok := tc.Context[ExpectedToolsKey]; ok {
		expected, err := parseExpectedTools(raw)
		if err != nil {
			return nil, err
		}
		p, r, f := toolF1(out.ToolCalls, expected)
		scores[MetricToolCallPrecision] = ptr(p)
		scores[MetricToolCallRecall] = ptr(r)
		scores[MetricToolCallF1] = ptr(f)
		scores[MetricToolCallAccuracy] = ptr(toolAccuracy(out.ToolCalls, expected))
		scores[MetricArgumentAccuracy] = ptr(argumentAccuracy(out.ToolCalls, expected))
	}
	if ref := tc.Reference(); ref != "" {
		scores[MetricGoalAccuracy] = ptr(goalAccuracy(out.Answer, ref))
	}
	if raw, ok := tc.Context[MinStepsKey]; ok {
		minSteps, ok := number(raw)
		if !ok || minSteps < 0 {
			return nil, fmt.Errorf("%s must be a non-negative number, got %v", MinStepsKey, raw)
		}
		steps := float64(len(out.ToolCalls))
		if v, ok := number(out.Metadata[StepsKey]); ok {
			steps = v
		}
		scores[MetricStepEfficiency] = ptr(stepEfficiency(minSteps, steps))
	}
	return scores, nil
}

func parseExpectedTools(raw any) ([]adapter.ToolCall, error) {
	switch v := raw.(type) {
	case []string:
		out := make([]adapter.ToolCall, 0, len(v))
		for _, name := range v {
			out = append(out, adapter.ToolCall{Tool: name})
		}
		return out, nil
	case []any:
		out := make([]adapter.ToolCall, 0, len(v))
		for i, item := range v {
			switch it := item.(type) {
			case string:
				out = append(out, adapter.ToolCall{Tool: it})
			case map[string]any:
				name, _ := it["tool"].(string)
				if name == "" {
					name, _ = it["name"].(string)
				}
				if name == "" {
					return nil, fmt.Errorf("%s[%d]: tool name is required", ExpectedToolsKey, i)
				}
				args, _ := it["args"].(map[string]any)
				if args == nil {
					args, _ = it["arguments"].(map[string]any)
				}
				out = append(out, adapter.ToolCall{Tool: name, Args: args})
			default:
				return nil, fmt.Errorf("%s[%d]: unsupported entry %T", ExpectedToolsKey, i, item)
			}
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("%s must be a list, got %T", ExpectedToolsKey, raw)
}

func names(calls []adapter.ToolCall) map[string]int {
	out := map[string]int{}
	for _, c := range calls {
		out[c.Tool]++
	}
	return out
}

func toolF1(predicted, expected []adapter.ToolCall) (precision, recall, f float64) {
	if len(predicted) == 0 && len(expected) == 0 {
		return 1, 1, 1
	}
	if len(predicted) == 0 || len(expected) == 0 {
		return 0, 0, 0
	}
	tp := float64(overlap(names(predicted), names(expected)))
	precision = tp / float64(len(predicted))
	recall = tp / float64(len(expected))
	if precision+recall == 0 {
		return 0, 0, 0
	}
	return precision, recall, f1(precision, recall)
}

func toolAccuracy(predicted, expected []adapter.ToolCall) float64 {
	p := (&adapter.CaseOutput{ToolCalls: predicted}).ToolNames()
	e := (&adapter.CaseOutput{ToolCalls: expected}).ToolNames()
	slices.Sort(p)
	slices.Sort(e)
	if slices.Equal(p, e) {
		return 1
	}
	return 0
}

// argumentAccuracy is the share of expected arguments the matching
// predicted call carried with an equal value. The n-th expected call of a
// tool is matched with its n-th predicted call.
func argumentAccuracy(predicted, expected []adapter.ToolCall) float64 {
	byName := map[string][]map[string]any{}
	for _, c := range predicted {
		byName[c.Tool] = append(byName[c.Tool], c.Args)
	}
	seen := map[string]int{}
	total, matching := 0, 0
	for _, c := range expected {
		idx := seen[c.Tool]
		seen[c.Tool]++
		if len(c.Args) == 0 {
			continue
		}
		var got map[string]any
		if idx < len(byName[c.Tool]) {
			got = byName[c.Tool][idx]
		}
		for k, want := range c.Args {
			total++
			if v, ok := got[k]; ok && valuesMatch(v, want) {
				matching++
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(matching) / float64(total)
}

func valuesMatch(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.EqualFold(strings.TrimSpace(as), strings.TrimSpace(bs))
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// goalAccuracy grades the final answer: 1 for an exact match, 0.9 when it
// contains the reference, otherwise 0.7 times the share of reference
// tokens it contains.
func goalAccuracy(answer, reference string) float64 {
	a := strings.ToLower(strings.TrimSpace(answer))
	r := strings.ToLower(strings.TrimSpace(reference))
	if a == r {
		return 1
	}
	if strings.Contains(a, r) {
		return 0.9
	}
	want := map[string]bool{}
	for _, t := range strings.Fields(r) {
		want[t] = true
	}
	if len(want) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range strings.Fields(a) {
		have[t] = true
	}
	hit := 0
	for t := range want {
		if have[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(want)) * 0.7
}

// stepEfficiency is the ratio of needed to taken steps, capped at 1.
func stepEfficiency(minSteps, steps float64) float64 {
	if steps <= 0 {
		if minSteps == 0 {
			return 1
		}
		return 0
	}
	return min(minSteps/steps, 1)
}
