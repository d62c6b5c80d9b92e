package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/registry"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    FailureRule
		errPart string
	}{
		{name: "must_contain", input: `{"type": "must_contain", "value": "Paris"}`, want: MustContain{Value: "Paris"}},
		{name: "must_refuse", input: `{"type": "must_refuse"}`, want: MustRefuse{}},
		{name: "hallucination default threshold", input: `{"type": "max_hallucination_risk"}`, want: MaxHallucinationRisk{Threshold: 0.7}},
		{name: "latency default", input: `{"type": "max_latency_ms"}`, want: MaxLatencyMs{Threshold: 5000}},
		{name: "token default", input: `{"type": "max_token_count"}`, want: MaxTokenCount{MaxTokens: 500}},
		{name: "similarity explicit", input: `{"type": "semantic_similarity_above", "expected": "x", "threshold": 0.5}`, want: SemanticSimilarityAbove{Expected: "x", Threshold: 0.5}},
		{name: "custom", input: `{"type": "custom", "plugin": "tone", "config": {"k": "v"}}`, want: Custom{Plugin: "tone", Config: map[string]any{"k": "v"}}},
		{name: "invalid regex is accepted", input: `{"type": "regex_must_match", "pattern": "("}`, want: RegexMustMatch{Pattern: "("}},
		{name: "missing required field", input: `{"type": "must_call_tool"}`, errPart: "tool is required"},
		{name: "threshold out of range", input: `{"type": "max_hallucination_risk", "threshold": 2}`, errPart: "threshold must be within"},
		{name: "not an object", input: `[1]`, errPart: "invalid rule"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.input))
			if tt.errPart != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errPart)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type": "must_dance"}`))

	var cfgErr *registry.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "must_dance", cfgErr.Name)
}

func TestMarshalIncludesType(t *testing.T) {
	b, err := Marshal(MustCallTool{Tool: "search"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "must_call_tool", "tool": "search"}`, string(b))

	b, err = Marshal(MustRefuse{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"type": "must_refuse"}`, string(b))
}

func TestListAndOutcomeJSON(t *testing.T) {
	list, err := ParseList([]byte(`[
		{"type": "must_contain", "value": "a"},
		{"type": "json_schema_valid", "schema": {"type": "object"}}
	]`))
	require.NoError(t, err)
	require.Len(t, list, 2)

	encoded, err := json.Marshal(list)
	require.NoError(t, err)
	var decoded List
	require.NoError(t, json.Unmarshal(encoded, &decoded))
	assert.Equal(t, list[0], decoded[0])

	outcome := Outcome{Rule: MustContain{Value: "a"}, Passed: false, Reason: ReasonMissingSubstring}
	b, err := json.Marshal(outcome)
	require.NoError(t, err)
	assert.JSONEq(t, `{"rule": {"type": "must_contain", "value": "a"}, "passed": false, "reason": "missing required substring"}`, string(b))

	var back Outcome
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, outcome, back)
}

func TestParseListErrorsCarryIndex(t *testing.T) {
	_, err := ParseList([]byte(`[{"type": "must_contain", "value": "a"}, {"type": "nope"}]`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule 1")

	l, err := ParseList(nil)
	require.NoError(t, err)
	assert.Nil(t, l)
}

func TestKindsCoversDecoders(t *testing.T) {
	assert.Len(t, Kinds(), 16)
}
