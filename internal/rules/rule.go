// Package rules implements structural failure rules: deterministic checks
// that run against a case output independently of metric scores.
package rules

import (
	"encoding/json"
	"fmt"
)

// Kind identifies a failure rule variant.
type Kind string

const (
	KindMustContain          Kind = "must_contain"
	KindMustNotContain       Kind = "must_not_contain"
	KindMustCallTool         Kind = "must_call_tool"
	KindMustNotCallTool      Kind = "must_not_call_tool"
	KindRegexMustMatch       Kind = "regex_must_match"
	KindRegexMustNotMatch    Kind = "regex_must_not_match"
	KindMaxHallucinationRisk Kind = "max_hallucination_risk"
	KindMustRefuse           Kind = "must_refuse"
	KindCustom               Kind = "custom"
	KindMustReturnLabel      Kind = "must_return_label"
	KindMaxLatencyMs         Kind = "max_latency_ms"
	KindMustNotContainPII    Kind = "must_not_contain_pii"
	KindJSONSchemaValid      Kind = "json_schema_valid"
	KindMaxTokenCount        Kind = "max_token_count"
	KindMustCiteSource       Kind = "must_cite_source"
	KindSemanticSimilarity   Kind = "semantic_similarity_above"
)

// FailureRule is one variant of the rule union.
type FailureRule interface {
	Kind() Kind
	Validate() error
}

type MustContain struct {
	Value string `json:"value"`
}

type MustNotContain struct {
	Value string `json:"value"`
}

type MustCallTool struct {
	Tool string `json:"tool"`
}

type MustNotCallTool struct {
	Tool string `json:"tool"`
}

type RegexMustMatch struct {
	Pattern string `json:"pattern"`
}

type RegexMustNotMatch struct {
	Pattern string `json:"pattern"`
}

// MaxHallucinationRisk fails when the named metric (faithfulness by default)
// is below Threshold. It is skipped when the metric was not produced.
type MaxHallucinationRisk struct {
	Threshold float64 `json:"threshold"`
	Metric    string  `json:"metric,omitempty"`
}

type MustRefuse struct{}

// Custom delegates to a registered plugin.
type Custom struct {
	Plugin string         `json:"plugin"`
	Config map[string]any `json:"config,omitempty"`
}

type MustReturnLabel struct {
	Labels []string `json:"labels"`
}

type MaxLatencyMs struct {
	Threshold float64 `json:"threshold"`
}

type MustNotContainPII struct{}

type JSONSchemaValid struct {
	Schema json.RawMessage `json:"schema,omitempty"`
}

type MaxTokenCount struct {
	MaxTokens int `json:"max_tokens"`
}

type MustCiteSource struct {
	Pattern string `json:"pattern,omitempty"`
}

type SemanticSimilarityAbove struct {
	Expected  string  `json:"expected"`
	Threshold float64 `json:"threshold"`
}

func (MustContain) Kind() Kind             { return KindMustContain }
func (MustNotContain) Kind() Kind          { return KindMustNotContain }
func (MustCallTool) Kind() Kind            { return KindMustCallTool }
func (MustNotCallTool) Kind() Kind         { return KindMustNotCallTool }
func (RegexMustMatch) Kind() Kind          { return KindRegexMustMatch }
func (RegexMustNotMatch) Kind() Kind       { return KindRegexMustNotMatch }
func (MaxHallucinationRisk) Kind() Kind    { return KindMaxHallucinationRisk }
func (MustRefuse) Kind() Kind              { return KindMustRefuse }
func (Custom) Kind() Kind                  { return KindCustom }
func (MustReturnLabel) Kind() Kind         { return KindMustReturnLabel }
func (MaxLatencyMs) Kind() Kind            { return KindMaxLatencyMs }
func (MustNotContainPII) Kind() Kind       { return KindMustNotContainPII }
func (JSONSchemaValid) Kind() Kind         { return KindJSONSchemaValid }
func (MaxTokenCount) Kind() Kind           { return KindMaxTokenCount }
func (MustCiteSource) Kind() Kind          { return KindMustCiteSource }
func (SemanticSimilarityAbove) Kind() Kind { return KindSemanticSimilarity }

func (r MustContain) Validate() error     { return requireField(r.Value, "value") }
func (r MustNotContain) Validate() error  { return requireField(r.Value, "value") }
func (r MustCallTool) Validate() error    { return requireField(r.Tool, "tool") }
func (r MustNotCallTool) Validate() error { return requireField(r.Tool, "tool") }

// Regex rules accept any pattern here; an uncompilable pattern is reported
// as a rule failure at evaluation time.
func (r RegexMustMatch) Validate() error    { return requireField(r.Pattern, "pattern") }
func (r RegexMustNotMatch) Validate() error { return requireField(r.Pattern, "pattern") }

func (r MaxHallucinationRisk) Validate() error {
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0, 1], got %v", r.Threshold)
	}
	return nil
}

func (MustRefuse) Validate() error { return nil }

func (r Custom) Validate() error { return requireField(r.Plugin, "plugin") }

func (MustReturnLabel) Validate() error { return nil }

func (r MaxLatencyMs) Validate() error {
	if r.Threshold <= 0 {
		return fmt.Errorf("threshold must be positive, got %v", r.Threshold)
	}
	return nil
}

func (MustNotContainPII) Validate() error { return nil }

func (r JSONSchemaValid) Validate() error {
	if len(r.Schema) > 0 && !json.Valid(r.Schema) {
		return fmt.Errorf("schema is not valid JSON")
	}
	return nil
}

func (r MaxTokenCount) Validate() error {
	if r.MaxTokens <= 0 {
		return fmt.Errorf("max_tokens must be positive, got %d", r.MaxTokens)
	}
	return nil
}

func (MustCiteSource) Validate() error { return nil }

func (r SemanticSimilarityAbove) Validate() error {
	if r.Threshold < 0 || r.Threshold > 1 {
		return fmt.Errorf("threshold must be within [0, 1], got %v", r.Threshold)
	}
	return nil
}

func requireField(v, name string) error {
	if v == "" {
		return fmt.Errorf("%s is required", name)
	}
	return nil
}
