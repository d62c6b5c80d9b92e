package rules

import (
	"encoding/json"
	"fmt"

	"github.com/giantswarm/llm-evalgate/internal/registry"
)

// Defaults applied when a rule omits the field.
const (
	DefaultHallucinationThreshold = 0.7
	DefaultLatencyThresholdMs     = 5000
	DefaultMaxTokens              = 500
	DefaultSimilarityThreshold    = 0.8
)

type decodeFunc func(data []byte) (FailureRule, error)

func decodeAs[T FailureRule](def T) decodeFunc {
	return func(data []byte) (FailureRule, error) {
		v := def
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

var decoders = map[Kind]decodeFunc{
	KindMustContain:          decodeAs(MustContain{}),
	KindMustNotContain:       decodeAs(MustNotContain{}),
	KindMustCallTool:         decodeAs(MustCallTool{}),
	KindMustNotCallTool:      decodeAs(MustNotCallTool{}),
	KindRegexMustMatch:       decodeAs(RegexMustMatch{}),
	KindRegexMustNotMatch:    decodeAs(RegexMustNotMatch{}),
	KindMaxHallucinationRisk: decodeAs(MaxHallucinationRisk{Threshold: DefaultHallucinationThreshold}),
	KindMustRefuse:           decodeAs(MustRefuse{}),
	KindCustom:               decodeAs(Custom{}),
	KindMustReturnLabel:      decodeAs(MustReturnLabel{}),
	KindMaxLatencyMs:         decodeAs(MaxLatencyMs{Threshold: DefaultLatencyThresholdMs}),
	KindMustNotContainPII:    decodeAs(MustNotContainPII{}),
	KindJSONSchemaValid:      decodeAs(JSONSchemaValid{}),
	KindMaxTokenCount:        decodeAs(MaxTokenCount{MaxTokens: DefaultMaxTokens}),
	KindMustCiteSource:       decodeAs(MustCiteSource{}),
	KindSemanticSimilarity:   decodeAs(SemanticSimilarityAbove{Threshold: DefaultSimilarityThreshold}),
}

// Parse decodes a {"type": ..., ...} object into its rule variant and
// validates it. Unknown types yield a *registry.ConfigurationError.
func Parse(data []byte) (FailureRule, error) {
	var envelope struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("invalid rule: %w", err)
	}
	decode, ok := decoders[envelope.Type]
	if !ok {
		return nil, &registry.ConfigurationError{Kind: "rule type", Name: string(envelope.Type)}
	}
	rule, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("invalid %s rule: %w", envelope.Type, err)
	}
	if err := rule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s rule: %w", envelope.Type, err)
	}
	return rule, nil
}

// Marshal encodes a rule with its "type" discriminator.
func Marshal(rule FailureRule) ([]byte, error) {
	body, err := json.Marshal(rule)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	kind, err := json.Marshal(rule.Kind())
	if err != nil {
		return nil, err
	}
	fields["type"] = kind
	return json.Marshal(fields)
}

// List is an ordered rule list with a JSON array encoding.
type List []FailureRule

// MarshalJSON implements json.Marshaler.
func (l List) MarshalJSON() ([]byte, error) {
	raw := make([]json.RawMessage, 0, len(l))
	for _, r := range l {
		b, err := Marshal(r)
		if err != nil {
			return nil, err
		}
		raw = append(raw, b)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *List) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	out := make(List, 0, len(raw))
	for i, r := range raw {
		rule, err := Parse(r)
		if err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		out = append(out, rule)
	}
	*l = out
	return nil
}

// ParseList decodes a JSON array of rules. Empty input yields no rules.
func ParseList(data []byte) (List, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var l List
	if err := json.Unmarshal(data, &l); err != nil {
		return nil, err
	}
	return l, nil
}

// Outcome is the result of evaluating one rule against one output.
type Outcome struct {
	Rule   FailureRule
	Passed bool
	Reason string
}

type outcomeJSON struct {
	Rule   json.RawMessage `json:"rule"`
	Passed bool            `json:"passed"`
	Reason string          `json:"reason,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (o Outcome) MarshalJSON() ([]byte, error) {
	rule, err := Marshal(o.Rule)
	if err != nil {
		return nil, err
	}
	return json.Marshal(outcomeJSON{Rule: rule, Passed: o.Passed, Reason: o.Reason})
}

// UnmarshalJSON implements json.Unmarshaler.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var raw outcomeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	rule, err := Parse(raw.Rule)
	if err != nil {
		return err
	}
	*o = Outcome{Rule: rule, Passed: raw.Passed, Reason: raw.Reason}
	return nil
}
