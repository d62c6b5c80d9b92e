// Package adapter defines the boundary between the evaluation engine and the
// AI system under test, together with the built-in adapters.
package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/giantswarm/llm-evalgate/internal/registry"
)

// ToolCall is a single tool invocation reported by the system under test.
type ToolCall struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result any            `json:"result,omitempty"`
}

// Turn is one message of a multi-turn conversation.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CaseOutput is what an adapter returns for a single test case.
type CaseOutput struct {
	Answer            string         `json:"answer"`
	RetrievedContexts []string       `json:"retrieved_contexts,omitempty"`
	ToolCalls         []ToolCall     `json:"tool_calls,omitempty"`
	TurnHistory       []Turn         `json:"turn_history,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// CalledTool reports whether the output contains a call to the named tool.
func (o *CaseOutput) CalledTool(name string) bool {
	for _, tc := range o.ToolCalls {
		if tc.Tool == name {
			return true
		}
	}
	return false
}

// ToolNames returns the names of all called tools in call order.
func (o *CaseOutput) ToolNames() []string {
	names := make([]string, 0, len(o.ToolCalls))
	for _, tc := range o.ToolCalls {
		names = append(names, tc.Tool)
	}
	return names
}

// Adapter drives the system under test for one query.
// Implementations must be safe for concurrent use.
type Adapter interface {
	Run(ctx context.Context, query string, input map[string]any) (*CaseOutput, error)
}

// Func adapts a plain function to the Adapter interface.
type Func func(ctx context.Context, query string, input map[string]any) (*CaseOutput, error)

// Run calls f.
func (f Func) Run(ctx context.Context, query string, input map[string]any) (*CaseOutput, error) {
	return f(ctx, query, input)
}

// Factory builds an adapter from its pipeline configuration.
type Factory func(cfg Config) (Adapter, error)

// Registry resolves adapter names to factories.
type Registry struct {
	factories *registry.Registry[Factory]
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{factories: registry.New[Factory]("adapter")}
}

// Register adds a factory under name.
func (r *Registry) Register(name string, f Factory) {
	r.factories.Register(name, f)
}

// Build resolves name and constructs the adapter. Unknown names yield a
// *registry.ConfigurationError.
func (r *Registry) Build(name string, cfg Config) (Adapter, error) {
	f, err := r.factories.Get(name)
	if err != nil {
		return nil, err
	}
	a, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build adapter %q: %w", name, err)
	}
	return a, nil
}

// Names lists the registered adapter names.
func (r *Registry) Names() []string {
	return r.factories.Names()
}

// Config is the free-form adapter section of a run's pipeline configuration.
type Config map[string]any

// String returns the string value of key, or def.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Float returns the numeric value of key, or def.
func (c Config) Float(key string, def float64) float64 {
	switch v := c[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// Map returns the nested object at key, or nil.
func (c Config) Map(key string) map[string]any {
	if v, ok := c[key].(map[string]any); ok {
		return v
	}
	return nil
}

// StringMap returns the nested object at key with values stringified.
func (c Config) StringMap(key string) map[string]string {
	raw := c.Map(key)
	if raw == nil {
		if v, ok := c[key].(map[string]string); ok {
			return v
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = fmt.Sprint(v)
	}
	return out
}
