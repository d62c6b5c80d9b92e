package adapter

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/giantswarm/llm-evalgate/internal/llm"
)

// ClientFactory creates an LLM client for the given options. It exists so
// tests can substitute a fake client.
type ClientFactory func(opts ...llm.Option) llm.Client

// DefaultClientFactory builds a go-openai backed client.
func DefaultClientFactory(opts ...llm.Option) llm.Client {
	return llm.NewOpenAIClient(opts...)
}

// ChatAdapter sends each query to an OpenAI-compatible chat endpoint.
//
// Case context keys understood:
//   - system_message: overrides the configured system prompt
//   - documents: list of strings inlined as context and reported as
//     retrieved contexts
//   - history: list of {role, content} prior turns
type ChatAdapter struct {
	client        llm.Client
	model         string
	systemMessage string
	temperature   *float64
	limiter       *rate.Limiter
}

// NewChatAdapter wraps client.
func NewChatAdapter(client llm.Client, model, systemMessage string, temperature *float64, rps float64) *ChatAdapter {
	a := &ChatAdapter{
		client:        client,
		model:         model,
		systemMessage: systemMessage,
		temperature:   temperature,
	}
	if rps > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	return a
}

// NewChatFactory returns a Factory for the "openai" adapter. base holds
// defaults (endpoint, key) that the per-run configuration may override.
func NewChatFactory(newClient ClientFactory, base ...llm.Option) Factory {
	return func(cfg Config) (Adapter, error) {
		opts := append([]llm.Option(nil), base...)
		if u := cfg.String("base_url", ""); u != "" {
			opts = append(opts, llm.WithBaseURL(u))
		}
		if k := cfg.String("api_key", ""); k != "" {
			opts = append(opts, llm.WithAPIKey(k))
		}
		model := cfg.String("model", "")
		if model == "" {
			return nil, fmt.Errorf("model is required")
		}

		var temp *float64
		if _, ok := cfg["temperature"]; ok {
			temp = llm.Float64Ptr(cfg.Float("temperature", 0))
		}

		return NewChatAdapter(
			newClient(opts...),
			model,
			cfg.String("system_message", ""),
			temp,
			cfg.Float("requests_per_second", 0),
		), nil
	}
}

// Run implements Adapter.
func (a *ChatAdapter) Run(ctx context.Context, query string, input map[string]any) (*CaseOutput, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	system := a.systemMessage
	if s, ok := input["system_message"].(string); ok && s != "" {
		system = s
	}

	documents := stringList(input["documents"])
	userMessage := query
	if len(documents) > 0 {
		var b strings.Builder
		b.WriteString("Context:\n")
		for i, d := range documents {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, d)
		}
		b.WriteString("\nQuestion: ")
		b.WriteString(query)
		userMessage = b.String()
	}

	history := turnList(input["history"])
	messages := make([]llm.Message, 0, len(history))
	for _, t := range history {
		messages = append(messages, llm.Message{Role: t.Role, Content: t.Content})
	}

	start := time.Now()
	resp, err := a.client.ChatCompletion(ctx, llm.ChatRequest{
		Model:         a.model,
		SystemMessage: system,
		History:       messages,
		UserMessage:   userMessage,
		Temperature:   a.temperature,
	})
	if err != nil {
		return nil, err
	}
	latency := time.Since(start)

	turns := append(history, Turn{Role: "user", Content: query}, Turn{Role: "assistant", Content: resp.Content})

	return &CaseOutput{
		Answer:            resp.Content,
		RetrievedContexts: documents,
		TurnHistory:       turns,
		Metadata: map[string]any{
			"model":             a.model,
			"latency_ms":        latency.Milliseconds(),
			"prompt_tokens":     resp.PromptTokens,
			"completion_tokens": resp.CompletionTokens,
		},
	}, nil
}

func stringList(v any) []string {
	switch items := v.(type) {
	case []string:
		return items
	case []any:
		out := make([]string, 0, len(items))
		for _, it := range items {
			out = append(out, fmt.Sprint(it))
		}
		return out
	}
	return nil
}

func turnList(v any) []Turn {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]Turn, 0, len(items))
	for _, it := range items {
		m, ok := it.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].(string)
		if role == "" {
			continue
		}
		out = append(out, Turn{Role: role, Content: content})
	}
	return out
}
