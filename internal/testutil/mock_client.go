// Package testutil provides shared test helpers.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/giantswarm/llm-evalgate/internal/llm"
)

// MockLLMClient is a configurable mock for llm.Client used across test packages.
// It is safe for concurrent use.
type MockLLMClient struct {
	// Responses maps user messages to canned responses.
	Responses map[string]string

	// ContainsResponses maps substrings of the user message to responses.
	// Checked after Responses.
	ContainsResponses map[string]string

	// DefaultResponse is returned when no matching key is found.
	DefaultResponse string

	// Err, when set, is returned from every ChatCompletion call.
	Err error

	mu          sync.Mutex
	calls       int
	lastRequest llm.ChatRequest
}

func (m *MockLLMClient) ChatCompletion(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	m.mu.Lock()
	m.calls++
	m.lastRequest = req
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m.Err != nil {
		return nil, m.Err
	}

	if resp, ok := m.Responses[req.UserMessage]; ok {
		return &llm.ChatResponse{Content: resp}, nil
	}
	for sub, resp := range m.ContainsResponses {
		if strings.Contains(req.UserMessage, sub) {
			return &llm.ChatResponse{Content: resp}, nil
		}
	}
	if m.DefaultResponse != "" {
		return &llm.ChatResponse{Content: m.DefaultResponse}, nil
	}
	return &llm.ChatResponse{Content: "mock response"}, nil
}

func (m *MockLLMClient) ChatCompletionStream(_ context.Context, _ llm.ChatRequest) (*llm.StreamReader, error) {
	return nil, fmt.Errorf("streaming not supported in mock")
}

// Calls returns the number of ChatCompletion invocations.
func (m *MockLLMClient) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastRequest returns the most recent ChatRequest.
func (m *MockLLMClient) LastRequest() llm.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRequest
}
