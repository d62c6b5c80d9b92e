package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
)

// Reply is a scripted adapter response.
type Reply struct {
	Answer    string
	Contexts  []string
	ToolCalls []adapter.ToolCall
	Err       error
	// Delay is waited before replying. The wait ends early when the
	// context is done.
	Delay time.Duration
	// Block makes the call wait until the context is done.
	Block bool
}

// ScriptedAdapter answers queries from a fixed script. It is safe for
// concurrent use.
type ScriptedAdapter struct {
	// Replies maps queries to replies.
	Replies map[string]Reply
	// Default is used for queries missing from Replies.
	Default Reply

	mu    sync.Mutex
	calls []string
}

// Run implements adapter.Adapter.
func (a *ScriptedAdapter) Run(ctx context.Context, query string, _ map[string]any) (*adapter.CaseOutput, error) {
	a.mu.Lock()
	a.calls = append(a.calls, query)
	a.mu.Unlock()

	r, ok := a.Replies[query]
	if !ok {
		r = a.Default
	}
	if r.Block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.Err != nil {
		return nil, r.Err
	}
	return &adapter.CaseOutput{
		Answer:            r.Answer,
		RetrievedContexts: r.Contexts,
		ToolCalls:         r.ToolCalls,
	}, nil
}

// Calls returns the queries received so far.
func (a *ScriptedAdapter) Calls() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}
