package adapter

import (
	"github.com/giantswarm/llm-evalgate/internal/llm"
)

// Built-in adapter names.
const (
	NameOpenAI = "openai"
	NameHTTP   = "http"
	NameKServe = "kserve"
)

// Builtins carries the shared dependencies of the built-in adapters.
type Builtins struct {
	// NewClient defaults to DefaultClientFactory.
	NewClient ClientFactory
	// LLMOptions are applied before per-run overrides.
	LLMOptions []llm.Option
	// Resolver is optional; without it the kserve adapter fails to build.
	Resolver EndpointResolver
}

// NewDefaultRegistry returns a registry holding the built-in adapters.
func NewDefaultRegistry(b Builtins) *Registry {
	if b.NewClient == nil {
		b.NewClient = DefaultClientFactory
	}
	r := NewRegistry()
	r.Register(NameOpenAI, NewChatFactory(b.NewClient, b.LLMOptions...))
	r.Register(NameHTTP, NewHTTPFactory())
	r.Register(NameKServe, NewKServeFactory(b.Resolver, b.NewClient, b.LLMOptions...))
	return r
}
