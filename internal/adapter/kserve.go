package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/llm-evalgate/internal/llm"
)

// EndpointResolver finds the base URL of a served model by name.
type EndpointResolver interface {
	Endpoint(ctx context.Context, name string) (string, error)
}

// NewKServeFactory returns a Factory for the "kserve" adapter. The endpoint
// of the named InferenceService is resolved on first use; calls then go
// through the chat adapter.
func NewKServeFactory(resolver EndpointResolver, newClient ClientFactory, base ...llm.Option) Factory {
	return func(cfg Config) (Adapter, error) {
		if resolver == nil {
			return nil, fmt.Errorf("kserve adapter requires cluster access")
		}
		name := cfg.String("inference_service", "")
		if name == "" {
			return nil, fmt.Errorf("inference_service is required")
		}
		chatCfg := Config{}
		for k, v := range cfg {
			chatCfg[k] = v
		}
		if chatCfg.String("model", "") == "" {
			chatCfg["model"] = name
		}
		return &kserveAdapter{
			name:     name,
			resolver: resolver,
			cfg:      chatCfg,
			build:    NewChatFactory(newClient, base...),
		}, nil
	}
}

type kserveAdapter struct {
	name     string
	resolver EndpointResolver
	cfg      Config
	build    Factory

	mu    sync.Mutex
	inner Adapter
}

func (a *kserveAdapter) Run(ctx context.Context, query string, input map[string]any) (*CaseOutput, error) {
	inner, err := a.resolve(ctx)
	if err != nil {
		return nil, err
	}
	out, err := inner.Run(ctx, query, input)
	if err != nil {
		return nil, err
	}
	if out.Metadata == nil {
		out.Metadata = map[string]any{}
	}
	out.Metadata["inference_service"] = a.name
	return out, nil
}

func (a *kserveAdapter) resolve(ctx context.Context) (Adapter, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.inner != nil {
		return a.inner, nil
	}

	endpoint, err := a.resolver.Endpoint(ctx, a.name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve endpoint for %s: %w", a.name, err)
	}
	cfg := Config{}
	for k, v := range a.cfg {
		cfg[k] = v
	}
	cfg["base_url"] = endpoint

	inner, err := a.build(cfg)
	if err != nil {
		return nil, err
	}
	a.inner = inner
	return inner, nil
}
