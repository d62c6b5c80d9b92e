package server

import (
	"context"

	"github.com/giantswarm/llm-evalgate/internal/api"
	"github.com/giantswarm/llm-evalgate/internal/kserve"
)

// EndpointLister lists model endpoints available to the kserve adapter.
type EndpointLister interface {
	List(ctx context.Context) ([]kserve.EndpointStatus, error)
}

// ServerContext holds shared dependencies for MCP tool handlers.
type ServerContext struct {
	Runs      api.RunService
	Endpoints EndpointLister // nil without cluster access
	Namespace string
}
