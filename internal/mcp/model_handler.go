package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/llm-evalgate/internal/server"
)

func registerEndpointTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// list_endpoints
	listTool := mcp.NewTool("list_endpoints",
		mcp.WithDescription("List KServe InferenceServices that runs can target with the 'kserve' adapter"),
	)
	s.AddTool(listTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListEndpoints(ctx, request, sc)
	})
	return nil
}

func handleListEndpoints(ctx context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	if sc.Endpoints == nil {
		return mcp.NewToolResultError("KServe is not configured (not running in-cluster or KServe not available)"), nil
	}

	statuses, err := sc.Endpoints.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list endpoints: %v", err)), nil
	}
	return jsonResult(statuses, "endpoints")
}
