package mcp

import (
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/llm-evalgate/internal/server"
)

// RegisterTools registers all MCP tools with the server.
func RegisterTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	if err := registerTestSuiteTools(s, sc); err != nil {
		return err
	}
	if err := registerRunTools(s, sc); err != nil {
		return err
	}
	if err := registerResultTools(s, sc); err != nil {
		return err
	}
	if err := registerEndpointTools(s, sc); err != nil {
		return err
	}
	return nil
}

func jsonResult(v any, what string) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal %s: %v", what, err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func requiredString(args map[string]any, key string) (string, *mcp.CallToolResult) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError(key + " is required")
	}
	return v, nil
}
