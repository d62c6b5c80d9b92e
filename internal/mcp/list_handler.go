package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/llm-evalgate/internal/server"
)

func registerTestSuiteTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// list_test_suites
	listTool := mcp.NewTool("list_test_suites",
		mcp.WithDescription("List available evaluation test suites with their current version, system type and case count"),
	)
	s.AddTool(listTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleListTestSuites(ctx, request, sc)
	})
	return nil
}

func handleListTestSuites(ctx context.Context, _ mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	suites, err := sc.Runs.ListSuites(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list test suites: %v", err)), nil
	}

	type suiteInfo struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Version     int      `json:"version"`
		SystemType  string   `json:"system_type"`
		Metrics     []string `json:"metrics,omitempty"`
		CaseCount   int      `json:"case_count"`
	}

	out := make([]suiteInfo, 0, len(suites))
	for _, suite := range suites {
		out = append(out, suiteInfo{
			ID:          suite.ID,
			Name:        suite.Name,
			Description: suite.Description,
			Version:     suite.Version,
			SystemType:  string(suite.SystemType),
			Metrics:     suite.Metrics,
			CaseCount:   len(suite.Cases),
		})
	}
	return jsonResult(out, "test suites")
}
