package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/regression"
	"github.com/giantswarm/llm-evalgate/internal/server"
	"github.com/giantswarm/llm-evalgate/internal/store"
)

func registerResultTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// get_run
	getRunTool := mcp.NewTool("get_run",
		mcp.WithDescription("Get an evaluation run with its status, summary metrics and gate failures. Lists recent runs when run_id is omitted."),
		mcp.WithString("run_id",
			mcp.Description("Run ID (optional, lists recent runs if omitted)"),
		),
		mcp.WithString("test_suite",
			mcp.Description("Only list runs of this suite"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs to list (default: 20)"),
		),
	)
	s.AddTool(getRunTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetRun(ctx, request, sc)
	})

	// get_results
	getResultsTool := mcp.NewTool("get_results",
		mcp.WithDescription("Retrieve per-case results of a run: scores, rule outcomes and failure reasons"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithBoolean("passed",
			mcp.Description("Only return passing (true) or failing (false) cases"),
		),
	)
	s.AddTool(getResultsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetResults(ctx, request, sc)
	})

	// get_diff
	getDiffTool := mcp.NewTool("get_diff",
		mcp.WithDescription("Compare a finished run with the latest completed run of the same suite and list regressions and improvements"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithString("format",
			mcp.Description("'json' (default) or 'text' for a readable report"),
			mcp.Enum("json", "text"),
		),
	)
	s.AddTool(getDiffTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleGetDiff(ctx, request, sc)
	})

	// metric_trends
	trendsTool := mcp.NewTool("metric_trends",
		mcp.WithDescription("Show the recorded history of one metric of a suite"),
		mcp.WithString("test_suite",
			mcp.Required(),
			mcp.Description("Suite ID"),
		),
		mcp.WithString("metric",
			mcp.Required(),
			mcp.Description("Metric name, e.g. 'faithfulness' or 'pass_rate'"),
		),
		mcp.WithNumber("days",
			mcp.Description("Size of the window in days (default: 30)"),
		),
	)
	s.AddTool(trendsTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleMetricTrends(ctx, request, sc)
	})

	return nil
}

func handleGetRun(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	if runID, _ := args["run_id"].(string); runID != "" {
		run, err := sc.Runs.GetRun(ctx, runID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("run %q not found: %v", runID, err)), nil
		}
		return jsonResult(run, "run")
	}

	filter := store.RunFilter{Limit: 20}
	filter.SuiteID, _ = args["test_suite"].(string)
	if v, ok := args["limit"].(float64); ok && v > 0 {
		filter.Limit = int(v)
	}
	runs, err := sc.Runs.ListRuns(ctx, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if runs == nil {
		runs = []*eval.Run{}
	}
	return jsonResult(runs, "runs")
}

func handleGetResults(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	runID, errResult := requiredString(args, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	var filter engine.ResultFilter
	if v, ok := args["passed"].(bool); ok {
		filter.Passed = &v
	}
	results, err := sc.Runs.ListResults(ctx, runID, filter)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to get results: %v", err)), nil
	}
	return jsonResult(results, "results")
}

func handleGetDiff(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	runID, errResult := requiredString(args, "run_id")
	if errResult != nil {
		return errResult, nil
	}

	diff, err := sc.Runs.GetDiff(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to compute diff: %v", err)), nil
	}
	if format, _ := args["format"].(string); format == "text" {
		return mcp.NewToolResultText(regression.Format(diff)), nil
	}
	return jsonResult(diff, "diff")
}

func handleMetricTrends(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()
	suiteID, errResult := requiredString(args, "test_suite")
	if errResult != nil {
		return errResult, nil
	}
	metric, errResult := requiredString(args, "metric")
	if errResult != nil {
		return errResult, nil
	}
	days := engine.DefaultTrendDays
	if v, ok := args["days"].(float64); ok && v >= 1 {
		days = int(v)
	}

	entries, err := sc.Runs.Trends(ctx, suiteID, metric, days)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load metric history: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"suite_id": suiteID,
		"metric":   metric,
		"days":     days,
		"points":   entries,
	}, "metric history")
}
