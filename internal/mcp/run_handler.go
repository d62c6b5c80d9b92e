package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/server"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// maxWait bounds how long create_run blocks when asked to wait.
const maxWait = 30 * time.Minute

type runWaiter interface {
	Wait(ctx context.Context, runID string) (*eval.Run, error)
}

func registerRunTools(s *mcpserver.MCPServer, sc *server.ServerContext) error {
	// create_run
	createTool := mcp.NewTool("create_run",
		mcp.WithDescription("Start an evaluation run of a test suite. The current gate thresholds are copied into the run and never change afterwards."),
		mcp.WithString("test_suite",
			mcp.Required(),
			mcp.Description("ID of the test suite to run (e.g. 'rag-smoke')"),
		),
		mcp.WithNumber("suite_version",
			mcp.Description("Suite version to pin (default: current version)"),
		),
		mcp.WithString("pipeline_config",
			mcp.Description(`JSON object passed to the adapter, e.g. {"adapter": "openai", "model": "gpt-4o-mini"}`),
		),
		mcp.WithString("thresholds",
			mcp.Description(`JSON object of gate threshold overrides, e.g. {"pass_rate": 0.9}`),
		),
		mcp.WithString("pipeline_version", mcp.Description("Version label of the pipeline under test")),
		mcp.WithString("git_commit_sha", mcp.Description("Commit of the pipeline under test")),
		mcp.WithString("git_branch", mcp.Description("Branch of the pipeline under test")),
		mcp.WithString("notes", mcp.Description("Free-form notes stored with the run")),
		mcp.WithBoolean("wait",
			mcp.Description("Block until the run finishes and return the final run (default: false)"),
		),
	)
	s.AddTool(createTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCreateRun(ctx, request, sc)
	})

	// cancel_run
	cancelTool := mcp.NewTool("cancel_run",
		mcp.WithDescription("Cancel a pending or running evaluation run. Results already recorded stay available."),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("ID of the run to cancel"),
		),
	)
	s.AddTool(cancelTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return handleCancelRun(ctx, request, sc)
	})

	return nil
}

func handleCreateRun(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	suiteID, errResult := requiredString(args, "test_suite")
	if errResult != nil {
		return errResult, nil
	}

	req := engine.CreateRunRequest{
		Suite:       testsuite.SuiteRef{ID: suiteID},
		TriggeredBy: "mcp",
	}
	if v, ok := args["suite_version"].(float64); ok && v > 0 {
		req.Suite.Version = int(v)
	}
	if raw, ok := args["pipeline_config"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.PipelineConfig); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid pipeline_config JSON: %v", err)), nil
		}
	}
	if raw, ok := args["thresholds"].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &req.ThresholdOverrides); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid thresholds JSON: %v", err)), nil
		}
	}
	req.PipelineVersion, _ = args["pipeline_version"].(string)
	req.GitCommitSHA, _ = args["git_commit_sha"].(string)
	req.GitBranch, _ = args["git_branch"].(string)
	req.Notes, _ = args["notes"].(string)

	run, err := sc.Runs.CreateRun(ctx, req)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to create run: %v", err)), nil
	}

	if wait, _ := args["wait"].(bool); wait {
		w, ok := sc.Runs.(runWaiter)
		if !ok {
			return mcp.NewToolResultError("waiting for runs is not supported by this server"), nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, maxWait)
		defer cancel()
		slog.Info("waiting for run", "run_id", run.ID)
		run, err = w.Wait(waitCtx, run.ID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed waiting for run: %v", err)), nil
		}
	}
	return jsonResult(run, "run")
}

func handleCancelRun(ctx context.Context, request mcp.CallToolRequest, sc *server.ServerContext) (*mcp.CallToolResult, error) {
	runID, errResult := requiredString(request.GetArguments(), "run_id")
	if errResult != nil {
		return errResult, nil
	}
	run, err := sc.Runs.CancelRun(ctx, runID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel run: %v", err)), nil
	}
	return jsonResult(run, "run")
}
