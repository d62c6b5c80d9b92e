package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/kserve"
	"github.com/giantswarm/llm-evalgate/internal/server"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

type fakeRuns struct {
	created    engine.CreateRunRequest
	filter     engine.ResultFilter
	runFilter  store.RunFilter
	trendDays  int
	waited     string
	cancelErr  error
	diffResult *eval.RegressionDiff
}

func (f *fakeRuns) CreateRun(_ context.Context, req engine.CreateRunRequest) (*eval.Run, error) {
	f.created = req
	return &eval.Run{ID: "run-1", Suite: req.Suite, Status: eval.StatusPending}, nil
}

func (f *fakeRuns) GetRun(_ context.Context, id string) (*eval.Run, error) {
	if id != "run-1" {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return &eval.Run{ID: id, Status: eval.StatusCompleted}, nil
}

func (f *fakeRuns) ListRuns(_ context.Context, filter store.RunFilter) ([]*eval.Run, error) {
	f.runFilter = filter
	return nil, nil
}

func (f *fakeRuns) ListResults(_ context.Context, _ string, filter engine.ResultFilter) ([]*eval.CaseResult, error) {
	f.filter = filter
	reason := "timeout"
	return []*eval.CaseResult{{RunID: "run-1", TestCaseID: "c1", Passed: false, FailureReason: &reason}}, nil
}

func (f *fakeRuns) GetDiff(_ context.Context, id string) (*eval.RegressionDiff, error) {
	if f.diffResult == nil {
		return nil, engine.ErrNotFinished
	}
	return f.diffResult, nil
}

func (f *fakeRuns) CancelRun(_ context.Context, id string) (*eval.Run, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &eval.Run{ID: id, Status: eval.StatusCancelled}, nil
}

func (f *fakeRuns) Trends(_ context.Context, suiteID, metric string, days int) ([]eval.MetricHistoryEntry, error) {
	f.trendDays = days
	return []eval.MetricHistoryEntry{{SuiteID: suiteID, MetricName: metric, Value: 0.8, RecordedAt: time.Unix(0, 0).UTC()}}, nil
}

func (f *fakeRuns) ListSuites(context.Context) ([]*testsuite.TestSuite, error) {
	return []*testsuite.TestSuite{{
		ID: "rag-smoke", Name: "RAG smoke", Version: 2, SystemType: testsuite.SystemRAG,
		Metrics: []string{"faithfulness"}, Cases: []testsuite.TestCase{{ID: "a"}, {ID: "b"}},
	}}, nil
}

// waitingRuns also supports blocking until a run finishes.
type waitingRuns struct {
	fakeRuns
}

func (w *waitingRuns) Wait(_ context.Context, id string) (*eval.Run, error) {
	w.waited = id
	return &eval.Run{ID: id, Status: eval.StatusGateBlocked}, nil
}

type fakeEndpoints struct{}

func (fakeEndpoints) List(context.Context) ([]kserve.EndpointStatus, error) {
	return []kserve.EndpointStatus{{Name: "llama", Ready: true}}, nil
}

func call(args map[string]any) mcp.CallToolRequest {
	request := mcp.CallToolRequest{}
	request.Params.Arguments = args
	return request
}

func text(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	return result.Content[0].(mcp.TextContent).Text
}

func TestHandleListTestSuites(t *testing.T) {
	sc := &server.ServerContext{Runs: &fakeRuns{}}

	result, err := handleListTestSuites(context.Background(), mcp.CallToolRequest{}, sc)
	require.NoError(t, err)

	var suites []map[string]any
	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &suites))
	require.Len(t, suites, 1)
	assert.Equal(t, "rag-smoke", suites[0]["id"])
	assert.Equal(t, float64(2), suites[0]["version"])
	assert.Equal(t, float64(2), suites[0]["case_count"])
	assert.Equal(t, "rag", suites[0]["system_type"])
}

func TestHandleCreateRun(t *testing.T) {
	runs := &fakeRuns{}
	sc := &server.ServerContext{Runs: runs}

	result, err := handleCreateRun(context.Background(), call(map[string]any{
		"test_suite":      "rag-smoke",
		"suite_version":   float64(2),
		"pipeline_config": `{"adapter": "openai", "model": "gpt-4o-mini"}`,
		"thresholds":      `{"pass_rate": 0.9}`,
		"git_branch":      "main",
	}), sc)
	require.NoError(t, err)
	assert.False(t, result.IsError, text(t, result))

	assert.Equal(t, testsuite.SuiteRef{ID: "rag-smoke", Version: 2}, runs.created.Suite)
	assert.Equal(t, "gpt-4o-mini", runs.created.PipelineConfig["model"])
	assert.Equal(t, 0.9, runs.created.ThresholdOverrides["pass_rate"])
	assert.Equal(t, "main", runs.created.GitBranch)
	assert.Equal(t, "mcp", runs.created.TriggeredBy)
	assert.Contains(t, text(t, result), `"status": "PENDING"`)
}

func TestHandleCreateRunInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing suite", map[string]any{}, "test_suite is required"},
		{"bad pipeline config", map[string]any{"test_suite": "s", "pipeline_config": "{"}, "invalid pipeline_config JSON"},
		{"bad thresholds", map[string]any{"test_suite": "s", "thresholds": "[1]"}, "invalid thresholds JSON"},
		{"wait unsupported", map[string]any{"test_suite": "s", "wait": true}, "not supported"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := &server.ServerContext{Runs: &fakeRuns{}}
			result, err := handleCreateRun(context.Background(), call(tt.args), sc)
			require.NoError(t, err)
			assert.True(t, result.IsError)
			assert.Contains(t, text(t, result), tt.want)
		})
	}
}

func TestHandleCreateRunWaits(t *testing.T) {
	runs := &waitingRuns{}
	sc := &server.ServerContext{Runs: runs}

	result, err := handleCreateRun(context.Background(), call(map[string]any{
		"test_suite": "rag-smoke",
		"wait":       true,
	}), sc)
	require.NoError(t, err)
	assert.Equal(t, "run-1", runs.waited)
	assert.Contains(t, text(t, result), `"status": "GATE_BLOCKED"`)
}

func TestHandleCancelRun(t *testing.T) {
	result, err := handleCancelRun(context.Background(), call(map[string]any{"run_id": "run-1"}),
		&server.ServerContext{Runs: &fakeRuns{}})
	require.NoError(t, err)
	assert.Contains(t, text(t, result), `"status": "CANCELLED"`)

	result, err = handleCancelRun(context.Background(), call(map[string]any{"run_id": "run-1"}),
		&server.ServerContext{Runs: &fakeRuns{cancelErr: engine.ErrInvalidTransition}})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, text(t, result), "failed to cancel run")
}

func TestHandleGetRun(t *testing.T) {
	runs := &fakeRuns{}
	sc := &server.ServerContext{Runs: runs}

	result, err := handleGetRun(context.Background(), call(map[string]any{"run_id": "run-1"}), sc)
	require.NoError(t, err)
	assert.Contains(t, text(t, result), `"status": "COMPLETED"`)

	result, err = handleGetRun(context.Background(), call(map[string]any{"run_id": "nope"}), sc)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = handleGetRun(context.Background(), call(map[string]any{"test_suite": "rag-smoke", "limit": float64(5)}), sc)
	require.NoError(t, err)
	assert.Equal(t, "[]", text(t, result))
	assert.Equal(t, store.RunFilter{SuiteID: "rag-smoke", Limit: 5}, runs.runFilter)
}

func TestHandleGetResults(t *testing.T) {
	runs := &fakeRuns{}
	sc := &server.ServerContext{Runs: runs}

	result, err := handleGetResults(context.Background(), call(map[string]any{"run_id": "run-1", "passed": false}), sc)
	require.NoError(t, err)
	require.NotNil(t, runs.filter.Passed)
	assert.False(t, *runs.filter.Passed)
	assert.Contains(t, text(t, result), "timeout")

	result, err = handleGetResults(context.Background(), call(map[string]any{}), sc)
	require.NoError(t, err)
	assert.Contains(t, text(t, result), "run_id is required")
}

func TestHandleGetDiff(t *testing.T) {
	delta := -0.25
	diff := &eval.RegressionDiff{
		RunID:        "run-1",
		MetricDeltas: map[string]*float64{"faithfulness": &delta},
		Regressions:  []eval.RegressionItem{},
		Improvements: []eval.RegressionItem{},
	}
	sc := &server.ServerContext{Runs: &fakeRuns{diffResult: diff}}

	result, err := handleGetDiff(context.Background(), call(map[string]any{"run_id": "run-1"}), sc)
	require.NoError(t, err)
	var decoded eval.RegressionDiff
	require.NoError(t, json.Unmarshal([]byte(text(t, result)), &decoded))
	require.NotNil(t, decoded.MetricDeltas["faithfulness"])
	assert.InDelta(t, -0.25, *decoded.MetricDeltas["faithfulness"], 1e-9)

	result, err = handleGetDiff(context.Background(), call(map[string]any{"run_id": "run-1", "format": "text"}), sc)
	require.NoError(t, err)
	assert.Contains(t, text(t, result), "faithfulness")

	sc = &server.ServerContext{Runs: &fakeRuns{}}
	result, err = handleGetDiff(context.Background(), call(map[string]any{"run_id": "run-1"}), sc)
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, text(t, result), "failed to compute diff")
}

func TestHandleMetricTrends(t *testing.T) {
	runs := &fakeRuns{}
	sc := &server.ServerContext{Runs: runs}

	result, err := handleMetricTrends(context.Background(), call(map[string]any{
		"test_suite": "rag-smoke",
		"metric":     "pass_rate",
	}), sc)
	require.NoError(t, err)
	assert.Equal(t, engine.DefaultTrendDays, runs.trendDays)
	assert.Contains(t, text(t, result), `"metric": "pass_rate"`)

	_, err = handleMetricTrends(context.Background(), call(map[string]any{
		"test_suite": "rag-smoke",
		"metric":     "pass_rate",
		"days":       float64(7),
	}), sc)
	require.NoError(t, err)
	assert.Equal(t, 7, runs.trendDays)

	result, err = handleMetricTrends(context.Background(), call(map[string]any{"test_suite": "rag-smoke"}), sc)
	require.NoError(t, err)
	assert.Contains(t, text(t, result), "metric is required")
}

func TestHandleListEndpoints(t *testing.T) {
	result, err := handleListEndpoints(context.Background(), mcp.CallToolRequest{}, &server.ServerContext{})
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, text(t, result), "KServe is not configured")

	result, err = handleListEndpoints(context.Background(), mcp.CallToolRequest{},
		&server.ServerContext{Endpoints: fakeEndpoints{}})
	require.NoError(t, err)
	assert.Contains(t, text(t, result), "llama")
}

func TestRegisterTools(t *testing.T) {
	s := mcpserver.NewMCPServer("test", "0.0.0", mcpserver.WithToolCapabilities(true))
	require.NoError(t, RegisterTools(s, &server.ServerContext{Runs: &fakeRuns{}}))

	tools := s.ListTools()
	for _, name := range []string{
		"list_test_suites", "create_run", "cancel_run", "get_run",
		"get_results", "get_diff", "metric_trends", "list_endpoints",
	} {
		assert.Contains(t, tools, name)
	}
}
