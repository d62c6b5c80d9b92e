package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/engine"
	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/store"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

type fakeService struct {
	runs       map[string]*eval.Run
	results    []*eval.CaseResult
	lastCreate engine.CreateRunRequest
	lastFilter engine.ResultFilter
	lastRuns   store.RunFilter
	lastTrend  []any
	createErr  error
	cancelErr  error
	diffErr    error
}

func (f *fakeService) CreateRun(_ context.Context, req engine.CreateRunRequest) (*eval.Run, error) {
	f.lastCreate = req
	if f.createErr != nil {
		return nil, f.createErr
	}
	return &eval.Run{ID: "run-new", Suite: req.Suite, Status: eval.StatusPending}, nil
}

func (f *fakeService) GetRun(_ context.Context, id string) (*eval.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, store.ErrNotFound)
	}
	return r, nil
}

func (f *fakeService) ListRuns(_ context.Context, filter store.RunFilter) ([]*eval.Run, error) {
	f.lastRuns = filter
	return nil, nil
}

func (f *fakeService) ListResults(_ context.Context, id string, filter engine.ResultFilter) ([]*eval.CaseResult, error) {
	if _, err := f.GetRun(context.Background(), id); err != nil {
		return nil, err
	}
	f.lastFilter = filter
	return f.results, nil
}

func (f *fakeService) GetDiff(_ context.Context, id string) (*eval.RegressionDiff, error) {
	if f.diffErr != nil {
		return nil, f.diffErr
	}
	return &eval.RegressionDiff{RunID: id, Regressions: []eval.RegressionItem{}, Improvements: []eval.RegressionItem{}}, nil
}

func (f *fakeService) CancelRun(_ context.Context, id string) (*eval.Run, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return &eval.Run{ID: id, Status: eval.StatusCancelled}, nil
}

func (f *fakeService) Trends(_ context.Context, suiteID, metric string, days int) ([]eval.MetricHistoryEntry, error) {
	f.lastTrend = []any{suiteID, metric, days}
	return []eval.MetricHistoryEntry{{SuiteID: suiteID, MetricName: metric, Value: 0.9, RecordedAt: time.Unix(0, 0).UTC()}}, nil
}

func (f *fakeService) ListSuites(context.Context) ([]*testsuite.TestSuite, error) {
	return []*testsuite.TestSuite{{ID: "rag-smoke", Name: "RAG smoke", Version: 3, SystemType: testsuite.SystemRAG,
		Cases: []testsuite.TestCase{{ID: "a"}, {ID: "b"}}}}, nil
}

func do(t *testing.T, svc RunService, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	NewRouter(svc).ServeHTTP(rec, req)
	return rec
}

func TestCreateRun(t *testing.T) {
	svc := &fakeService{}
	rec := do(t, svc, http.MethodPost, "/api/v1/runs", `{
		"suite": {"id": "rag-smoke"},
		"pipeline_config": {"model": "gpt-4o-mini"},
		"threshold_overrides": {"pass_rate": 0.9},
		"git_commit_sha": "abc"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var run eval.Run
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, "run-new", run.ID)
	assert.Equal(t, eval.StatusPending, run.Status)
	assert.Equal(t, "rag-smoke", svc.lastCreate.Suite.ID)
	assert.Equal(t, 0.9, svc.lastCreate.ThresholdOverrides["pass_rate"])
	assert.Equal(t, "abc", svc.lastCreate.GitCommitSHA)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		svc    *fakeService
		method string
		path   string
		body   string
		want   int
	}{
		{"malformed body", &fakeService{}, http.MethodPost, "/api/v1/runs", `{`, http.StatusBadRequest},
		{"invalid request", &fakeService{createErr: fmt.Errorf("%w: suite id is required", engine.ErrInvalidRequest)},
			http.MethodPost, "/api/v1/runs", `{}`, http.StatusBadRequest},
		{"storage failure", &fakeService{createErr: fmt.Errorf("database is locked")},
			http.MethodPost, "/api/v1/runs", `{}`, http.StatusInternalServerError},
		{"unknown run", &fakeService{}, http.MethodGet, "/api/v1/runs/nope", "", http.StatusNotFound},
		{"unknown run results", &fakeService{}, http.MethodGet, "/api/v1/runs/nope/results", "", http.StatusNotFound},
		{"cancel terminal run", &fakeService{cancelErr: fmt.Errorf("%w: done", engine.ErrInvalidTransition)},
			http.MethodPost, "/api/v1/runs/r/cancel", "", http.StatusConflict},
		{"diff of failed run", &fakeService{diffErr: engine.ErrNotFinished},
			http.MethodGet, "/api/v1/runs/r/diff", "", http.StatusConflict},
		{"bad passed filter", &fakeService{runs: map[string]*eval.Run{"r": {ID: "r"}}},
			http.MethodGet, "/api/v1/runs/r/results?passed=maybe", "", http.StatusBadRequest},
		{"bad status filter", &fakeService{}, http.MethodGet, "/api/v1/runs?status=DONE", "", http.StatusBadRequest},
		{"bad days", &fakeService{}, http.MethodGet, "/api/v1/suites/s/metrics/m?days=0", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, tt.svc, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
}

func TestReadEndpoints(t *testing.T) {
	passed := true
	svc := &fakeService{
		runs:    map[string]*eval.Run{"r1": {ID: "r1", Status: eval.StatusCompleted, OverallPassed: &passed}},
		results: []*eval.CaseResult{{TestCaseID: "a", Passed: true, Scores: map[string]*float64{"faithfulness": nil}}},
	}

	rec := do(t, svc, http.MethodGet, "/api/v1/runs/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"COMPLETED"`)

	rec = do(t, svc, http.MethodGet, "/api/v1/runs/r1/results?passed=false", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, svc.lastFilter.Passed)
	assert.False(t, *svc.lastFilter.Passed)
	assert.Contains(t, rec.Body.String(), `"faithfulness":null`)

	rec = do(t, svc, http.MethodGet, "/api/v1/runs?suite_id=qa&status=FAILED&limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
	assert.Equal(t, store.RunFilter{SuiteID: "qa", Status: eval.StatusFailed, Limit: 5}, svc.lastRuns)

	rec = do(t, svc, http.MethodGet, "/api/v1/runs/r1/diff", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"regressions":[]`)

	rec = do(t, svc, http.MethodPost, "/api/v1/runs/r1/cancel", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"CANCELLED"`)

	rec = do(t, svc, http.MethodGet, "/api/v1/suites", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"id":"rag-smoke","name":"RAG smoke","version":3,"system_type":"rag","cases":2}]`, rec.Body.String())

	rec = do(t, svc, http.MethodGet, "/api/v1/suites/rag-smoke/metrics/faithfulness?days=7", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"rag-smoke", "faithfulness", 7}, svc.lastTrend)
	assert.Contains(t, rec.Body.String(), `"days":7`)

	rec = do(t, svc, http.MethodGet, "/api/v1/suites/rag-smoke/metrics/faithfulness", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, engine.DefaultTrendDays, svc.lastTrend[2])
}
