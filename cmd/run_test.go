package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/llm-evalgate/internal/eval"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

func TestPipelineConfig(t *testing.T) {
	got, err := pipelineConfig(`{"adapter": "http", "timeout": 5}`, map[string]string{"url": "http://localhost:9000"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"adapter": "http", "timeout": float64(5), "url": "http://localhost:9000"}, got)

	got, err = pipelineConfig("", nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = pipelineConfig("{", nil)
	assert.ErrorContains(t, err, "invalid --pipeline JSON")
}

func TestParseThresholds(t *testing.T) {
	got, err := parseThresholds(map[string]string{"pass_rate": "0.9"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"pass_rate": 0.9}, got)

	_, err = parseThresholds(map[string]string{"pass_rate": "high"})
	assert.ErrorContains(t, err, "threshold pass_rate")
}

func TestPrintRun(t *testing.T) {
	faith := 0.6
	blocked := false
	run := &eval.Run{
		ID:                "run-1",
		Suite:             testsuite.SuiteRef{ID: "rag-smoke", Version: 2},
		Status:            eval.StatusGateBlocked,
		ThresholdSnapshot: map[string]float64{"faithfulness": 0.7, "pass_rate": 0.8},
		OverallPassed:     &blocked,
		Summary: &eval.SummaryMetrics{
			TotalCases: 4, PassedCases: 3, FailedCases: 1, PassRate: 0.75,
			Metrics: map[string]*float64{"faithfulness": &faith, "context_recall": nil},
		},
		GateFailures: []eval.GateFailure{
			{Metric: "faithfulness", Actual: 0.6, Threshold: 0.7, Delta: -0.1},
			{Metric: "pass_rate", Actual: 0.75, Threshold: 0.8, Delta: -0.05},
		},
	}

	var buf bytes.Buffer
	printRun(&buf, run)
	out := buf.String()

	assert.Contains(t, out, "rag-smoke@v2")
	assert.Contains(t, out, "GATE_BLOCKED")
	assert.Contains(t, out, "3 passed, 1 failed, 4 total")
	assert.Contains(t, out, "context_recall")
	assert.Contains(t, out, "n/a")
	assert.Contains(t, out, "Gate failures (2)")
	assert.Contains(t, out, "faithfulness: 0.600 < 0.700 (-0.100)")
}

func TestPrintFailedCases(t *testing.T) {
	reason := "missing required substring"
	var buf bytes.Buffer
	printFailedCases(&buf, []*eval.CaseResult{
		{TestCaseID: "c1", FailureReason: &reason},
		{TestCaseID: "c2"},
	})
	assert.Contains(t, buf.String(), "Failed cases (2)")
	assert.Contains(t, buf.String(), reason)
	assert.Contains(t, buf.String(), "low scores")

	buf.Reset()
	printFailedCases(&buf, nil)
	assert.Empty(t, buf.String())
}
