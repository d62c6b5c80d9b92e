package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

const (
	outputText = "text"
	outputJSON = "json"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetAutoWrapText(false)
	return table
}

func score(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// printRun writes the verdict of a finished run: the summary metrics
// against the threshold snapshot, then any gate failures.
func printRun(w io.Writer, run *eval.Run) {
	fmt.Fprintf(w, "Run:    %s\n", run.ID)
	fmt.Fprintf(w, "Suite:  %s\n", run.Suite)
	fmt.Fprintf(w, "Status: %s\n", run.Status)
	if run.Error != "" {
		fmt.Fprintf(w, "Error:  %s\n", run.Error)
	}
	if run.Summary == nil {
		return
	}
	s := run.Summary
	fmt.Fprintf(w, "Cases:  %d passed, %d failed, %d total\n\n", s.PassedCases, s.FailedCases, s.TotalCases)

	values := s.Values()
	names := make([]string, 0, len(values)+len(s.Metrics))
	for name := range values {
		names = append(names, name)
	}
	for name, v := range s.Metrics {
		if v == nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	table := newTable(w, "Metric", "Value", "Threshold", "Status")
	for _, name := range names {
		value, status := "n/a", ""
		if v, ok := values[name]; ok {
			value = score(v)
		}
		threshold := ""
		if t, ok := run.ThresholdSnapshot[name]; ok {
			threshold = score(t)
			status = "ok"
		}
		for _, f := range run.GateFailures {
			if f.Metric == name {
				status = "FAIL"
			}
		}
		table.Append([]string{name, value, threshold, status})
	}
	table.Render()

	if len(run.GateFailures) > 0 {
		fmt.Fprintf(w, "\nGate failures (%d):\n", len(run.GateFailures))
		for _, f := range run.GateFailures {
			fmt.Fprintf(w, "  - %s: %s < %s (%s)\n", f.Metric, score(f.Actual), score(f.Threshold), signedScore(f.Delta))
		}
	}
}

func signedScore(v float64) string {
	if v >= 0 {
		return "+" + score(v)
	}
	return score(v)
}

// printFailedCases lists the failing cases of a run with their reasons.
func printFailedCases(w io.Writer, results []*eval.CaseResult) {
	if len(results) == 0 {
		return
	}
	fmt.Fprintf(w, "\nFailed cases (%d):\n", len(results))
	table := newTable(w, "Case", "Reason")
	for _, r := range results {
		reason := "low scores"
		if r.FailureReason != nil && *r.FailureReason != "" {
			reason = *r.FailureReason
		}
		table.Append([]string{r.TestCaseID, reason})
	}
	table.Render()
}
