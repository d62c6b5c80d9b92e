package regression

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/olekukonko/tablewriter"

	"github.com/giantswarm/llm-evalgate/internal/eval"
)

const queryWidth = 60

// Format renders diff as a plain-text report for terminals and CI logs.
func Format(diff *eval.RegressionDiff) string {
	var b strings.Builder

	baseline := "none"
	if diff.BaselineRunID != nil {
		baseline = *diff.BaselineRunID
	}
	fmt.Fprintf(&b, "Regression report for run %s\n", diff.RunID)
	fmt.Fprintf(&b, "  baseline: %s\n", baseline)
	if diff.GateBlocked {
		b.WriteString("  gate:     BLOCKED\n")
	}
	b.WriteString("\n")

	names := make([]string, 0, len(diff.MetricDeltas))
	for n, d := range diff.MetricDeltas {
		if d != nil {
			names = append(names, n)
		}
	}
	sort.Strings(names)
	if len(names) > 0 {
		table := tablewriter.NewWriter(&b)
		table.SetHeader([]string{"Metric", "Delta"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		for _, n := range names {
			table.Append([]string{n, signed(*diff.MetricDeltas[n])})
		}
		table.Render()
		b.WriteString("\n")
	}

	if len(diff.Regressions) == 0 {
		b.WriteString("No regressions.\n")
	} else {
		fmt.Fprintf(&b, "Regressions (%d):\n", len(diff.Regressions))
		for _, item := range diff.Regressions {
			writeItem(&b, "-", item)
		}
	}

	if len(diff.Improvements) > 0 {
		fmt.Fprintf(&b, "\nImprovements (%d):\n", len(diff.Improvements))
		for _, item := range diff.Improvements {
			writeItem(&b, "+", item)
		}
	}
	return b.String()
}

func writeItem(b *strings.Builder, marker string, item eval.RegressionItem) {
	label := item.TestCaseID
	if item.Query != "" {
		label += "  " + truncate(item.Query, queryWidth)
	}
	fmt.Fprintf(b, "  %s %s\n", marker, label)
	if item.BaselinePassed != item.CurrentPassed {
		fmt.Fprintf(b, "      passed: %t -> %t\n", item.BaselinePassed, item.CurrentPassed)
	}
	if marker == "-" && item.FailureReason != nil {
		fmt.Fprintf(b, "      reason: %s\n", *item.FailureReason)
	}

	metrics := make([]string, 0, len(item.Deltas))
	for m, d := range item.Deltas {
		if math.Abs(d) > Epsilon {
			metrics = append(metrics, m)
		}
	}
	sort.Strings(metrics)
	for _, m := range metrics {
		fmt.Fprintf(b, "      %-20s %.3f -> %.3f (%s)\n", m, *item.BaselineScores[m], *item.CurrentScores[m], signed(item.Deltas[m]))
	}
}

func signed(v float64) string {
	return fmt.Sprintf("%+.3f", v)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
