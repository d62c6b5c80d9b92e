package scorer

import (
	"context"
	"fmt"
	"strings"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Metrics produced by the classification scorer.
const (
	MetricLabelPrecision = "precision"
	MetricLabelRecall    = "recall"
	MetricLabelF1        = "f1"
	MetricLabelAccuracy  = "accuracy"
)

// ClassificationName is the registry name of the classification scorer.
const ClassificationName = "classification"

const (
	// ExpectedLabelsKey is the case context key holding the expected
	// label or labels.
	ExpectedLabelsKey = "expected_labels"
	// LabelsKey is the output metadata key holding predicted labels.
	LabelsKey = "labels"
)

var classificationMetrics = []string{
	MetricLabelPrecision,
	MetricLabelRecall,
	MetricLabelF1,
	MetricLabelAccuracy,
}

// Classification compares predicted labels with the expected labels as
// case-insensitive sets. Predicted labels come from the labels metadata,
// or else from the comma separated answer.
type Classification struct{}

func (Classification) Name() string      { return ClassificationName }
func (Classification) Metrics() []string { return classificationMetrics }

// Score implements MetricScorer. All metrics are nil when the case has no
// expected_labels entry.
func (s Classification) Score(_ context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	scores := NullScores(s)

	raw, ok := tc.Context[ExpectedLabelsKey]
	if !ok || raw == nil {
		return scores, nil
	}
	expectedList, ok := stringList(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be a label or a list of labels, got %T", ExpectedLabelsKey, raw)
	}

	predictedList, ok := stringList(out.Metadata[LabelsKey])
	if !ok {
		predictedList = strings.Split(out.Answer, ",")
	}

	expected := labelSet(expectedList)
	predicted := labelSet(predictedList)
	hits := 0
	for l := range predicted {
		if expected[l] {
			hits++
		}
	}

	var precision, recall float64
	if len(predicted) > 0 {
		precision = float64(hits) / float64(len(predicted))
	}
	if len(expected) > 0 {
		recall = float64(hits) / float64(len(expected))
	}
	accuracy := 0.0
	if hits == len(predicted) && hits == len(expected) {
		accuracy = 1
	}

	scores[MetricLabelPrecision] = ptr(precision)
	scores[MetricLabelRecall] = ptr(recall)
	scores[MetricLabelF1] = ptr(f1(precision, recall))
	scores[MetricLabelAccuracy] = ptr(accuracy)
	return scores, nil
}

func labelSet(labels []string) map[string]bool {
	out := make(map[string]bool, len(labels))
	for _, l := range labels {
		if l = strings.ToLower(strings.TrimSpace(l)); l != "" {
			out[l] = true
		}
	}
	return out
}
