package scorer

import (
	"context"
	"fmt"
	"math"
	"slices"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Metrics produced by the ranking scorer.
const (
	MetricNDCGAtK      = "ndcg_at_k"
	MetricMAPAtK       = "map_at_k"
	MetricMRR          = "mrr"
	MetricPrecisionAtK = "precision_at_k"
	MetricRecallAtK    = "recall_at_k"
)

// RankingName is the registry name of the ranking scorer.
const RankingName = "ranking"

const (
	// ExpectedRankingKey is the case context key holding the relevant
	// document IDs, most relevant first.
	ExpectedRankingKey = "expected_ranking"
	// RankingCutoffKey is the case context key overriding the cut-off k.
	RankingCutoffKey = "k"
	// RankedIDsKey is the output metadata key holding the predicted
	// document IDs in rank order.
	RankedIDsKey = "ranked_ids"

	defaultCutoff = 10
)

var rankingMetrics = []string{
	MetricNDCGAtK,
	MetricMAPAtK,
	MetricMRR,
	MetricPrecisionAtK,
	MetricRecallAtK,
}

// Ranking scores a search system's result order against the expected
// relevance order. The predicted ranking is read from the ranked_ids
// metadata, falling back to the retrieved contexts.
type Ranking struct{}

func (Ranking) Name() string      { return RankingName }
func (Ranking) Metrics() []string { return rankingMetrics }

// Score implements MetricScorer. All metrics are nil when the case has no
// expected_ranking entry.
func (s Ranking) Score(_ context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	scores := NullScores(s)

	raw, ok := tc.Context[ExpectedRankingKey]
	if !ok || raw == nil {
		return scores, nil
	}
	expected, ok := stringList(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of document IDs, got %T", ExpectedRankingKey, raw)
	}

	k := defaultCutoff
	if v, ok := tc.Context[RankingCutoffKey]; ok {
		n, ok := number(v)
		if !ok || n < 1 || n != math.Trunc(n) {
			return nil, fmt.Errorf("%s must be a positive integer, got %v", RankingCutoffKey, v)
		}
		k = int(n)
	}

	predicted := out.RetrievedContexts
	if ids, ok := stringList(out.Metadata[RankedIDsKey]); ok {
		predicted = ids
	}

	grades := relevanceGrades(expected)
	scores[MetricNDCGAtK] = ptr(ndcgAtK(predicted, grades, k))
	scores[MetricMAPAtK] = ptr(averagePrecisionAtK(predicted, grades, k))
	scores[MetricMRR] = ptr(reciprocalRank(predicted, grades))
	scores[MetricPrecisionAtK] = ptr(precisionAtK(predicted, grades, k))
	scores[MetricRecallAtK] = ptr(recallAtK(predicted, grades, k))
	return scores, nil
}

// relevanceGrades grades expected documents by position: the first of n
// documents gets n, the last gets 1. Unlisted documents grade 0.
func relevanceGrades(expected []string) map[string]int {
	grades := make(map[string]int, len(expected))
	for i, id := range expected {
		if _, seen := grades[id]; !seen {
			grades[id] = len(expected) - i
		}
	}
	return grades
}

func dcg(relevances []int) float64 {
	total := 0.0
	for i, rel := range relevances {
		total += float64(rel) / math.Log2(float64(i+2))
	}
	return total
}

func ndcgAtK(predicted []string, grades map[string]int, k int) float64 {
	top := predicted[:min(k, len(predicted))]
	got := make([]int, 0, len(top))
	for _, id := range top {
		got = append(got, grades[id])
	}
	ideal := make([]int, 0, len(grades))
	for _, g := range grades {
		ideal = append(ideal, g)
	}
	slices.Sort(ideal)
	slices.Reverse(ideal)
	ideal = ideal[:min(k, len(ideal))]

	idcg := dcg(ideal)
	if idcg == 0 {
		return 0
	}
	return dcg(got) / idcg
}

// averagePrecisionAtK uses the TREC normalisation by min(|relevant|, k).
func averagePrecisionAtK(predicted []string, grades map[string]int, k int) float64 {
	if len(grades) == 0 {
		return 0
	}
	hits, sum := 0, 0.0
	for i, id := range predicted[:min(k, len(predicted))] {
		if _, ok := grades[id]; ok {
			hits++
			sum += float64(hits) / float64(i+1)
		}
	}
	return sum / float64(min(len(grades), k))
}

func reciprocalRank(predicted []string, grades map[string]int) float64 {
	for i, id := range predicted {
		if _, ok := grades[id]; ok {
			return 1 / float64(i+1)
		}
	}
	return 0
}

func precisionAtK(predicted []string, grades map[string]int, k int) float64 {
	top := predicted[:min(k, len(predicted))]
	if len(top) == 0 {
		return 0
	}
	hits := 0
	for _, id := range top {
		if _, ok := grades[id]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(top))
}

func recallAtK(predicted []string, grades map[string]int, k int) float64 {
	if len(grades) == 0 {
		return 0
	}
	found := map[string]bool{}
	for _, id := range predicted[:min(k, len(predicted))] {
		if _, ok := grades[id]; ok {
			found[id] = true
		}
	}
	return float64(len(found)) / float64(len(grades))
}
