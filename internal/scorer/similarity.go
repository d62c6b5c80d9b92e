package scorer

import (
	"context"
	"math"
	"strings"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/rules"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Metrics produced by the similarity scorer.
const (
	MetricAnswerSimilarity = "answer_similarity"
	MetricBLEU             = "bleu"
	MetricROUGE1           = "rouge_1"
	MetricROUGE2           = "rouge_2"
	MetricROUGEL           = "rouge_l"
)

// SimilarityName is the registry name of the similarity scorer.
const SimilarityName = "similarity"

const bleuMaxN = 4

var similarityMetrics = []string{
	MetricAnswerSimilarity,
	MetricBLEU,
	MetricROUGE1,
	MetricROUGE2,
	MetricROUGEL,
}

// Similarity compares the answer with the case's expected output or
// ground truth using lexical overlap. Tokens are lowercased and split on
// whitespace.
type Similarity struct{}

func (Similarity) Name() string      { return SimilarityName }
func (Similarity) Metrics() []string { return similarityMetrics }

// Score implements MetricScorer. Without a reference every metric is nil.
func (s Similarity) Score(_ context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	ref := tc.Reference()
	if ref == "" {
		return NullScores(s), nil
	}
	hyp := tokenize(out.Answer)
	refTokens := tokenize(ref)

	return map[string]*float64{
		MetricAnswerSimilarity: ptr(rules.Jaccard(out.Answer, ref)),
		MetricBLEU:             ptr(bleu(hyp, refTokens, bleuMaxN)),
		MetricROUGE1:           ptr(rougeN(hyp, refTokens, 1)),
		MetricROUGE2:           ptr(rougeN(hyp, refTokens, 2)),
		MetricROUGEL:           ptr(rougeL(hyp, refTokens)),
	}, nil
}

func tokenize(s string) []string {
	return strings.Fields(strings.ToLower(s))
}

func ngrams(tokens []string, n int) map[string]int {
	out := map[string]int{}
	for i := 0; i+n <= len(tokens); i++ {
		out[strings.Join(tokens[i:i+n], "\x00")]++
	}
	return out
}

func overlap(hyp, ref map[string]int) int {
	total := 0
	for g, c := range hyp {
		total += min(c, ref[g])
	}
	return total
}

func count(m map[string]int) int {
	total := 0
	for _, c := range m {
		total += c
	}
	return total
}

// bleu is sentence-level BLEU without smoothing: the geometric mean of
// clipped n-gram precisions times the brevity penalty.
func bleu(hyp, ref []string, maxN int) float64 {
	if len(hyp) == 0 || len(ref) == 0 {
		return 0
	}
	logSum := 0.0
	for n := 1; n <= maxN; n++ {
		h := ngrams(hyp, n)
		total := count(h)
		if total == 0 {
			return 0
		}
		p := float64(overlap(h, ngrams(ref, n))) / float64(total)
		if p == 0 {
			return 0
		}
		logSum += math.Log(p)
	}
	bp := 1.0
	if len(hyp) < len(ref) {
		bp = math.Exp(1 - float64(len(ref))/float64(len(hyp)))
	}
	return bp * math.Exp(logSum/float64(maxN))
}

func f1(p, r float64) float64 {
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func rougeN(hyp, ref []string, n int) float64 {
	h, r := ngrams(hyp, n), ngrams(ref, n)
	if len(h) == 0 || len(r) == 0 {
		return 0
	}
	o := float64(overlap(h, r))
	return f1(o/float64(count(h)), o/float64(count(r)))
}

func rougeL(hyp, ref []string) float64 {
	if len(hyp) == 0 || len(ref) == 0 {
		return 0
	}
	l := float64(lcs(hyp, ref))
	return f1(l/float64(len(hyp)), l/float64(len(ref)))
}

func lcs(a, b []string) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else {
				curr[j] = max(prev[j], curr[j-1])
			}
		}
		prev, curr = curr, prev
		clear(curr)
	}
	return prev[len(b)]
}
