package scorer

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/montanaflynn/stats"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/llm"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Metrics produced by the judge scorer.
const (
	MetricFaithfulness     = "faithfulness"
	MetricAnswerRelevancy  = "answer_relevancy"
	MetricContextPrecision = "context_precision"
	MetricContextRecall    = "context_recall"
)

// JudgeName is the registry name of the judge scorer.
const JudgeName = "judge"

// DefaultJudgeModel is the default model used for LLM-as-judge scoring.
const DefaultJudgeModel = "gpt-4o"

var judgeMetrics = []string{
	MetricFaithfulness,
	MetricAnswerRelevancy,
	MetricContextPrecision,
	MetricContextRecall,
}

// JudgeConfig holds judge configuration.
type JudgeConfig struct {
	Model       string
	Repetitions int
}

// Judge scores answers by asking an LLM to rate them. Each metric is
// rated Repetitions times and the parsed ratings are averaged.
type Judge struct {
	client llm.Client
	config JudgeConfig
}

// NewJudge creates a new Judge.
func NewJudge(client llm.Client, config JudgeConfig) *Judge {
	if config.Repetitions <= 0 {
		config.Repetitions = 3
	}
	if config.Model == "" {
		config.Model = DefaultJudgeModel
	}
	return &Judge{client: client, config: config}
}

func (j *Judge) Name() string      { return JudgeName }
func (j *Judge) Metrics() []string { return judgeMetrics }

// Score rates every judge metric.
func (j *Judge) Score(ctx context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	return j.ScoreMetrics(ctx, tc, out, judgeMetrics)
}

// ScoreMetrics rates only the named metrics. Metrics whose inputs are
// missing (no retrieved contexts, no reference) are nil.
func (j *Judge) ScoreMetrics(ctx context.Context, tc testsuite.TestCase, out *adapter.CaseOutput, metrics []string) (map[string]*float64, error) {
	contexts := out.RetrievedContexts
	scores := make(map[string]*float64, len(metrics))

	for _, metric := range metrics {
		criteria, ok := judgeCriteria[metric]
		if !ok {
			return nil, fmt.Errorf("judge cannot rate %q", metric)
		}
		if !applicable(metric, contexts, tc.Reference()) {
			scores[metric] = nil
			continue
		}

		user := buildJudgeMessage(tc.Query, contexts, tc.Reference(), out.Answer)
		v, err := j.rate(ctx, criteria, user)
		if err != nil {
			return nil, fmt.Errorf("judge %s: %w", metric, err)
		}
		scores[metric] = v
	}
	return scores, nil
}

func applicable(metric string, contexts []string, reference string) bool {
	switch metric {
	case MetricFaithfulness, MetricContextPrecision:
		return len(contexts) > 0
	case MetricContextRecall:
		return len(contexts) > 0 && reference != ""
	}
	return true
}

func buildJudgeMessage(query string, contexts []string, reference, answer string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "QUESTION: %s\n", query)
	if len(contexts) > 0 {
		b.WriteString("\nCONTEXT DOCUMENTS:\n")
		for i, c := range contexts {
			fmt.Fprintf(&b, "[%d] %s\n", i+1, c)
		}
	}
	if reference != "" {
		fmt.Fprintf(&b, "\nREFERENCE ANSWER: %s\n", reference)
	}
	fmt.Fprintf(&b, "\nACTUAL ANSWER: %s\n", answer)
	return b.String()
}

// rate asks the judge Repetitions times. It returns nil without error
// when no reply could be parsed, and an error only when every call failed.
func (j *Judge) rate(ctx context.Context, criteria, user string) (*float64, error) {
	var (
		values  []float64
		lastErr error
		failed  int
	)
	for i := 0; i < j.config.Repetitions; i++ {
		text, err := j.evaluate(ctx, criteria, user)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			slog.Debug("judge call failed", "repetition", i+1, "error", err)
			lastErr = err
			failed++
			continue
		}
		parsed := parseScore(text)
		if parsed.ParseErr != "" {
			slog.Debug("judge reply not parseable", "repetition", i+1, "raw_output", parsed.RawOutput)
			continue
		}
		values = append(values, *parsed.Fraction)
	}

	if failed == j.config.Repetitions {
		return nil, lastErr
	}
	if len(values) == 0 {
		return nil, nil
	}

	mean, err := stats.Mean(values)
	if err != nil {
		return nil, err
	}
	if len(values) > 1 {
		if variance, err := stats.PopulationVariance(values); err == nil {
			slog.Debug("judge repetitions", "values", len(values), "mean", mean, "variance", variance)
		}
	}
	return &mean, nil
}

// judgeTemperature is the closest to greedy decoding the OpenAI client can
// send. Its request drops a zero temperature and the server default of 1
// applies instead.
const judgeTemperature = 1e-6

func (j *Judge) evaluate(ctx context.Context, criteria, user string) (string, error) {
	req := llm.ChatRequest{
		Model:         j.config.Model,
		SystemMessage: judgeSystemPrompt + "\n\n" + criteria,
		UserMessage:   user,
		Temperature:   llm.Float64Ptr(judgeTemperature),
	}

	// Try streaming first.
	stream, err := j.client.ChatCompletionStream(ctx, req)
	if err == nil {
		result, streamErr := llm.CollectStream(stream)
		if streamErr == nil {
			return result, nil
		}
		slog.Warn("streaming judge call failed, falling back to non-streaming", "error", streamErr)
	} else {
		slog.Debug("streaming not available, using non-streaming", "error", err)
	}

	resp, err := j.client.ChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("judge call failed: %w", err)
	}
	return resp.Content, nil
}

// RunScore is the parsed result of a single judge reply.
type RunScore struct {
	Correct   *int
	Total     *int
	Fraction  *float64
	RawOutput string
	ParseErr  string
}

var scorePattern = regexp.MustCompile(`(\d+)\s+out\s+of\s+(\d+)`)

// parseScore reads the last "N out of M" in text and normalises it to
// [0, 1].
func parseScore(text string) RunScore {
	all := scorePattern.FindAllStringSubmatch(text, -1)
	if len(all) == 0 {
		return RunScore{RawOutput: text, ParseErr: "could not parse score from output"}
	}
	matches := all[len(all)-1]

	correct, _ := strconv.Atoi(matches[1])
	total, _ := strconv.Atoi(matches[2])
	if total <= 0 {
		return RunScore{RawOutput: text, ParseErr: "score total must be positive"}
	}
	frac := float64(correct) / float64(total)
	if frac > 1 {
		frac = 1
	}

	return RunScore{
		Correct:   &correct,
		Total:     &total,
		Fraction:  &frac,
		RawOutput: text,
	}
}
