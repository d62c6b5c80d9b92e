package scorer

import (
	"github.com/giantswarm/llm-evalgate/internal/llm"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Builtins configures the built-in scorers. The judge is registered only
// when a client is provided.
type Builtins struct {
	JudgeClient llm.Client
	Judge       JudgeConfig
}

// NewDefaultRegistry returns a registry holding the built-in scorers.
func NewDefaultRegistry(b Builtins) *Registry {
	r := NewRegistry()
	r.Register(Similarity{})
	r.Register(ToolCalls{})
	r.Register(Ranking{})
	r.Register(Conversation{})
	r.Register(Classification{})
	if b.JudgeClient != nil {
		r.Register(NewJudge(b.JudgeClient, b.Judge))
	}
	return r
}

// DefaultMetrics returns the metrics scored for a suite that does not
// list its own.
func DefaultMetrics(t testsuite.SystemType) []string {
	switch t {
	case testsuite.SystemAgent:
		return []string{MetricToolCallF1, MetricToolCallAccuracy, MetricGoalAccuracy, MetricStepEfficiency}
	case testsuite.SystemChatbot:
		return []string{MetricCoherence, MetricKnowledgeRetention, MetricRoleAdherence, MetricResponseRelevance}
	case testsuite.SystemSearch:
		return []string{MetricNDCGAtK, MetricMAPAtK, MetricMRR, MetricPrecisionAtK, MetricRecallAtK}
	default:
		return []string{MetricFaithfulness, MetricAnswerRelevancy, MetricContextPrecision, MetricContextRecall}
	}
}
