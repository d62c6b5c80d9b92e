package scorer

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/giantswarm/llm-evalgate/internal/adapter"
	"github.com/giantswarm/llm-evalgate/internal/testsuite"
)

// Metrics produced by the conversation scorer.
const (
	MetricCoherence              = "coherence"
	MetricKnowledgeRetention     = "knowledge_retention"
	MetricRoleAdherence          = "role_adherence"
	MetricResponseRelevance      = "response_relevance"
	MetricConversationCompletion = "conversation_completion"
)

// ConversationName is the registry name of the conversation scorer.
const ConversationName = "conversation"

// Case context keys read by the conversation scorer.
const (
	EntitiesToRetainKey   = "entities_to_retain"
	RequiredKeywordsKey   = "required_keywords"
	DisallowedKeywordsKey = "disallowed_keywords"
)

var conversationMetrics = []string{
	MetricCoherence,
	MetricKnowledgeRetention,
	MetricRoleAdherence,
	MetricResponseRelevance,
	MetricConversationCompletion,
}

var (
	wordPattern = regexp.MustCompile(`[a-z0-9]+(?:'[a-z]+)?`)

	stopWords = map[string]bool{}
)

func init() {
	for _, w := range strings.Fields(`the a an is are was were be been being
		have has had do does did will would could should may might shall can need must
		i me my we our you your he she it its they them their this that these those
		what which who whom when where why how in on at to for of with by from about
		and or but not if so no yes all any hi hello hey thanks thank please just also
		very too only more most some than then up out off over own same other each such`) {
		stopWords[w] = true
	}
}

// Conversation scores a multi-turn chatbot exchange. Without a turn
// history the query and answer are scored as a single exchange.
type Conversation struct{}

func (Conversation) Name() string      { return ConversationName }
func (Conversation) Metrics() []string { return conversationMetrics }

// Score implements MetricScorer. knowledge_retention is nil without
// entities_to_retain, role_adherence is nil without keywords and
// conversation_completion is nil without a reference.
func (s Conversation) Score(_ context.Context, tc testsuite.TestCase, out *adapter.CaseOutput) (map[string]*float64, error) {
	scores := NullScores(s)

	turns := out.TurnHistory
	if len(turns) == 0 {
		turns = []adapter.Turn{
			{Role: "user", Content: tc.Query},
			{Role: "assistant", Content: out.Answer},
		}
	}
	var replies []string
	for _, t := range turns {
		if t.Role == "assistant" {
			replies = append(replies, strings.ToLower(t.Content))
		}
	}
	botText := strings.Join(replies, " ")

	scores[MetricCoherence] = ptr(coherence(turns))
	scores[MetricResponseRelevance] = ptr(responseRelevance(turns))

	entities, err := contextList(tc, EntitiesToRetainKey)
	if err != nil {
		return nil, err
	}
	if len(entities) > 0 {
		found := 0
		for _, e := range entities {
			if strings.Contains(botText, strings.ToLower(e)) {
				found++
			}
		}
		scores[MetricKnowledgeRetention] = ptr(float64(found) / float64(len(entities)))
	}

	required, err := contextList(tc, RequiredKeywordsKey)
	if err != nil {
		return nil, err
	}
	disallowed, err := contextList(tc, DisallowedKeywordsKey)
	if err != nil {
		return nil, err
	}
	if checks := len(required) + len(disallowed); checks > 0 {
		kept := 0
		for _, kw := range required {
			if strings.Contains(botText, strings.ToLower(kw)) {
				kept++
			}
		}
		for _, kw := range disallowed {
			if !strings.Contains(botText, strings.ToLower(kw)) {
				kept++
			}
		}
		scores[MetricRoleAdherence] = ptr(float64(kept) / float64(checks))
	}

	if ref := tc.Reference(); ref != "" {
		last := ""
		if len(replies) > 0 {
			last = replies[len(replies)-1]
		}
		scores[MetricConversationCompletion] = ptr(completion(last, ref))
	}
	return scores, nil
}

func contextList(tc testsuite.TestCase, key string) ([]string, error) {
	raw, ok := tc.Context[key]
	if !ok || raw == nil {
		return nil, nil
	}
	list, ok := stringList(raw)
	if !ok {
		return nil, fmt.Errorf("%s must be a list of strings, got %T", key, raw)
	}
	return list, nil
}

func words(s string) []string {
	return wordPattern.FindAllString(strings.ToLower(s), -1)
}

// coherence is the mean share of earlier content words that each reply
// picks up. A conversation without a scorable reply is coherent.
func coherence(turns []adapter.Turn) float64 {
	var (
		history []string
		sum     float64
		n       int
	)
	for _, t := range turns {
		tokens := words(t.Content)
		if t.Role == "assistant" && len(history) > 0 {
			sum += contentWordRecall(history, tokens)
			n++
		}
		history = append(history, tokens...)
	}
	if n == 0 {
		return 1
	}
	return sum / float64(n)
}

// responseRelevance is the mean share of the preceding user message's
// content words each reply picks up.
func responseRelevance(turns []adapter.Turn) float64 {
	var (
		lastUser []string
		sum      float64
		n        int
	)
	for _, t := range turns {
		switch t.Role {
		case "user":
			lastUser = words(t.Content)
		case "assistant":
			if len(lastUser) > 0 {
				sum += contentWordRecall(lastUser, words(t.Content))
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func contentWordRecall(query, response []string) float64 {
	want := map[string]bool{}
	for _, w := range query {
		if len(w) > 1 && !stopWords[w] {
			want[w] = true
		}
	}
	if len(want) == 0 {
		return 1
	}
	found := 0
	for w := range want {
		for _, r := range response {
			if stemMatch(w, r) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(want))
}

// stemMatch treats words longer than three letters as equal when one is a
// prefix of the other ("laptop" and "laptops").
func stemMatch(a, b string) bool {
	if a == b {
		return true
	}
	if len(a) <= 3 || len(b) <= 3 {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// completion grades the final reply: 1 for an exact match, 0.8 when it
// contains the reference, otherwise 0.6 times the share of reference
// tokens it contains.
func completion(reply, reference string) float64 {
	r := strings.TrimSpace(reply)
	ref := strings.ToLower(strings.TrimSpace(reference))
	if r == ref {
		return 1
	}
	if strings.Contains(r, ref) {
		return 0.8
	}
	want := map[string]bool{}
	for _, t := range strings.Fields(ref) {
		want[t] = true
	}
	if len(want) == 0 {
		return 0
	}
	have := map[string]bool{}
	for _, t := range strings.Fields(r) {
		have[t] = true
	}
	hit := 0
	for t := range want {
		if have[t] {
			hit++
		}
	}
	return float64(hit) / float64(len(want)) * 0.6
}
