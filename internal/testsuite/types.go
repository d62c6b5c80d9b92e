package testsuite

import (
	"fmt"

	"github.com/giantswarm/llm-evalgate/internal/rules"
)

// SystemType is the kind of AI system a suite targets. It selects the
// default adapter and metric scorers.
type SystemType string

const (
	SystemRAG     SystemType = "rag"
	SystemAgent   SystemType = "agent"
	SystemChatbot SystemType = "chatbot"
	SystemSearch  SystemType = "search"
)

// Valid reports whether t is a known system type.
func (t SystemType) Valid() bool {
	switch t {
	case SystemRAG, SystemAgent, SystemChatbot, SystemSearch:
		return true
	}
	return false
}

// SuiteRef pins a suite to a version. Version 0 means "current".
type SuiteRef struct {
	ID      string `json:"id"`
	Version int    `json:"version"`
}

func (r SuiteRef) String() string {
	if r.Version == 0 {
		return r.ID
	}
	return fmt.Sprintf("%s@v%d", r.ID, r.Version)
}

// TestSuite is a versioned, ordered collection of test cases. The engine
// only reads suites; authoring happens elsewhere.
type TestSuite struct {
	ID          string         `yaml:"-" json:"id"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Version     int            `yaml:"version" json:"version"`
	SystemType  SystemType     `yaml:"system_type" json:"system_type"`
	Metrics     []string       `yaml:"metrics" json:"metrics,omitempty"`
	Adapter     string         `yaml:"adapter" json:"adapter,omitempty"`
	Pipeline    map[string]any `yaml:"pipeline" json:"pipeline,omitempty"`
	CasesFile   string         `yaml:"cases_file" json:"-"`
	Prompt      Prompt         `yaml:"prompt" json:"prompt"`
	Cases       []TestCase     `yaml:"-" json:"cases,omitempty"`
}

// Ref returns the reference pinning this suite's current version.
func (s *TestSuite) Ref() SuiteRef {
	return SuiteRef{ID: s.ID, Version: s.Version}
}

// Prompt defines system prompt configuration for a test suite.
type Prompt struct {
	Role          string `yaml:"role" json:"role,omitempty"`
	SystemMessage string `yaml:"system_message" json:"system_message,omitempty"`
}

// TestCase is a single query with its expectations.
type TestCase struct {
	ID             string         `json:"id"`
	Query          string         `json:"query"`
	ExpectedOutput string         `json:"expected_output,omitempty"`
	GroundTruth    string         `json:"ground_truth,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	Rules          rules.List     `json:"rules,omitempty"`
}

// Reference returns the text to compare outputs against: the expected
// output when set, otherwise the ground truth.
func (c TestCase) Reference() string {
	if c.ExpectedOutput != "" {
		return c.ExpectedOutput
	}
	return c.GroundTruth
}
