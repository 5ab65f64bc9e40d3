// Package intent classifies a chat request into one of the router's
// scoring intents (code, tests, regex, analysis, explanation, general).
// Classifier is deliberately a small, pluggable interface so a cheap
// keyword heuristic can serve by default while a heavier embedding-based
// classifier slots in behind the same contract when configured.
package intent

import (
	"strings"

	"github.com/howard-nolan/llmrouter/internal/types"
)

// Classifier assigns an intent label to a request.
type Classifier interface {
	Classify(req *types.Request) string
}

// KeywordClassifier is the default classifier: it inspects the most recent
// user message for telltale substrings and falls back to "general" when
// nothing matches. It has no external dependencies and is always available.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the default, dependency-free classifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

var codeMarkers = []string{"```", "function", "class ", "def ", "import ", "package ", "implement", "refactor", "bug"}
var testMarkers = []string{"test case", "unit test", "write tests", "assert", "pytest", "testify"}
var regexMarkers = []string{"regex", "regular expression", "pattern match"}
var analysisMarkers = []string{"analyze", "analysis", "evaluate", "compare", "trade-off", "tradeoff"}
var explanationMarkers = []string{"explain", "what is", "why does", "how does", "describe"}

func (k *KeywordClassifier) Classify(req *types.Request) string {
	text := lastUserText(req)
	if text == "" {
		return "general"
	}
	lower := strings.ToLower(text)

	switch {
	case containsAny(lower, regexMarkers):
		return "regex"
	case containsAny(lower, testMarkers):
		return "tests"
	case containsAny(lower, codeMarkers):
		return "code"
	case containsAny(lower, analysisMarkers):
		return "analysis"
	case containsAny(lower, explanationMarkers):
		return "explanation"
	default:
		return "general"
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(haystack, n) {
			return true
		}
	}
	return false
}

func lastUserText(req *types.Request) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		if m.Content != "" {
			return m.Content
		}
		var b strings.Builder
		for _, p := range m.Parts {
			if p.Type == "text" {
				b.WriteString(p.Text)
			}
		}
		return b.String()
	}
	return ""
}
