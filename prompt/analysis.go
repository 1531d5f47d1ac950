package prompt

import (
	"errors"
	"fmt"
	"strings"
)

// Keyword bounds of a valid analysis.
const (
	MinKeywords = 3
	MaxKeywords = 5
)

// ErrMalformedAnalysis is returned when the analysis output does not match
// the requested structure.
var ErrMalformedAnalysis = errors.New("malformed analysis output")

// Analysis is the structured output of the analysis stage.
type Analysis struct {
	MainTopic string   `json:"mainTopic"`
	Keywords  []string `json:"keywords"`
	Domain    string   `json:"domain"`
	Question  string   `json:"question"`
}

// Validate checks the keyword count and required fields. Keywords are trimmed
// and blanks dropped before counting.
func (a *Analysis) Validate() error {
	kept := a.Keywords[:0]
	for _, k := range a.Keywords {
		if k = strings.TrimSpace(k); k != "" {
			kept = append(kept, k)
		}
	}
	a.Keywords = kept

	if strings.TrimSpace(a.MainTopic) == "" {
		return fmt.Errorf("%w: mainTopic is empty", ErrMalformedAnalysis)
	}
	if n := len(a.Keywords); n < MinKeywords || n > MaxKeywords {
		return fmt.Errorf("%w: expected %d-%d keywords, got %d", ErrMalformedAnalysis, MinKeywords, MaxKeywords, n)
	}
	return nil
}

// AnalysisInput is the content analyzed in the first stage.
type AnalysisInput struct {
	Platform string
	PostText string
}

// AnalysisPrompt builds the first-stage prompt, which extracts topic,
// keywords, domain and question from the post as JSON.
func AnalysisPrompt(in AnalysisInput, marker string) (string, error) {
	instructions := fmt.Sprintf(`You analyze a %s post so a reply can be drafted later.

Extract:
- mainTopic: the main subject of the post in a short phrase
- keywords: %d to %d search keywords that capture the subject
- domain: the broad field the post belongs to (e.g., "software", "finance")
- question: the question the author asks, or an empty string if there is none

Respond with a single JSON object and nothing else:

`+"```json"+`
{
  "mainTopic": "...",
  "keywords": ["...", "...", "..."],
  "domain": "...",
  "question": "..."
}
`+"```", platformName(in.Platform), MinKeywords, MaxKeywords)

	return Build(
		[]Section{{Title: "Task", Body: instructions}},
		marker,
		[]Section{{Title: "Post", Body: in.PostText}},
	)
}

func platformName(p string) string {
	if p == "" {
		return "social media"
	}
	return p
}
