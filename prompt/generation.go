package prompt

import (
	"fmt"
	"strings"
)

// MaxSnippets is the most knowledge snippets included in a generation prompt.
const MaxSnippets = 3

// Snippet is a piece of the user's knowledge base.
type Snippet struct {
	Source string
	Text   string
}

// GenerationInput is everything the second stage needs.
type GenerationInput struct {
	Platform   string
	Principles string
	Voice      string
	Snippets   []Snippet
	MaxLength  int
	PostText   string
	AuthorBio  string
}

// GenerationPrompt builds the second-stage prompt. Principles are included
// verbatim; snippets beyond MaxSnippets are dropped.
func GenerationPrompt(in GenerationInput, marker string) (string, error) {
	trusted := []Section{{Title: "Task", Body: generationTask(in)}}

	if in.Principles != "" {
		trusted = append(trusted, Section{Title: "Principles", Body: in.Principles})
	}
	if in.Voice != "" {
		trusted = append(trusted, Section{Title: "Voice", Body: in.Voice})
	}

	snippets := in.Snippets
	if len(snippets) > MaxSnippets {
		snippets = snippets[:MaxSnippets]
	}
	if len(snippets) > 0 {
		var sb strings.Builder
		for i, s := range snippets {
			if i > 0 {
				sb.WriteString("\n")
			}
			fmt.Fprintf(&sb, "### Snippet %d", i+1)
			if s.Source != "" {
				fmt.Fprintf(&sb, " (%s)", s.Source)
			}
			sb.WriteString("\n\n")
			sb.WriteString(strings.TrimSpace(s.Text))
			sb.WriteString("\n")
		}
		trusted = append(trusted, Section{Title: "Knowledge", Body: sb.String()})
	}

	untrusted := []Section{{Title: "Post", Body: in.PostText}}
	if in.AuthorBio != "" {
		untrusted = append(untrusted, Section{Title: "Author bio", Body: in.AuthorBio})
	}

	return Build(trusted, marker, untrusted)
}

func generationTask(in GenerationInput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write one reply to the %s post in the data region.\n\n", platformName(in.Platform))
	sb.WriteString("- Follow the principles exactly.\n")
	sb.WriteString("- Match the voice guidance.\n")
	sb.WriteString("- Use the knowledge snippets only where they are relevant.\n")
	if in.MaxLength > 0 {
		fmt.Fprintf(&sb, "- The reply must be at most %d characters.\n", in.MaxLength)
	}
	sb.WriteString("- Output only the reply text, with no preamble or quotes.\n")
	return sb.String()
}
