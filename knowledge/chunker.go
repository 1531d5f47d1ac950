package knowledge

import (
	"fmt"
	"regexp"
	"strings"
)

// maxChunkRunes bounds the size of one chunk. Longer sections are split on
// paragraph boundaries.
const maxChunkRunes = 1500

var headingRe = regexp.MustCompile(`^#{1,6}\s+(.+)$`)

// Chunk is one indexed piece of a knowledge file.
type Chunk struct {
	ID      string
	Source  string
	Heading string
	Text    string
}

// ChunkMarkdown splits a markdown document into chunks at headings. Text
// before the first heading forms its own chunk.
func ChunkMarkdown(source, content string) []Chunk {
	var chunks []Chunk
	heading := ""
	var body []string

	flush := func() {
		text := strings.TrimSpace(strings.Join(body, "\n"))
		body = body[:0]
		if text == "" {
			return
		}
		for _, part := range splitLong(text) {
			chunks = append(chunks, Chunk{
				ID:      fmt.Sprintf("%s#%d", source, len(chunks)),
				Source:  source,
				Heading: heading,
				Text:    part,
			})
		}
	}

	inFence := false
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			inFence = !inFence
		}
		if !inFence {
			if m := headingRe.FindStringSubmatch(trimmed); m != nil {
				flush()
				heading = strings.TrimSpace(m[1])
				continue
			}
		}
		body = append(body, line)
	}
	flush()
	return chunks
}

// ChunkText splits plain text into paragraph-bounded chunks.
func ChunkText(source, content string) []Chunk {
	var chunks []Chunk
	for _, part := range splitLong(strings.TrimSpace(content)) {
		chunks = append(chunks, Chunk{
			ID:     fmt.Sprintf("%s#%d", source, len(chunks)),
			Source: source,
			Text:   part,
		})
	}
	return chunks
}

func splitLong(text string) []string {
	if text == "" {
		return nil
	}
	if len([]rune(text)) <= maxChunkRunes {
		return []string{text}
	}

	var out []string
	var cur strings.Builder
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if cur.Len() > 0 && len([]rune(cur.String()))+len([]rune(para)) > maxChunkRunes {
			out = append(out, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteString("\n\n")
		}
		cur.WriteString(para)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
