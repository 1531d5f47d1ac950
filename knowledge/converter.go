package knowledge

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
)

// Pre-compiled regexes for better performance and to avoid ReDoS with runtime compilation
var (
	scriptRe         = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRe          = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	excessiveLinesRe = regexp.MustCompile(`\n{4,}`)
)

// Converter turns saved HTML pages into markdown so they chunk like notes.
type Converter struct {
	converter *md.Converter
}

// NewConverter creates a new HTML to markdown converter.
func NewConverter() *Converter {
	converter := md.NewConverter("", true, nil)
	converter.Use(plugin.GitHubFlavored())
	return &Converter{converter: converter}
}

// Convert transforms HTML content to markdown. The page title, when present,
// becomes the top-level heading.
func (c *Converter) Convert(htmlContent []byte) (string, error) {
	doc, err := html.Parse(strings.NewReader(string(htmlContent)))

	var title, body string
	if err != nil {
		body = basicHTMLCleanup(string(htmlContent))
	} else {
		title = findTitle(doc)
		body = mainContent(doc)
	}

	markdown, err := c.converter.ConvertString(body)
	if err != nil {
		return "", err
	}
	markdown = cleanMarkdown(markdown)

	if title != "" && !strings.HasPrefix(markdown, "# ") {
		markdown = "# " + title + "\n\n" + markdown
	}
	return markdown, nil
}

func findTitle(doc *html.Node) string {
	if n := findElement(doc, "title"); n != nil && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	return ""
}

// mainContent returns the HTML of the main content area, or the body with
// navigation and chrome removed.
func mainContent(doc *html.Node) string {
	for _, tag := range []string{"main", "article"} {
		if node := findElement(doc, tag); node != nil {
			return renderNode(node)
		}
	}

	removeElements(doc, map[string]bool{
		"nav": true, "header": true, "footer": true, "aside": true,
		"script": true, "style": true, "noscript": true, "iframe": true,
		"form": true, "button": true,
	})

	if body := findElement(doc, "body"); body != nil {
		return renderNode(body)
	}
	return renderNode(doc)
}

func findElement(n *html.Node, tag string) *html.Node {
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, tag); found != nil {
			return found
		}
	}
	return nil
}

func removeElements(n *html.Node, tags map[string]bool) {
	var toRemove []*html.Node
	var collect func(*html.Node)
	collect = func(node *html.Node) {
		if node.Type == html.ElementNode && tags[node.Data] {
			toRemove = append(toRemove, node)
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			collect(c)
		}
	}
	collect(n)

	for _, node := range toRemove {
		if node.Parent != nil {
			node.Parent.RemoveChild(node)
		}
	}
}

func renderNode(n *html.Node) string {
	var sb strings.Builder
	_ = html.Render(&sb, n)
	return sb.String()
}

func basicHTMLCleanup(content string) string {
	content = scriptRe.ReplaceAllString(content, "")
	return styleRe.ReplaceAllString(content, "")
}

func cleanMarkdown(content string) string {
	content = excessiveLinesRe.ReplaceAllString(content, "\n\n\n")
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}
