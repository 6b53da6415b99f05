package vault

import (
	"fmt"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Hit is one search result with a short excerpt around the match.
type Hit struct {
	Path    string
	Title   string
	Excerpt string
}

// excerptRadius is how many bytes of context surround a content match.
const excerptRadius = 80

// Search scans every note for query (case-insensitive) in the path or
// body and returns up to limit hits, filename matches first.
func (s *Store) Search(query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("search query is empty")
	}
	if limit <= 0 {
		limit = 20
	}

	notes, err := s.List(".")
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(query)
	var nameHits, bodyHits []Hit

	for _, path := range notes {
		if len(nameHits)+len(bodyHits) >= limit*2 {
			break
		}

		if strings.Contains(strings.ToLower(path), needle) {
			nameHits = append(nameHits, Hit{Path: path, Title: s.Title(path)})
			continue
		}

		abs, err := s.resolve(path)
		if err != nil {
			continue
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		body := string(data)
		idx := strings.Index(strings.ToLower(body), needle)
		if idx < 0 {
			continue
		}
		bodyHits = append(bodyHits, Hit{
			Path:    path,
			Title:   s.Title(path),
			Excerpt: excerpt(body, idx, len(query)),
		})
	}

	hits := append(nameHits, bodyHits...)
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Title returns the note's first level-1 heading, falling back to the
// filename without extension. The Markdown is parsed properly so
// setext headings and inline formatting inside the heading both work.
func (s *Store) Title(path string) string {
	fallback := strings.TrimSuffix(pathBase(path), ".md")

	abs, err := s.resolve(path)
	if err != nil {
		return fallback
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return fallback
	}

	if title := firstHeading(data); title != "" {
		return title
	}
	return fallback
}

// firstHeading walks the Markdown AST and returns the text of the first
// level-1 heading, or empty when the document has none.
func firstHeading(source []byte) string {
	doc := goldmark.DefaultParser().Parse(text.NewReader(source))

	var title string
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		heading, ok := n.(*ast.Heading)
		if !ok || heading.Level != 1 {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		for c := heading.FirstChild(); c != nil; c = c.NextSibling() {
			if t, ok := c.(*ast.Text); ok {
				b.Write(t.Segment.Value(source))
			}
		}
		title = strings.TrimSpace(b.String())
		return ast.WalkStop, nil
	})
	return title
}

func excerpt(body string, idx, matchLen int) string {
	start := idx - excerptRadius
	if start < 0 {
		start = 0
	}
	end := idx + matchLen + excerptRadius
	if end > len(body) {
		end = len(body)
	}

	e := strings.ReplaceAll(body[start:end], "\n", " ")
	if start > 0 {
		e = "..." + e
	}
	if end < len(body) {
		e += "..."
	}
	return e
}

func pathBase(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}
