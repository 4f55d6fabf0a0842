package parser

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

var markdown = goldmark.New()

// ExtractTitle returns the text of the first level-1 heading in the body,
// or the empty string if the body has none.
func ExtractTitle(body string) string {
	var title string
	walkHeadings(body, func(h *ast.Heading, src []byte) bool {
		if h.Level == 1 {
			title = headingText(h, src)
			return false
		}
		return true
	})
	return title
}

// CountTopHeadings returns the number of level-1 headings in the body. A
// memory is expected to hold exactly one concept, so more than one is a
// quality finding.
func CountTopHeadings(body string) int {
	count := 0
	walkHeadings(body, func(h *ast.Heading, src []byte) bool {
		if h.Level == 1 {
			count++
		}
		return true
	})
	return count
}

func walkHeadings(body string, visit func(h *ast.Heading, src []byte) bool) {
	src := []byte(body)
	doc := markdown.Parser().Parse(text.NewReader(src))
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if h, ok := n.(*ast.Heading); ok {
			if !visit(h, src) {
				return ast.WalkStop, nil
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
}

func headingText(h *ast.Heading, src []byte) string {
	var b strings.Builder
	for c := h.FirstChild(); c != nil; c = c.NextSibling() {
		if t, ok := c.(*ast.Text); ok {
			b.Write(t.Segment.Value(src))
		}
	}
	return strings.TrimSpace(b.String())
}
