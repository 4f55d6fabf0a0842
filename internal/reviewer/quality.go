package reviewer

import (
	"fmt"
	"strings"

	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
)

// vagueTitleWords flag a title as uninformative when it consists only of
// these.
var vagueTitleWords = map[string]bool{
	"notes": true, "misc": true, "stuff": true, "info": true,
	"memory": true, "todo": true, "general": true, "things": true,
}

// vagueTags are too generic to help retrieval.
var vagueTags = map[string]bool{
	"misc": true, "general": true, "other": true, "stuff": true, "notes": true,
}

const (
	minTags = 2
	maxTags = 8
)

// qualityValidator checks the content quality of a parsed proposal memory.
type qualityValidator struct {
	minTokens int
	maxTokens int
	maxHard   int
}

func (v *qualityValidator) validate(m *memory.File) []queue.Issue {
	var issues []queue.Issue

	switch {
	case m.TokenCount > v.maxHard:
		issues = append(issues, queue.Issue{
			Code:     "token_count_hard_limit",
			Message:  fmt.Sprintf("body is %d tokens, hard limit is %d", m.TokenCount, v.maxHard),
			Severity: queue.SeverityError,
			Field:    "content",
		})
	case m.TokenCount > v.maxTokens:
		issues = append(issues, queue.Issue{
			Code:       "token_count_high",
			Message:    fmt.Sprintf("body is %d tokens, above soft maximum %d", m.TokenCount, v.maxTokens),
			Severity:   queue.SeverityWarning,
			Field:      "content",
			Suggestion: "split into multiple focused memories",
		})
	case m.TokenCount < v.minTokens:
		issues = append(issues, queue.Issue{
			Code:       "token_count_low",
			Message:    fmt.Sprintf("body is %d tokens, below soft minimum %d", m.TokenCount, v.minTokens),
			Severity:   queue.SeverityWarning,
			Field:      "content",
			Suggestion: "add context or rationale so the memory stands alone",
		})
	}

	if n := parser.CountTopHeadings(m.Body); n > 1 {
		severity := queue.SeverityWarning
		if n > 3 {
			severity = queue.SeverityError
		}
		issues = append(issues, queue.Issue{
			Code:       "multiple_concepts",
			Message:    fmt.Sprintf("body has %d top-level headings; a memory should hold one concept", n),
			Severity:   severity,
			Field:      "content",
			Suggestion: "split each heading into its own memory",
		})
	}

	if m.Title != "" && isVagueTitle(m.Title) {
		issues = append(issues, queue.Issue{
			Code:       "vague_title",
			Message:    fmt.Sprintf("title %q is too generic", m.Title),
			Severity:   queue.SeverityWarning,
			Field:      "content",
			Suggestion: "name the specific decision or fact",
		})
	}

	issues = append(issues, v.tagIssues(m.Header.Tags)...)

	if !strings.Contains(strings.ToLower(m.Body), "because") &&
		!strings.Contains(strings.ToLower(m.Body), "rationale") &&
		!strings.Contains(strings.ToLower(m.Body), "why") {
		issues = append(issues, queue.Issue{
			Code:     "missing_rationale",
			Message:  "body does not explain why; memories age better with rationale",
			Severity: queue.SeverityInfo,
			Field:    "content",
		})
	}

	if m.Title != "" && len(m.Header.Tags) > 0 && !titleTagsCohere(m.Title, m.Header.Tags) {
		issues = append(issues, queue.Issue{
			Code:     "low_coherence",
			Message:  "no tag appears in or near the title; check that tags describe the content",
			Severity: queue.SeverityWarning,
			Field:    "tags",
		})
	}

	return issues
}

func (v *qualityValidator) tagIssues(tags []string) []queue.Issue {
	var issues []queue.Issue

	if len(tags) > 0 && len(tags) < minTags {
		issues = append(issues, queue.Issue{
			Code:     "too_few_tags",
			Message:  fmt.Sprintf("only %d tag(s); %d or more help retrieval", len(tags), minTags),
			Severity: queue.SeverityInfo,
			Field:    "tags",
		})
	}
	if len(tags) > maxTags {
		issues = append(issues, queue.Issue{
			Code:     "too_many_tags",
			Message:  fmt.Sprintf("%d tags; more than %d dilutes retrieval", len(tags), maxTags),
			Severity: queue.SeverityWarning,
			Field:    "tags",
		})
	}

	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		lower := strings.ToLower(tag)
		if vagueTags[lower] {
			issues = append(issues, queue.Issue{
				Code:     "vague_tag",
				Message:  fmt.Sprintf("tag %q is too generic", tag),
				Severity: queue.SeverityWarning,
				Field:    "tags",
			})
		}
		if seen[lower] {
			issues = append(issues, queue.Issue{
				Code:     "duplicate_tag",
				Message:  fmt.Sprintf("tag %q appears more than once", tag),
				Severity: queue.SeverityWarning,
				Field:    "tags",
			})
		}
		seen[lower] = true
	}

	return issues
}

func isVagueTitle(title string) bool {
	words := strings.Fields(strings.ToLower(title))
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		if !vagueTitleWords[w] {
			return false
		}
	}
	return true
}

// titleTagsCohere reports whether at least one tag token overlaps the
// title text.
func titleTagsCohere(title string, tags []string) bool {
	lower := strings.ToLower(title)
	for _, tag := range tags {
		for _, part := range strings.FieldsFunc(strings.ToLower(tag), func(r rune) bool {
			return r == '-' || r == '_' || r == ' '
		}) {
			if strings.Contains(lower, part) {
				return true
			}
		}
	}
	return false
}
