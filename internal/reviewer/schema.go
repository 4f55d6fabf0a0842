package reviewer

import (
	"fmt"
	"strings"

	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/parser"
	"github.com/jaysteelmind/dmm/internal/queue"
)

// schemaValidator re-parses proposal content as a memory file and reports
// structural problems.
type schemaValidator struct {
	parser *parser.Parser
}

// validate returns schema issues and, when parsing succeeded, the parsed
// memory for downstream validators.
func (v *schemaValidator) validate(content, targetPath string) ([]queue.Issue, *memory.File) {
	// Blank content is its own finding, distinct from content that has
	// text but no frontmatter fence.
	if strings.TrimSpace(content) == "" {
		return []queue.Issue{{
			Code:     "empty_content",
			Message:  "proposal content is empty",
			Severity: queue.SeverityError,
			Field:    "content",
		}}, nil
	}

	res := v.parser.ParseContent(content, targetPath)

	var issues []queue.Issue

	if res.Err != nil {
		issues = append(issues, queue.Issue{
			Code:     res.Err.Code,
			Message:  res.Err.Message,
			Severity: queue.SeverityError,
			Field:    "content",
		})
		return issues, nil
	}

	m := res.Memory

	for _, w := range res.Warnings {
		switch w.Code {
		case parser.WarnInvalidIDFormat:
			issues = append(issues, queue.Issue{
				Code:       "invalid_format",
				Message:    w.Message,
				Severity:   queue.SeverityWarning,
				Field:      "id",
				Suggestion: "use mem_YYYY_MM_DD_NNN",
			})
		case parser.WarnMissingTitle:
			issues = append(issues, queue.Issue{
				Code:     "missing_title",
				Message:  w.Message,
				Severity: queue.SeverityWarning,
				Field:    "content",
			})
		case parser.WarnEmptyBody:
			issues = append(issues, queue.Issue{
				Code:       "empty_body",
				Message:    w.Message,
				Severity:   queue.SeverityWarning,
				Field:      "content",
				Suggestion: "add the memory text below the header",
			})
		case parser.WarnDeprecatedHeader:
			issues = append(issues, queue.Issue{
				Code:     "deprecated_header_key",
				Message:  w.Message,
				Severity: queue.SeverityWarning,
				Field:    w.Field,
			})
		}
	}

	if len(m.Header.Tags) == 0 {
		issues = append(issues, queue.Issue{
			Code:       "empty_tags",
			Message:    "memory has no tags",
			Severity:   queue.SeverityWarning,
			Field:      "tags",
			Suggestion: "add 2-5 descriptive tags",
		})
	}

	if m.Header.Scope == memory.ScopeEphemeral && m.Header.Expires == "" {
		issues = append(issues, queue.Issue{
			Code:       "missing_expires",
			Message:    "ephemeral memory has no expires date",
			Severity:   queue.SeverityWarning,
			Field:      "expires",
			Suggestion: "set an expiry so the memory can be cleaned up",
		})
	}

	if m.Header.Confidence == memory.ConfidenceDeprecated && m.Header.Status == memory.StatusActive {
		issues = append(issues, queue.Issue{
			Code:     "status_mismatch",
			Message:  "confidence is deprecated but status is active",
			Severity: queue.SeverityWarning,
			Field:    "status",
		})
	}

	if scope := memory.PathScope(targetPath); scope != "other" && scope != string(m.Header.Scope) {
		issues = append(issues, queue.Issue{
			Code:     "scope_path_mismatch",
			Message:  fmt.Sprintf("target path is under %s/ but header scope is %s", scope, m.Header.Scope),
			Severity: queue.SeverityError,
			Field:    "scope",
		})
	}

	return issues, m
}
