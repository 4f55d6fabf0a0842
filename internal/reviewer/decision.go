package reviewer

import (
	"fmt"
	"strings"

	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/queue"
)

// criticalCodes force rejection confidence to 1.0.
var criticalCodes = map[string]bool{
	"duplicate_exact":         true,
	"duplicate_semantic":      true,
	"missing_required_fields": true,
	"invalid_yaml":            true,
	"empty_content":           true,
	"token_count_hard_limit":  true,
}

// minorWarningCodes deduct less from approval confidence.
var minorWarningCodes = map[string]bool{
	"missing_rationale": true,
	"low_coherence":     true,
	"vague_tag":         true,
	"missing_title":     true,
}

// decisionEngine turns collected issues into a review decision.
type decisionEngine struct {
	autoApproveThreshold float64
}

func (d *decisionEngine) decide(p *queue.Proposal, schemaIssues, qualityIssues, duplicateIssues, conflictIssues []queue.Issue, duplicates []queue.DuplicateMatch) *queue.ReviewResult {
	all := make([]queue.Issue, 0, len(schemaIssues)+len(qualityIssues)+len(duplicateIssues)+len(conflictIssues))
	all = append(all, schemaIssues...)
	all = append(all, qualityIssues...)
	all = append(all, duplicateIssues...)
	all = append(all, conflictIssues...)

	result := &queue.ReviewResult{
		ProposalID:           p.ProposalID,
		SchemaValid:          !hasError(schemaIssues),
		QualityValid:         !hasError(qualityIssues),
		DuplicateCheckPassed: !hasError(duplicateIssues),
		Issues:               all,
		Duplicates:           duplicates,
	}

	if requiresHumanReview(p) {
		result.Decision = queue.DecisionDefer
		result.Confidence = 1.0
		result.Notes = "Baseline modifications require human review"
		return result
	}

	errors := filterSeverity(all, queue.SeverityError)
	if len(errors) > 0 {
		result.Decision = queue.DecisionReject
		result.Confidence = rejectionConfidence(errors)
		result.Notes = rejectionNotes(errors)
		return result
	}

	warnings := filterSeverity(all, queue.SeverityWarning)
	if len(warnings) > 0 {
		confidence := approvalConfidence(warnings)
		result.Confidence = confidence
		if confidence >= d.autoApproveThreshold {
			result.Decision = queue.DecisionApprove
			result.Notes = fmt.Sprintf("Approved with %d warning(s)", len(warnings))
		} else {
			result.Decision = queue.DecisionDefer
			result.Notes = fmt.Sprintf("Deferred due to %d warning(s) - confidence below threshold", len(warnings))
		}
		return result
	}

	result.Decision = queue.DecisionApprove
	result.Confidence = 1.0
	result.Notes = "All validations passed"
	return result
}

// requiresHumanReview guards the baseline scope: writes into baseline/ and
// promotions into it are always deferred.
func requiresHumanReview(p *queue.Proposal) bool {
	if memory.PathScope(p.TargetPath) == string(memory.ScopeBaseline) {
		return true
	}
	return p.Type == queue.TypePromote && p.NewScope == string(memory.ScopeBaseline)
}

func rejectionConfidence(errors []queue.Issue) float64 {
	for _, e := range errors {
		if criticalCodes[e.Code] {
			return 1.0
		}
	}
	confidence := 0.8 + float64(len(errors))*0.05
	if confidence > 1.0 {
		return 1.0
	}
	return confidence
}

func approvalConfidence(warnings []queue.Issue) float64 {
	confidence := 1.0
	for _, w := range warnings {
		if minorWarningCodes[w.Code] {
			confidence -= 0.02
		} else {
			confidence -= 0.05
		}
	}
	if confidence < 0.5 {
		return 0.5
	}
	return confidence
}

func rejectionNotes(errors []queue.Issue) string {
	if len(errors) == 1 {
		note := "Rejected: " + errors[0].Message
		if errors[0].Suggestion != "" {
			note += ". Suggestion: " + errors[0].Suggestion
		}
		return note
	}

	lines := []string{fmt.Sprintf("Rejected with %d error(s):", len(errors))}
	for i, e := range errors {
		if i == 5 {
			lines = append(lines, fmt.Sprintf("  ... and %d more", len(errors)-5))
			break
		}
		lines = append(lines, fmt.Sprintf("  %d. %s", i+1, e.Message))
	}
	return strings.Join(lines, "\n")
}

func hasError(issues []queue.Issue) bool {
	for _, i := range issues {
		if i.Severity == queue.SeverityError {
			return true
		}
	}
	return false
}

func filterSeverity(issues []queue.Issue, severity string) []queue.Issue {
	var out []queue.Issue
	for _, i := range issues {
		if i.Severity == severity {
			out = append(out, i)
		}
	}
	return out
}
