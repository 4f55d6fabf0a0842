package reviewer

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/store"
)

// tagOverlapThreshold is the minimum number of shared tags before the
// conflict checker compares language.
const tagOverlapThreshold = 2

// contradictionPairs are token pairs whose asymmetric appearance across
// two tag-overlapping memories suggests a contradiction.
var contradictionPairs = [][2]string{
	{"always", "never"},
	{"must", "must not"},
	{"use", "avoid"},
	{"enable", "disable"},
	{"required", "forbidden"},
	{"sync", "async"},
	{"tabs", "spaces"},
}

// conflictChecker warns when a proposal likely contradicts an existing
// active memory. This lightweight in-review pass is the only conflict
// check; nothing scans existing memories for conflicts outside a review.
type conflictChecker struct {
	store *store.Store
}

func (c *conflictChecker) check(ctx context.Context, m *memory.File, excludeID string) []queue.Issue {
	if len(m.Header.Tags) == 0 {
		return nil
	}

	all, err := c.store.GetAll(ctx)
	if err != nil {
		log.Printf("reviewer: conflict scan: %v", err)
		return nil
	}

	proposalTags := make(map[string]bool, len(m.Header.Tags))
	for _, t := range m.Header.Tags {
		proposalTags[strings.ToLower(t)] = true
	}
	proposalText := strings.ToLower(m.Title + " " + m.Body)

	var issues []queue.Issue
	for _, rec := range all {
		if rec.ID == excludeID || rec.Status != memory.StatusActive {
			continue
		}

		shared := sharedTags(proposalTags, rec.Tags)
		if len(shared) < tagOverlapThreshold {
			continue
		}

		memoryText := strings.ToLower(rec.Title + " " + rec.Body)
		contradictions := contradictionsBetween(proposalText, memoryText)
		if len(contradictions) == 0 {
			continue
		}

		issues = append(issues, queue.Issue{
			Code: "conflict_warning",
			Message: fmt.Sprintf("potential conflict with %q (%s): shared tags (%s) with contradictory language (%s)",
				rec.Title, rec.Path, strings.Join(shared, ", "), strings.Join(contradictions, ", ")),
			Severity:   queue.SeverityWarning,
			Field:      "content",
			Suggestion: fmt.Sprintf("review memory %s before proceeding", rec.ID),
		})
	}
	return issues
}

func sharedTags(proposalTags map[string]bool, tags []string) []string {
	var shared []string
	for _, t := range tags {
		if proposalTags[strings.ToLower(t)] {
			shared = append(shared, strings.ToLower(t))
		}
	}
	return shared
}

// contradictionsBetween finds pairs appearing asymmetrically: one side of
// the pair in one text, the other side in the other.
func contradictionsBetween(a, b string) []string {
	var found []string
	for _, pair := range contradictionPairs {
		pos, neg := pair[0], pair[1]
		if (containsWordish(a, pos) && containsWordish(b, neg)) ||
			(containsWordish(a, neg) && containsWordish(b, pos)) {
			found = append(found, pos+"/"+neg)
			if len(found) == 3 {
				break
			}
		}
	}
	return found
}

func containsWordish(text, token string) bool {
	return strings.Contains(text, token)
}
