package reviewer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sort"

	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/queue"
	"github.com/jaysteelmind/dmm/internal/store"
)

const maxDuplicateMatches = 10

// duplicateDetector finds exact and semantic duplicates of proposal
// content among existing active memories.
type duplicateDetector struct {
	store    *store.Store
	embedder *embeddings.MemoryEmbedder

	exactThreshold    float64
	semanticThreshold float64
	warningThreshold  float64
}

// check compares a parsed proposal memory against the store. excludeID is
// the memory being updated, if any.
func (d *duplicateDetector) check(ctx context.Context, m *memory.File, excludeID string) ([]queue.Issue, []queue.DuplicateMatch) {
	var issues []queue.Issue
	var matches []queue.DuplicateMatch

	if exact := d.exactMatch(ctx, m.Body, excludeID); exact != nil {
		matches = append(matches, *exact)
		issues = append(issues, queue.Issue{
			Code:       "duplicate_exact",
			Message:    fmt.Sprintf("exact duplicate found: %s", exact.MemoryPath),
			Severity:   queue.SeverityError,
			Field:      "content",
			Suggestion: "this memory already exists; consider updating it instead",
		})
		return issues, matches
	}

	semantic := d.semanticMatches(ctx, m, excludeID)
	for _, match := range semantic {
		matches = append(matches, match)
		switch {
		case match.Similarity >= d.semanticThreshold:
			issues = append(issues, queue.Issue{
				Code:       "duplicate_semantic",
				Message:    fmt.Sprintf("semantic duplicate (%.0f%% similar): %s", match.Similarity*100, match.MemoryPath),
				Severity:   queue.SeverityError,
				Field:      "content",
				Suggestion: "a very similar memory exists; update it or differentiate this one",
			})
		case match.Similarity >= d.warningThreshold:
			issues = append(issues, queue.Issue{
				Code:       "similar_memory",
				Message:    fmt.Sprintf("similar memory (%.0f%% similar): %s", match.Similarity*100, match.MemoryPath),
				Severity:   queue.SeverityWarning,
				Field:      "content",
				Suggestion: "check whether this duplicates existing knowledge",
			})
		}
	}

	return issues, matches
}

// exactMatch hashes the proposal body and compares against every active
// memory's body hash.
func (d *duplicateDetector) exactMatch(ctx context.Context, body, excludeID string) *queue.DuplicateMatch {
	bodyHash := hashText(body)

	all, err := d.store.GetAll(ctx)
	if err != nil {
		log.Printf("reviewer: duplicate scan: %v", err)
		return nil
	}
	for _, rec := range all {
		if rec.ID == excludeID || rec.Status != memory.StatusActive {
			continue
		}
		if hashText(rec.Body) == bodyHash {
			return &queue.DuplicateMatch{
				MemoryID:   rec.ID,
				MemoryPath: rec.Path,
				Similarity: 1.0,
				MatchType:  "exact",
			}
		}
	}
	return nil
}

// semanticMatches embeds a synthetic composite of the proposal and ranks
// existing active memories by cosine similarity.
func (d *duplicateDetector) semanticMatches(ctx context.Context, m *memory.File, excludeID string) []queue.DuplicateMatch {
	composite := embeddings.CompositeText(m.Directory, m.Title, m.Header.Tags, string(m.Header.Scope), m.Body)
	vec, err := d.embedder.EmbedComposite(ctx, composite)
	if err != nil {
		log.Printf("reviewer: embedding proposal for duplicate check: %v", err)
		return nil
	}

	similar, err := d.store.SimilarToEmbedding(ctx, vec)
	if err != nil {
		log.Printf("reviewer: duplicate similarity search: %v", err)
		return nil
	}

	var matches []queue.DuplicateMatch
	for _, s := range similar {
		if s.Memory.ID == excludeID || s.Memory.Status != memory.StatusActive {
			continue
		}
		if s.Similarity < d.warningThreshold {
			continue
		}
		matchType := "similar"
		switch {
		case s.Similarity >= d.exactThreshold:
			matchType = "exact"
		case s.Similarity >= d.semanticThreshold:
			matchType = "semantic"
		}
		matches = append(matches, queue.DuplicateMatch{
			MemoryID:   s.Memory.ID,
			MemoryPath: s.Memory.Path,
			Similarity: s.Similarity,
			MatchType:  matchType,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	if len(matches) > maxDuplicateMatches {
		matches = matches[:maxDuplicateMatches]
	}
	return matches
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
