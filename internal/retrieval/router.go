// Package retrieval implements the two-stage search pipeline and the pack
// assembler.
package retrieval

import (
	"context"
	"fmt"
	"sort"

	"github.com/jaysteelmind/dmm/internal/embeddings"
	"github.com/jaysteelmind/dmm/internal/memory"
	"github.com/jaysteelmind/dmm/internal/store"
)

// Ranking weights for the final candidate score.
const (
	similarityWeight = 0.60
	priorityWeight   = 0.25
	confidenceWeight = 0.15
)

// Config holds retrieval pipeline settings.
type Config struct {
	TopKDirectories    int
	MaxCandidates      int
	DiversityThreshold float64
}

// Router executes two-stage retrieval: directory gating, candidate search,
// ranking, diversity filtering, and budget selection.
type Router struct {
	store    *store.Store
	embedder *embeddings.MemoryEmbedder
	cfg      Config
}

// NewRouter creates a retrieval router.
func NewRouter(s *store.Store, e *embeddings.MemoryEmbedder, cfg Config) *Router {
	return &Router{store: s, embedder: e, cfg: cfg}
}

// Stats returns the router's configuration for the stats endpoint.
func (r *Router) Stats() map[string]any {
	return map[string]any{
		"top_k_directories":   r.cfg.TopKDirectories,
		"max_candidates":      r.cfg.MaxCandidates,
		"diversity_threshold": r.cfg.DiversityThreshold,
		"similarity_weight":   similarityWeight,
		"priority_weight":     priorityWeight,
		"confidence_weight":   confidenceWeight,
	}
}

type candidate struct {
	rec        *memory.Indexed
	similarity float64
	score      float64
	composite  []float32
}

// Retrieve runs the full pipeline for a query within the given token budget.
func (r *Router) Retrieve(ctx context.Context, query string, budget int, filters memory.SearchFilters) (*memory.RetrievalResult, error) {
	queryVec, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	// Stage 1: directory gating.
	dirMatches, err := r.store.SearchByDirectory(ctx, queryVec, r.cfg.TopKDirectories)
	if err != nil {
		return nil, err
	}
	directories := make([]string, 0, len(dirMatches))
	for _, d := range dirMatches {
		directories = append(directories, d.Directory)
	}

	// Stage 2: candidate search, restricted to the gated directories when
	// any were found.
	matches, err := r.store.SearchByContent(ctx, queryVec, directories, filters, r.cfg.MaxCandidates)
	if err != nil {
		return nil, err
	}

	// Stage 3: ranking.
	ranked := rank(matches)

	// Stage 4: diversity filter.
	diverse := r.diversityFilter(ranked)

	// Stage 5: budget selection.
	entries, ids, excluded, total := selectWithinBudget(diverse, budget)

	return &memory.RetrievalResult{
		Entries:              entries,
		TotalTokens:          total,
		DirectoriesSearched:  directories,
		CandidatesConsidered: len(matches),
		ExcludedForBudget:    excluded,
		RetrievedIDs:         ids,
	}, nil
}

// rank scores candidates and sorts by score descending with deterministic
// tie-breaks: similarity desc, then priority desc, then path asc.
func rank(matches []store.ContentMatch) []candidate {
	ranked := make([]candidate, 0, len(matches))
	for _, m := range matches {
		score := m.Similarity*similarityWeight +
			m.Memory.Priority*priorityWeight +
			memory.ConfidenceScore(m.Memory.Confidence)*confidenceWeight
		ranked = append(ranked, candidate{
			rec:        m.Memory,
			similarity: m.Similarity,
			score:      score,
			composite:  m.Composite,
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if a.score != b.score {
			return a.score > b.score
		}
		if a.similarity != b.similarity {
			return a.similarity > b.similarity
		}
		if a.rec.Priority != b.rec.Priority {
			return a.rec.Priority > b.rec.Priority
		}
		return a.rec.Path < b.rec.Path
	})
	return ranked
}

// diversityFilter walks the ranked list and keeps a candidate only if its
// composite embedding stays below the diversity threshold against every
// already-kept candidate.
func (r *Router) diversityFilter(ranked []candidate) []candidate {
	if len(ranked) <= 1 {
		return ranked
	}

	var kept []candidate
	for _, c := range ranked {
		redundant := false
		for _, k := range kept {
			if embeddings.Similarity(c.composite, k.composite) >= r.cfg.DiversityThreshold {
				redundant = true
				break
			}
		}
		if !redundant {
			kept = append(kept, c)
		}
	}
	return kept
}

// selectWithinBudget adds candidates whose token counts fit the remaining
// budget; the rest land in excluded_for_budget.
func selectWithinBudget(candidates []candidate, budget int) (entries []memory.PackEntry, ids []string, excluded []string, total int) {
	for _, c := range candidates {
		if total+c.rec.TokenCount <= budget {
			entries = append(entries, memory.PackEntry{
				Path:       c.rec.Path,
				Title:      c.rec.Title,
				Content:    c.rec.Body,
				TokenCount: c.rec.TokenCount,
				Relevance:  round3(c.similarity),
				Source:     "retrieved",
			})
			ids = append(ids, c.rec.ID)
			total += c.rec.TokenCount
		} else {
			excluded = append(excluded, c.rec.Path)
		}
	}
	return entries, ids, excluded, total
}

func round3(v float64) float64 {
	return float64(int(v*1000+0.5)) / 1000
}
