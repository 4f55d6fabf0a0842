package store

import (
	"context"
	"sort"

	"github.com/jaysteelmind/dmm/internal/memory"
)

// DirectoryMatch pairs a directory name with its query similarity.
type DirectoryMatch struct {
	Directory  string
	Similarity float64
}

// ContentMatch pairs a memory record with its query similarity and its
// stored composite embedding.
type ContentMatch struct {
	Memory     *memory.Indexed
	Similarity float64
	Composite  []float32
}

// SearchByDirectory returns the top-k directories by cosine similarity to
// the query vector. Ties break alphabetically by directory name.
func (s *Store) SearchByDirectory(ctx context.Context, queryVec []float32, k int) ([]DirectoryMatch, error) {
	count := s.directories.Count()
	if count == 0 {
		return nil, nil
	}
	n := k
	if n > count {
		n = count
	}

	results, err := s.directories.QueryEmbedding(ctx, queryVec, n, nil, nil)
	if err != nil {
		return nil, &StoreError{Op: "search_by_directory", Err: err}
	}

	matches := make([]DirectoryMatch, len(results))
	for i, r := range results {
		matches[i] = DirectoryMatch{Directory: r.ID, Similarity: clamp01(float64(r.Similarity))}
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		return matches[i].Directory < matches[j].Directory
	})
	return matches, nil
}

// SearchByContent returns up to limit memories ordered by similarity to the
// query vector, restricted to the given directories when non-empty, with
// filters applied.
func (s *Store) SearchByContent(ctx context.Context, queryVec []float32, directories []string, filters memory.SearchFilters, limit int) ([]ContentMatch, error) {
	count := s.memories.Count()
	if count == 0 {
		return nil, nil
	}

	// Pull the full similarity ordering and post-filter; chromem's where
	// clause only does single-value equality, which cannot express the
	// filter set.
	results, err := s.memories.QueryEmbedding(ctx, queryVec, count, nil, nil)
	if err != nil {
		return nil, &StoreError{Op: "search_by_content", Err: err}
	}

	dirSet := make(map[string]bool, len(directories))
	for _, d := range directories {
		dirSet[d] = true
	}

	var matches []ContentMatch
	for _, r := range results {
		if len(matches) >= limit {
			break
		}
		if len(dirSet) > 0 && !dirSet[r.Metadata["directory"]] {
			continue
		}
		// Baseline memories are pack members, never retrieval candidates.
		if r.Metadata["scope"] == string(memory.ScopeBaseline) {
			continue
		}

		rec, err := s.GetByID(ctx, r.ID)
		if err != nil {
			continue
		}
		if !matchesFilters(rec, filters) {
			continue
		}
		matches = append(matches, ContentMatch{
			Memory:     rec,
			Similarity: clamp01(float64(r.Similarity)),
			Composite:  r.Embedding,
		})
	}
	return matches, nil
}

// SimilarToEmbedding returns every memory with its similarity to the given
// vector, most similar first. Used by the duplicate detector.
func (s *Store) SimilarToEmbedding(ctx context.Context, vec []float32) ([]ContentMatch, error) {
	count := s.memories.Count()
	if count == 0 {
		return nil, nil
	}
	results, err := s.memories.QueryEmbedding(ctx, vec, count, nil, nil)
	if err != nil {
		return nil, &StoreError{Op: "similar_to_embedding", Err: err}
	}

	matches := make([]ContentMatch, 0, len(results))
	for _, r := range results {
		rec, err := s.GetByID(ctx, r.ID)
		if err != nil {
			continue
		}
		matches = append(matches, ContentMatch{
			Memory:     rec,
			Similarity: clamp01(float64(r.Similarity)),
			Composite:  r.Embedding,
		})
	}
	return matches, nil
}

func matchesFilters(rec *memory.Indexed, f memory.SearchFilters) bool {
	if f.ExcludeDeprecated && (rec.Status == memory.StatusDeprecated || rec.Scope == memory.ScopeDeprecated) {
		return false
	}
	if f.ExcludeEphemeral && rec.Scope == memory.ScopeEphemeral {
		return false
	}
	if len(f.Scopes) > 0 {
		found := false
		for _, s := range f.Scopes {
			if rec.Scope == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if rec.Priority < f.MinPriority {
		return false
	}
	if f.MaxTokenCount > 0 && rec.TokenCount > f.MaxTokenCount {
		return false
	}
	return true
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
