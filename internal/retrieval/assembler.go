package retrieval

import (
	"sort"
	"time"

	"github.com/jaysteelmind/dmm/internal/memory"
)

// Assembler combines the baseline pack and a retrieval result into the
// final ordered Memory Pack.
type Assembler struct{}

// NewAssembler creates an assembler.
func NewAssembler() *Assembler { return &Assembler{} }

// Assemble builds the pack: baseline entries first in baseline order, then
// retrieved entries sorted by scope (global, agent, project, ephemeral,
// other) with relevance-descending ties.
func (a *Assembler) Assemble(query string, baseline *memory.BaselinePack, retrieved *memory.RetrievalResult, budget int) *memory.Pack {
	sorted := make([]memory.PackEntry, len(retrieved.Entries))
	copy(sorted, retrieved.Entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		ri := memory.ScopeRank(memory.PathScope(sorted[i].Path))
		rj := memory.ScopeRank(memory.PathScope(sorted[j].Path))
		if ri != rj {
			return ri < rj
		}
		return sorted[i].Relevance > sorted[j].Relevance
	})

	included := make([]string, 0, len(baseline.Entries)+len(sorted))
	for _, e := range baseline.Entries {
		included = append(included, e.Path)
	}
	for _, e := range sorted {
		included = append(included, e.Path)
	}

	return &memory.Pack{
		GeneratedAt:      time.Now(),
		Query:            query,
		BaselineTokens:   baseline.TotalTokens,
		RetrievedTokens:  retrieved.TotalTokens,
		TotalTokens:      baseline.TotalTokens + retrieved.TotalTokens,
		Budget:           budget,
		BaselineEntries:  baseline.Entries,
		RetrievedEntries: sorted,
		IncludedPaths:    included,
		ExcludedPaths:    retrieved.ExcludedForBudget,
	}
}

// RetrievalBudget computes the token budget left for retrieval after the
// baseline claims its share.
func RetrievalBudget(totalBudget, baselineTokens int) int {
	b := totalBudget - baselineTokens
	if b < 0 {
		return 0
	}
	return b
}
