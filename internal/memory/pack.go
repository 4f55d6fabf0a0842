package memory

import (
	"fmt"
	"strings"
	"time"
)

// PackEntry is a single memory included in a pack.
type PackEntry struct {
	Path       string  `json:"path"`
	Title      string  `json:"title"`
	Content    string  `json:"content"`
	TokenCount int     `json:"token_count"`
	Relevance  float64 `json:"relevance_score"`
	Source     string  `json:"source"` // "baseline" or "retrieved"
}

// SectionMarkdown renders the entry as a markdown section.
func (e PackEntry) SectionMarkdown(includeScore bool) string {
	var header string
	switch {
	case includeScore:
		header = fmt.Sprintf("### [%s] (relevance: %.2f)", e.Path, e.Relevance)
	case e.Source == "baseline":
		header = fmt.Sprintf("### [%s] (relevance: baseline)", e.Path)
	default:
		header = fmt.Sprintf("### [%s]", e.Path)
	}
	return header + "\n\n" + e.Content
}

// BaselinePack is the pre-compiled always-included pack.
type BaselinePack struct {
	Entries     []PackEntry       `json:"entries"`
	TotalTokens int               `json:"total_tokens"`
	GeneratedAt time.Time         `json:"generated_at"`
	FileHashes  map[string]string `json:"file_hashes"`
}

// IsValid reports whether the cached pack still matches the current set of
// baseline file hashes.
func (p *BaselinePack) IsValid(current map[string]string) bool {
	if len(p.FileHashes) != len(current) {
		return false
	}
	for path, hash := range current {
		if p.FileHashes[path] != hash {
			return false
		}
	}
	return true
}

// BaselineValidation reports whether the baseline fits its token budget.
type BaselineValidation struct {
	TotalTokens    int      `json:"total_tokens"`
	Budget         int      `json:"budget"`
	IsValid        bool     `json:"is_valid"`
	OverflowFiles  []string `json:"overflow_files"`
	OverflowTokens int      `json:"overflow_tokens"`
}

// Pack is the assembled Memory Pack returned to the caller.
type Pack struct {
	GeneratedAt time.Time `json:"generated_at"`
	Query       string    `json:"query"`

	BaselineTokens  int `json:"baseline_tokens"`
	RetrievedTokens int `json:"retrieved_tokens"`
	TotalTokens     int `json:"total_tokens"`
	Budget          int `json:"budget"`

	BaselineEntries  []PackEntry `json:"baseline_entries"`
	RetrievedEntries []PackEntry `json:"retrieved_entries"`

	IncludedPaths []string `json:"included_paths"`
	ExcludedPaths []string `json:"excluded_paths"`
}

// RemainingBudget is the unspent part of the pack budget.
func (p *Pack) RemainingBudget() int {
	return p.Budget - p.TotalTokens
}

// scopeOrder is the rendering and sort order for retrieved scopes.
var scopeOrder = []string{"global", "agent", "project", "ephemeral", "other"}

// ScopeRank returns the sort position of a scope directory name. Unknown
// scopes sort last.
func ScopeRank(scope string) int {
	for i, s := range scopeOrder {
		if s == scope {
			return i
		}
	}
	return len(scopeOrder)
}

// ToMarkdown renders the pack as a markdown document. Verbose mode includes
// per-entry relevance scores and the list of budget-excluded files.
func (p *Pack) ToMarkdown(verbose bool) string {
	var b strings.Builder

	b.WriteString("# Memory Pack\n")
	fmt.Fprintf(&b, "Generated: %s\n", p.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "Task: %q\n", p.Query)
	fmt.Fprintf(&b, "Baseline tokens: %d | Retrieved tokens: %d | Total: %d\n",
		p.BaselineTokens, p.RetrievedTokens, p.TotalTokens)
	b.WriteString("\n---\n\n")

	if len(p.BaselineEntries) > 0 {
		b.WriteString("## Baseline (Always Included)\n\n")
		for _, e := range p.BaselineEntries {
			b.WriteString(e.SectionMarkdown(false))
			b.WriteString("\n\n")
		}
		b.WriteString("---\n\n")
	}

	if len(p.RetrievedEntries) > 0 {
		b.WriteString("## Retrieved Context\n\n")

		groups := make(map[string][]PackEntry)
		for _, e := range p.RetrievedEntries {
			scope := PathScope(e.Path)
			if ScopeRank(scope) == len(scopeOrder) {
				scope = "other"
			}
			groups[scope] = append(groups[scope], e)
		}

		for _, scope := range scopeOrder {
			entries, ok := groups[scope]
			if !ok {
				continue
			}
			fmt.Fprintf(&b, "### %s\n\n", strings.ToUpper(scope[:1])+scope[1:])
			for _, e := range entries {
				md := e.SectionMarkdown(verbose)
				// Entries nest one level below the scope heading.
				md = strings.Replace(md, "### [", "#### [", 1)
				b.WriteString(md)
				b.WriteString("\n\n")
			}
		}
		b.WriteString("---\n\n")
	}

	b.WriteString("## Pack Statistics\n")
	fmt.Fprintf(&b, "- Baseline: %d files, %d tokens\n", len(p.BaselineEntries), p.BaselineTokens)
	fmt.Fprintf(&b, "- Retrieved: %d files, %d tokens\n", len(p.RetrievedEntries), p.RetrievedTokens)
	fmt.Fprintf(&b, "- Budget: %d tokens\n", p.Budget)
	fmt.Fprintf(&b, "- Remaining: %d tokens\n", p.RemainingBudget())
	if len(p.ExcludedPaths) > 0 {
		fmt.Fprintf(&b, "- Excluded: %d files (budget exceeded)\n", len(p.ExcludedPaths))
	}

	if verbose && len(p.ExcludedPaths) > 0 {
		b.WriteString("\n### Excluded Files\n")
		for _, path := range p.ExcludedPaths {
			fmt.Fprintf(&b, "- %s\n", path)
		}
	}

	return b.String()
}

// SearchFilters narrows index store content searches.
type SearchFilters struct {
	Scopes            []Scope
	ExcludeDeprecated bool
	ExcludeEphemeral  bool
	MinPriority       float64
	MaxTokenCount     int
}

// DefaultSearchFilters excludes deprecated memories and nothing else.
func DefaultSearchFilters() SearchFilters {
	return SearchFilters{ExcludeDeprecated: true}
}

// RetrievalResult is the output of the two-stage retrieval pipeline.
type RetrievalResult struct {
	Entries              []PackEntry `json:"entries"`
	TotalTokens          int         `json:"total_tokens"`
	DirectoriesSearched  []string    `json:"directories_searched"`
	CandidatesConsidered int         `json:"candidates_considered"`
	ExcludedForBudget    []string    `json:"excluded_for_budget"`

	// RetrievedIDs parallels Entries, for usage tracking.
	RetrievedIDs []string `json:"-"`
}
