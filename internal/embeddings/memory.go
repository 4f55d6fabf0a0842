package embeddings

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/jaysteelmind/dmm/internal/memory"
)

// MemoryEmbedding pairs the two vectors generated for a memory.
type MemoryEmbedding struct {
	MemoryID  string
	Composite []float32
	Directory []float32
}

// MemoryEmbedder builds composite and directory texts for memories and
// embeds them through a Provider. All returned vectors are unit-normalized,
// so dot product equals cosine similarity.
type MemoryEmbedder struct {
	provider Provider
}

// NewMemoryEmbedder wraps a provider.
func NewMemoryEmbedder(provider Provider) *MemoryEmbedder {
	return &MemoryEmbedder{provider: provider}
}

// Provider returns the underlying embedding provider.
func (e *MemoryEmbedder) Provider() Provider { return e.provider }

// Dimensions returns the embedding dimension. It is fixed for the lifetime
// of a store; switching models requires a full reindex.
func (e *MemoryEmbedder) Dimensions() int { return e.provider.Dimensions() }

// EmbedMemory generates the composite and directory embeddings for one memory.
func (e *MemoryEmbedder) EmbedMemory(ctx context.Context, m *memory.File) (*MemoryEmbedding, error) {
	vecs, err := e.provider.Embed(ctx, []string{
		CompositeText(m.Directory, m.Title, m.Header.Tags, string(m.Header.Scope), m.Body),
		DirectoryText(m.Directory, ""),
	})
	if err != nil {
		return nil, fmt.Errorf("embedding memory %s: %w", m.Header.ID, err)
	}
	if len(vecs) != 2 {
		return nil, fmt.Errorf("embedding memory %s: expected 2 vectors, got %d", m.Header.ID, len(vecs))
	}
	return &MemoryEmbedding{
		MemoryID:  m.Header.ID,
		Composite: Normalize(vecs[0]),
		Directory: Normalize(vecs[1]),
	}, nil
}

// EmbedBatch embeds many memories in a single provider round trip. The
// result order matches the input order.
func (e *MemoryEmbedder) EmbedBatch(ctx context.Context, memories []*memory.File) ([]*MemoryEmbedding, error) {
	if len(memories) == 0 {
		return nil, nil
	}

	texts := make([]string, 0, len(memories)*2)
	for _, m := range memories {
		texts = append(texts, CompositeText(m.Directory, m.Title, m.Header.Tags, string(m.Header.Scope), m.Body))
	}
	for _, m := range memories {
		texts = append(texts, DirectoryText(m.Directory, ""))
	}

	vecs, err := e.provider.Embed(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("batch embedding %d memories: %w", len(memories), err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("batch embedding: expected %d vectors, got %d", len(texts), len(vecs))
	}

	out := make([]*MemoryEmbedding, len(memories))
	for i, m := range memories {
		out[i] = &MemoryEmbedding{
			MemoryID:  m.Header.ID,
			Composite: Normalize(vecs[i]),
			Directory: Normalize(vecs[len(memories)+i]),
		}
	}
	return out, nil
}

// EmbedDirectory embeds a directory path, optionally with a description.
func (e *MemoryEmbedder) EmbedDirectory(ctx context.Context, dir, description string) ([]float32, error) {
	vecs, err := e.provider.Embed(ctx, []string{DirectoryText(dir, description)})
	if err != nil {
		return nil, fmt.Errorf("embedding directory %s: %w", dir, err)
	}
	return Normalize(vecs[0]), nil
}

// EmbedQuery embeds a free-text query.
func (e *MemoryEmbedder) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	vecs, err := e.provider.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	return Normalize(vecs[0]), nil
}

// EmbedComposite embeds an already-built composite text, used by the
// duplicate detector on proposal content.
func (e *MemoryEmbedder) EmbedComposite(ctx context.Context, composite string) ([]float32, error) {
	vecs, err := e.provider.Embed(ctx, []string{composite})
	if err != nil {
		return nil, fmt.Errorf("embedding composite text: %w", err)
	}
	return Normalize(vecs[0]), nil
}

// CompositeText combines structural and textual signals into the single
// text that backs a memory's composite embedding.
func CompositeText(directory, title string, tags []string, scope, body string) string {
	parts := []string{
		"[DIRECTORY] " + directory,
		"[TITLE] " + title,
		"[TAGS] " + strings.Join(tags, ", "),
		"[SCOPE] " + scope,
		"[CONTENT] " + body,
	}
	return strings.Join(parts, "\n")
}

// DirectoryText converts a directory path into semantic text, e.g.
// "project/constraints" becomes "project constraints".
func DirectoryText(directory, description string) string {
	r := strings.NewReplacer("/", " ", "_", " ", "-", " ")
	semantic := r.Replace(directory)
	if description != "" {
		return semantic + ": " + description
	}
	return semantic
}

// Normalize scales a vector to unit length. Zero vectors are returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// Similarity computes cosine similarity between two unit vectors (their
// dot product), clamped to [0, 1].
func Similarity(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}
