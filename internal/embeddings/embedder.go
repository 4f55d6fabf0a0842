// Package embeddings generates unit-normalized embedding vectors for
// memories, directories, and queries.
package embeddings

import "context"

// Provider is the backend that turns texts into raw vectors. MemoryEmbedder
// owns composite-text construction and unit normalization; providers only
// guarantee one vector per input, in input order, at a fixed dimension.
type Provider interface {
	// Embed returns one raw vector per input text, preserving order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector size. It must not change for
	// the lifetime of a store; switching models requires a full reindex.
	Dimensions() int

	// Name identifies the backing model, recorded in system metadata.
	Name() string
}
