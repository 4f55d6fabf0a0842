package embeddings

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// LocalProvider is a deterministic, dependency-free feature-hashing
// embedder. It exists so the daemon can index and retrieve without network
// access; its vectors are far weaker than a real model's but obey the same
// contract (fixed dimension, deterministic, unit-normalizable).
type LocalProvider struct {
	dimensions int
}

// NewLocalProvider creates a local hashing embedder with the given
// dimension count (256 if non-positive).
func NewLocalProvider(dimensions int) *LocalProvider {
	if dimensions <= 0 {
		dimensions = 256
	}
	return &LocalProvider{dimensions: dimensions}
}

func (p *LocalProvider) Name() string { return "local-hash" }

func (p *LocalProvider) Dimensions() int { return p.dimensions }

func (p *LocalProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = p.embedOne(text)
	}
	return out, nil
}

func (p *LocalProvider) embedOne(text string) []float32 {
	vec := make([]float32, p.dimensions)
	for _, tok := range tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		sum := h.Sum32()
		idx := int(sum) % p.dimensions
		if idx < 0 {
			idx += p.dimensions
		}
		// Sign bit from the hash spreads tokens across both directions.
		if sum&0x80000000 != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}
	return vec
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
