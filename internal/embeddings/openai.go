package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// openaiMaxInputs is the per-request input cap of the embeddings API. A
// reindex batch arrives as composite plus directory texts, so a single
// Embed call can exceed this and is chunked transparently.
const openaiMaxInputs = 100

// OpenAIModel names a supported OpenAI embedding model.
type OpenAIModel string

const (
	ModelTextEmbedding3Small OpenAIModel = "text-embedding-3-small"
	ModelTextEmbedding3Large OpenAIModel = "text-embedding-3-large"
)

// openaiModelDims pins each supported model to its vector size.
var openaiModelDims = map[OpenAIModel]int{
	ModelTextEmbedding3Small: 1536,
	ModelTextEmbedding3Large: 3072,
}

// OpenAIProvider generates embeddings through the OpenAI API. The vector
// dimension is pinned per model and every response vector is checked
// against it: a dimension change invalidates every stored vector, and the
// store only finds that out at the next full reindex.
type OpenAIProvider struct {
	client *openai.Client
	model  OpenAIModel
	dims   int
}

// NewOpenAIProvider creates an OpenAI embedding provider. Unrecognized
// model names fall back to text-embedding-3-small.
func NewOpenAIProvider(apiKey string, model OpenAIModel) *OpenAIProvider {
	dims, ok := openaiModelDims[model]
	if !ok {
		model = ModelTextEmbedding3Small
		dims = openaiModelDims[model]
	}
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		model:  model,
		dims:   dims,
	}
}

func (p *OpenAIProvider) Name() string { return string(p.model) }

func (p *OpenAIProvider) Dimensions() int { return p.dims }

// Embed returns one vector per input text in input order.
func (p *OpenAIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += openaiMaxInputs {
		end := start + openaiMaxInputs
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := p.embedChunk(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

// embedChunk embeds one request's worth of texts. Response entries are
// placed by their index field rather than response order, and each vector
// must match the pinned dimension.
func (p *OpenAIProvider) embedChunk(ctx context.Context, chunk []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: chunk,
		Model: openai.EmbeddingModel(p.model),
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: %w", err)
	}
	if len(resp.Data) != len(chunk) {
		return nil, fmt.Errorf("openai embeddings: sent %d inputs, got %d vectors", len(chunk), len(resp.Data))
	}

	vecs := make([][]float32, len(chunk))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(chunk) {
			return nil, fmt.Errorf("openai embeddings: vector index %d outside batch of %d", d.Index, len(chunk))
		}
		if len(d.Embedding) != p.dims {
			return nil, fmt.Errorf("openai embeddings: %d-dim vector from %s, expected %d", len(d.Embedding), p.model, p.dims)
		}
		vecs[d.Index] = d.Embedding
	}
	for i, v := range vecs {
		if v == nil {
			return nil, fmt.Errorf("openai embeddings: no vector returned for input %d", i)
		}
	}
	return vecs, nil
}
