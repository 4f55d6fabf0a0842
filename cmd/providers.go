package cmd

import (
	"os"
	"strings"

	"github.com/jaysteelmind/dmm/internal/config"
	"github.com/jaysteelmind/dmm/internal/embeddings"
)

// selectProvider picks the embedding backend from the configured model
// name: OpenAI models when an API key is present, Ollama models by prefix,
// and the offline hashing embedder as the fallback.
func selectProvider(cfg *config.Config) embeddings.Provider {
	model := cfg.Indexer.EmbeddingModel

	if strings.HasPrefix(model, "ollama/") {
		return embeddings.NewOllamaProvider(
			strings.TrimPrefix(model, "ollama/"), 768, os.Getenv("OLLAMA_HOST"))
	}

	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		switch embeddings.OpenAIModel(model) {
		case embeddings.ModelTextEmbedding3Small, embeddings.ModelTextEmbedding3Large:
			return embeddings.NewOpenAIProvider(apiKey, embeddings.OpenAIModel(model))
		}
	}

	return embeddings.NewLocalProvider(0)
}
