package embedding

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaProvider embeds with a local Ollama model through langchaingo.
type OllamaProvider struct {
	embedder *embeddings.EmbedderImpl
}

func NewOllamaProvider(baseURL, model string, batchSize int) (*OllamaProvider, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        baseURL,
		"embedding_model": model,
	}).Msg("Loaded config")

	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}

	var embedOpts []embeddings.Option
	if batchSize > 0 {
		embedOpts = append(embedOpts, embeddings.WithBatchSize(batchSize))
	}
	embedder, err := embeddings.NewEmbedder(llm, embedOpts...)
	if err != nil {
		return nil, err
	}
	return &OllamaProvider{embedder: embedder}, nil
}

func (o *OllamaProvider) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	return o.embedder.EmbedDocuments(ctx, texts)
}
