package app

import (
	"context"
	"errors"

	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/helper"
	"docqa/internal/llmservice"
	"docqa/internal/session"
)

// Providers connects the embedding and chat models configured in cfg.
func Providers(cfg *config.Config) session.Providers {
	return func(ctx context.Context, apiKey string) (embedding.Embedder, llmservice.ChatModel, error) {
		keyed := cfg.WithAPIKey(apiKey)
		emb, err := embedding.New(ctx, keyed.EmbedLLM)
		if err != nil {
			return nil, nil, err
		}
		llm, err := llmservice.New(ctx, keyed.ChatLLM)
		if err != nil {
			return nil, nil, errors.Join(err, emb.Close())
		}
		return emb, llm, nil
	}
}

// NewSession starts a session with a fresh id. apiKey is the key typed by
// the user and may be empty.
func NewSession(cfg *config.Config, apiKey string) (*session.Session, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return session.New(id, session.Deps{
		Config:    cfg,
		Providers: Providers(cfg),
		APIKey:    apiKey,
	}), nil
}
