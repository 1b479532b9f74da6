package llmservice

import (
	"context"
	"errors"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"docqa/internal/config"
)

// LangChainModel drives any langchaingo llms.Model.
type LangChainModel struct {
	llm         llms.Model
	temperature float64
}

// NewOpenAIModel talks to an OpenAI-compatible chat endpoint. BaseURL may
// point at a gateway such as OpenRouter.
func NewOpenAIModel(cfg config.LLMConfig) (*LangChainModel, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(cfg.Key, "Bearer ")),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, err
	}
	return &LangChainModel{llm: llm, temperature: cfg.Temperature}, nil
}

func NewOllamaModel(cfg config.LLMConfig) (*LangChainModel, error) {
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, err
	}
	return &LangChainModel{llm: llm, temperature: cfg.Temperature}, nil
}

func (m *LangChainModel) Generate(ctx context.Context, messages []Message) (string, error) {
	content := make([]llms.MessageContent, 0, len(messages))
	for _, msg := range messages {
		content = append(content, llms.TextParts(messageType(msg.Role), msg.Content))
	}

	res, err := m.llm.GenerateContent(ctx, content, llms.WithTemperature(m.temperature))
	if err != nil {
		return "", err
	}
	if len(res.Choices) == 0 {
		return "", errors.New("response has no choices")
	}
	return res.Choices[0].Content, nil
}

func messageType(role string) llms.ChatMessageType {
	switch role {
	case RoleSystem:
		return llms.ChatMessageTypeSystem
	case RoleAssistant:
		return llms.ChatMessageTypeAI
	default:
		return llms.ChatMessageTypeHuman
	}
}
