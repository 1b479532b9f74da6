package llmservice

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"docqa/internal/config"
	"docqa/internal/metrics"
	"docqa/internal/models"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// ChatModel produces the next assistant message for a conversation.
type ChatModel interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

var thinkTag = regexp.MustCompile(models.ThinkTag)

// Service wraps a provider with the settings every call shares: timeout,
// optional system message collapsing, metrics and error classification.
// Every failure, timeouts and empty completions included, is reported as
// models.ErrLLMService.
type Service struct {
	model     ChatModel
	name      string
	modelName string
	timeout   time.Duration
	collapse  bool
}

// New builds the chat model selected by cfg.Provider.
func New(ctx context.Context, cfg config.LLMConfig) (*Service, error) {
	var (
		m   ChatModel
		err error
	)
	switch cfg.Provider {
	case config.ProviderGemini:
		m, err = NewGeminiModel(ctx, cfg)
	case config.ProviderOpenAI:
		m, err = NewOpenAIModel(cfg)
	case config.ProviderOllama:
		m, err = NewOllamaModel(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %v: %w", cfg.Provider, err, models.ErrLLMService)
	}

	log.Debug().Str("provider", cfg.Provider).Str("model", cfg.Model).Float64("temperature", cfg.Temperature).Msg("Chat model ready")
	return NewService(m, cfg), nil
}

func NewService(m ChatModel, cfg config.LLMConfig) *Service {
	return &Service{
		model:     m,
		name:      cfg.Provider,
		modelName: cfg.Model,
		timeout:   cfg.Timeout(),
		collapse:  cfg.ConvertSystemToHuman,
	}
}

func (s *Service) Generate(ctx context.Context, messages []Message) (string, error) {
	if s.collapse {
		messages = CollapseSystem(messages)
	}
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	log.Debug().Str("provider", s.name).Int("messages", len(messages)).Msg("Generating content")
	start := time.Now()
	text, err := s.model.Generate(ctx, messages)
	duration := time.Since(start)

	if err == nil {
		text = strings.TrimSpace(thinkTag.ReplaceAllString(text, ""))
		if text == "" {
			err = fmt.Errorf("model returned an empty completion")
		}
	}
	if err != nil {
		metrics.LLMRequestsTotal.WithLabelValues(s.name, s.modelName, "error").Inc()
		log.Error().Err(err).Str("provider", s.name).Dur("took", duration).Msg("LLM request failed")
		return "", fmt.Errorf("%s chat: %v: %w", s.name, err, models.ErrLLMService)
	}

	metrics.LLMRequestsTotal.WithLabelValues(s.name, s.modelName, "success").Inc()
	metrics.LLMRequestDuration.WithLabelValues(s.name, s.modelName).Observe(duration.Seconds())
	return text, nil
}

func (s *Service) Close() error {
	if c, ok := s.model.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// CollapseSystem folds every system message into the first user message, for
// models that reject or ignore the system role. Without a user message the
// instructions become one.
func CollapseSystem(messages []Message) []Message {
	var system []string
	rest := make([]Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	if len(system) == 0 {
		return messages
	}

	prefix := strings.Join(system, "\n\n")
	for i, m := range rest {
		if m.Role == RoleUser {
			rest[i].Content = prefix + "\n\n" + m.Content
			return rest
		}
	}
	return append([]Message{{Role: RoleUser, Content: prefix}}, rest...)
}
