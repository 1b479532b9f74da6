package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"docqa/internal/config"
	"docqa/internal/llmservice"
	"docqa/internal/metrics"
	"docqa/internal/models"
)

// Engine answers questions over the selected documents. Ask never returns an
// error: failures come back as a Reply carrying a Failure.
type Engine struct {
	llm      llmservice.ChatModel
	merger   *Merger
	onEmpty  string
	condense bool
	language string
}

func NewEngine(llm llmservice.ChatModel, cfg *config.Config) *Engine {
	return &Engine{
		llm:      llm,
		merger:   NewMerger(cfg.RAG),
		onEmpty:  cfg.RAG.OnEmptyRetrieval,
		condense: cfg.RAG.CondenseQuestion,
		language: cfg.ChatLLM.OutputLanguage,
	}
}

// Ask answers question given the earlier turns of the conversation.
func (e *Engine) Ask(ctx context.Context, question string, history []models.Turn, sources []Source) models.Reply {
	reply := e.ask(ctx, question, history, sources)
	metrics.RepliesTotal.WithLabelValues(string(reply.Mode)).Inc()
	return reply
}

func (e *Engine) ask(ctx context.Context, question string, history []models.Turn, sources []Source) models.Reply {
	question = strings.TrimSpace(question)
	if question == "" {
		return FailedReply(question, models.FailureInvalidRequest, "Please enter a question.")
	}

	standalone := question
	if e.condense && len(history) > 0 {
		q, err := e.llm.Generate(ctx, []llmservice.Message{
			{Role: llmservice.RoleUser, Content: fmt.Sprintf(models.CondenseQuestionTemplate, formatHistory(history), question)},
		})
		if err != nil {
			return failure(question, err)
		}
		standalone = q
		log.Debug().Str("question", question).Str("standalone", standalone).Msg("Condensed follow-up")
	}

	retrieval, err := e.merger.Merge(ctx, standalone, sources)
	if err != nil {
		return failure(question, err)
	}

	if retrieval.Empty() {
		if e.onEmpty == config.OnEmptyCannotFind {
			return models.Reply{Query: question, Text: models.CannotFindAnswer, Mode: models.ModeNoContext}
		}
		return e.general(ctx, question, history)
	}

	log.Debug().Int("chunks", len(retrieval.Chunks)).Strs("sources", retrieval.Sources()).Msg("Retrieved context")
	answer, err := e.llm.Generate(ctx, []llmservice.Message{
		{Role: llmservice.RoleSystem, Content: fmt.Sprintf(models.GroundedSystemTemplate, e.language)},
		{Role: llmservice.RoleUser, Content: fmt.Sprintf(models.GroundedUserTemplate, retrieval.Context(), standalone)},
	})
	if err != nil {
		return failure(question, err)
	}
	return models.Reply{
		Query:   question,
		Text:    answer,
		Sources: retrieval.Sources(),
		Mode:    models.ModeGrounded,
	}
}

// general sends the conversation straight to the model.
func (e *Engine) general(ctx context.Context, question string, history []models.Turn) models.Reply {
	messages := []llmservice.Message{
		{Role: llmservice.RoleSystem, Content: fmt.Sprintf(models.GeneralSystemTemplate, e.language)},
	}
	for _, t := range history {
		role := llmservice.RoleUser
		if t.Role == models.RoleAssistant {
			role = llmservice.RoleAssistant
		}
		messages = append(messages, llmservice.Message{Role: role, Content: t.Content})
	}
	messages = append(messages, llmservice.Message{Role: llmservice.RoleUser, Content: question})

	answer, err := e.llm.Generate(ctx, messages)
	if err != nil {
		return failure(question, err)
	}
	return models.Reply{
		Query:   question,
		Text:    answer,
		Sources: []string{models.GeneralKnowledgeSource},
		Mode:    models.ModeGeneral,
	}
}

func formatHistory(history []models.Turn) string {
	var b strings.Builder
	for _, t := range history {
		speaker := "Human"
		if t.Role == models.RoleAssistant {
			speaker = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", speaker, t.Content)
	}
	return b.String()
}

// FailedReply builds a reply that reports a failure instead of an answer.
func FailedReply(question string, code models.FailureCode, message string) models.Reply {
	return models.Reply{
		Query:   question,
		Text:    message,
		Mode:    models.ModeFailed,
		Failure: &models.Failure{Code: code, Message: message},
	}
}

func failure(question string, err error) models.Reply {
	log.Error().Err(err).Str("question", question).Msg("Answering failed")
	switch {
	case errors.Is(err, models.ErrCredentialMissing):
		return FailedReply(question, models.FailureCredentialMissing, "An API key is required. "+err.Error())
	case errors.Is(err, models.ErrEmbeddingService):
		return FailedReply(question, models.FailureEmbedding, "The embedding service failed: "+err.Error())
	case errors.Is(err, models.ErrLLMService):
		return FailedReply(question, models.FailureLLM, "The language model failed to answer: "+err.Error())
	default:
		return FailedReply(question, models.FailureInternal, "Something went wrong while answering: "+err.Error())
	}
}
