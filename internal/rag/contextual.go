package rag

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"docqa/internal/llmservice"
	"docqa/internal/models"
)

// Contextualize prefixes every chunk of doc with a short context the model
// writes from the whole document, so a chunk carries what it is about when
// embedded. The first failing call aborts; chunk order is kept.
func Contextualize(ctx context.Context, llm llmservice.ChatModel, doc models.Document) ([]string, error) {
	out := make([]string, len(doc.Chunks))
	for i, chunk := range doc.Chunks {
		log.Debug().Str("document", doc.Name).Int("chunk", i).Msg("Generating context for chunk")
		situated, err := llm.Generate(ctx, []llmservice.Message{
			{Role: llmservice.RoleUser, Content: fmt.Sprintf(models.ContextPromptTemplate, doc.Text, chunk)},
		})
		if err != nil {
			return nil, fmt.Errorf("context for chunk %d of %s: %w", i, doc.Name, err)
		}
		if situated = strings.TrimSpace(situated); situated == "" {
			out[i] = chunk
			continue
		}
		out[i] = situated + "\n\n" + chunk
	}
	return out, nil
}
