package llmservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"docqa/internal/config"
)

func TestOpenAIModel_ChatCompletion(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Paris."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 9, "completion_tokens": 2, "total_tokens": 11}
		}`))
	}))
	defer srv.Close()

	m, err := NewOpenAIModel(config.LLMConfig{
		Provider: config.ProviderOpenAI,
		BaseURL:  srv.URL,
		Model:    "gpt-4o-mini",
		Key:      "Bearer test-key",
	})
	if err != nil {
		t.Fatalf("NewOpenAIModel: %v", err)
	}

	answer, err := m.Generate(context.Background(), []Message{
		{RoleSystem, "Answer in one word."},
		{RoleUser, "Capital of France?"},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if answer != "Paris." {
		t.Errorf("answer = %q", answer)
	}
	if got.Model != "gpt-4o-mini" || len(got.Messages) != 2 {
		t.Fatalf("unexpected request %+v", got)
	}
	if got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("roles = %s, %s", got.Messages[0].Role, got.Messages[1].Role)
	}
}

func TestMessageType(t *testing.T) {
	if messageType(RoleAssistant) != "ai" || messageType(RoleSystem) != "system" || messageType("other") != "human" {
		t.Error("unexpected langchaingo message types")
	}
}
