package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"docqa/internal/config"
	"docqa/internal/models"
)

func embeddingsServer(t *testing.T, reverse bool, gotModel *string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if gotModel != nil {
			*gotModel = req.Model
		}

		data := make([]map[string]any, len(req.Input))
		for i, in := range req.Input {
			pos := i
			if reverse {
				pos = len(req.Input) - 1 - i
			}
			data[pos] = map[string]any{
				"object":    "embedding",
				"index":     i,
				"embedding": []float32{float32(len(in)), 0.5},
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 3, "total_tokens": 3},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_CreateEmbeddings(t *testing.T) {
	var gotModel string
	srv := embeddingsServer(t, false, &gotModel)

	p := NewOpenAIProvider("test-key", srv.URL, "text-embedding-3-small")
	vectors, err := p.EmbedTexts(context.Background(), []string{"one", "three"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	if gotModel != "text-embedding-3-small" {
		t.Errorf("model sent = %q", gotModel)
	}
	if len(vectors) != 2 || vectors[0][0] != 3 || vectors[1][0] != 5 {
		t.Errorf("vectors = %v", vectors)
	}
}

func TestOpenAIProvider_OrdersByResponseIndex(t *testing.T) {
	srv := embeddingsServer(t, true, nil)

	p := NewOpenAIProvider("test-key", srv.URL, "text-embedding-3-small")
	vectors, err := p.EmbedTexts(context.Background(), []string{"a", "bb", "cccc"})
	if err != nil {
		t.Fatalf("EmbedTexts: %v", err)
	}
	for i, want := range []float32{1, 2, 4} {
		if vectors[i][0] != want {
			t.Errorf("vector %d = %v, want first value %v", i, vectors[i], want)
		}
	}
}

func TestOpenAIProvider_APIErrorIsReadable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	cfg := config.LLMConfig{Provider: config.ProviderOpenAI, Model: "text-embedding-3-small"}
	s := NewService(NewOpenAIProvider("bad", srv.URL, cfg.Model), cfg)

	_, err := s.EmbedQuery(context.Background(), "hello")
	if !errors.Is(err, models.ErrEmbeddingService) {
		t.Fatalf("expected ErrEmbeddingService, got %v", err)
	}
	if !strings.Contains(err.Error(), "401") || !strings.Contains(err.Error(), "Incorrect API key") {
		t.Errorf("error should carry status and message: %v", err)
	}
}
