package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"docqa/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RAG.ChunkSize != 1000 || cfg.RAG.ChunkOverlap != 200 {
		t.Errorf("chunking defaults = %d/%d, want 1000/200", cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	}
	if cfg.ChatLLM.Model != "gemini-2.0-flash-lite" {
		t.Errorf("chat model = %q", cfg.ChatLLM.Model)
	}
	if !cfg.ChatLLM.ConvertSystemToHuman {
		t.Error("expected system messages collapsed by default")
	}
	if cfg.RAG.OnEmptyRetrieval != OnEmptyFallback {
		t.Errorf("on_empty_retrieval = %q", cfg.RAG.OnEmptyRetrieval)
	}
}

func TestLoadConfig_PartialFile(t *testing.T) {
	path := writeConfig(t, `
chat_llm:
  provider: ollama
  model: llama3
  convert_system_message_to_human: false
rag:
  chunk_size: 300
  chunk_overlap: 500
  merge_policy: rerank
  on_empty_retrieval: answer_cannot_find
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.RAG.ChunkOverlap != 150 {
		t.Errorf("overlap >= size should be clamped to half, got %d", cfg.RAG.ChunkOverlap)
	}
	if cfg.ChatLLM.ConvertSystemToHuman {
		t.Error("explicit false must survive defaults")
	}
	if cfg.ChatLLM.TimeoutSec != 60 {
		t.Errorf("timeout default = %d", cfg.ChatLLM.TimeoutSec)
	}
	if cfg.EmbedLLM.Provider != ProviderGemini {
		t.Errorf("embed provider = %q", cfg.EmbedLLM.Provider)
	}
	if cfg.ChatLLM.Model != "llama3" {
		t.Errorf("chat model = %q", cfg.ChatLLM.Model)
	}
}

func TestLoadConfig_ModelFollowsProvider(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "embed_llm:\n  provider: ollama\n"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.EmbedLLM.Model != "nomic-embed-text" {
		t.Errorf("embed model = %q, want the ollama default", cfg.EmbedLLM.Model)
	}
	if cfg.ChatLLM.Model != "gemini-2.0-flash-lite" {
		t.Errorf("chat model = %q", cfg.ChatLLM.Model)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown provider", "chat_llm:\n  provider: claude\n  model: x\n"},
		{"unknown embed provider", "embed_llm:\n  provider: hf\n"},
		{"unknown strategy", "rag:\n  chunk_strategy: tokens\n"},
		{"unknown merge", "rag:\n  merge_policy: zip\n"},
		{"unknown empty policy", "rag:\n  on_empty_retrieval: shrug\n"},
		{"short key", "rag:\n  encryption_key: abc\n"},
		{"bad yaml", "rag: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.body)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestResolveAPIKey_Precedence(t *testing.T) {
	cfg := Default()
	cfg.APIKeyEnv = "DOCQA_TEST_KEY"
	cfg.APIKey = "baked"

	t.Setenv("DOCQA_TEST_KEY", "from-env")
	if k, _ := cfg.ResolveAPIKey("typed"); k != "typed" {
		t.Errorf("user input should win, got %q", k)
	}
	if k, _ := cfg.ResolveAPIKey("  "); k != "from-env" {
		t.Errorf("env should win over config, got %q", k)
	}

	t.Setenv("DOCQA_TEST_KEY", "")
	if k, _ := cfg.ResolveAPIKey(""); k != "baked" {
		t.Errorf("config default expected, got %q", k)
	}
}

func TestResolveAPIKey_Missing(t *testing.T) {
	cfg := Default()
	cfg.APIKeyEnv = "DOCQA_TEST_KEY"
	t.Setenv("DOCQA_TEST_KEY", "")

	_, err := cfg.ResolveAPIKey("")
	if !errors.Is(err, models.ErrCredentialMissing) {
		t.Fatalf("expected ErrCredentialMissing, got %v", err)
	}

	cfg.EmbedLLM.Provider = ProviderOllama
	cfg.ChatLLM.Provider = ProviderOllama
	if _, err := cfg.ResolveAPIKey(""); err != nil {
		t.Fatalf("local providers need no key: %v", err)
	}
}

func TestWithAPIKey(t *testing.T) {
	cfg := Default()
	keyed := cfg.WithAPIKey("k")
	if keyed.EmbedLLM.Key != "k" || keyed.ChatLLM.Key != "k" {
		t.Error("key not propagated")
	}
	if cfg.ChatLLM.Key != "" {
		t.Error("original config mutated")
	}
}
