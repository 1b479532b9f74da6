package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"docqa/internal/models"
)

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"

	ChunkStrategyWindow    = "window"
	ChunkStrategyRecursive = "recursive"

	MergeConcat = "concat"
	MergeRerank = "rerank"

	OnEmptyFallback   = "fallback_to_general_knowledge"
	OnEmptyCannotFind = "answer_cannot_find"
)

const (
	defaultAPIKeyEnv   = "GEMINI_API_KEY"
	defaultIndexDir    = "./indexes"
	defaultHTTPPort    = 8080
	encryptionKeyBytes = 32
)

type Config struct {
	LogLevel  string     `yaml:"log_level"`
	APIKey    string     `yaml:"api_key"`
	APIKeyEnv string     `yaml:"api_key_env"`
	EmbedLLM  LLMConfig  `yaml:"embed_llm"`
	ChatLLM   LLMConfig  `yaml:"chat_llm"`
	RAG       RAGConfig  `yaml:"rag"`
	HTTP      HTTPConfig `yaml:"http"`
	S3        S3Config   `yaml:"s3"`
}

// LLMConfig describes one model endpoint, used for both embeddings and chat.
type LLMConfig struct {
	Provider             string  `yaml:"provider"`
	BaseURL              string  `yaml:"base_url"`
	Model                string  `yaml:"model"`
	Key                  string  `yaml:"-"`
	Temperature          float64 `yaml:"temperature"`
	TimeoutSec           int     `yaml:"timeout_sec"`
	BatchSize            int     `yaml:"batch_size"`
	ConvertSystemToHuman bool    `yaml:"convert_system_message_to_human"`
	OutputLanguage       string  `yaml:"output_language"`
}

// Timeout bounds a single call to the endpoint.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

type RAGConfig struct {
	ChunkSize        int    `yaml:"chunk_size"`
	ChunkOverlap     int    `yaml:"chunk_overlap"`
	ChunkStrategy    string `yaml:"chunk_strategy"`
	TopK             int    `yaml:"top_k"`
	MergePolicy      string `yaml:"merge_policy"`
	MergeLimit       int    `yaml:"merge_limit"`
	OnEmptyRetrieval string `yaml:"on_empty_retrieval"`
	CondenseQuestion bool   `yaml:"condense_question"`
	IndexDir         string `yaml:"index_dir"`
	Compress         bool   `yaml:"compress"`
	EncryptionKey    string `yaml:"encryption_key"`
	IngestWorkers    int    `yaml:"ingest_workers"`
	ContextualChunks bool   `yaml:"contextual_chunks"`
}

type HTTPConfig struct {
	Port           int      `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	MaxUploadMB    int      `yaml:"max_upload_mb"`
	TimeoutSec     int      `yaml:"timeout_sec"`
	SessionTTLMin  int      `yaml:"session_ttl_min"`
}

// SessionTTL is how long an idle HTTP session is kept.
func (c HTTPConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMin) * time.Minute
}

// S3Config enables publishing exported archives. Endpoint is only needed for
// S3-compatible stores such as MinIO.
type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Prefix    string `yaml:"prefix"`
	Endpoint  string `yaml:"endpoint"`
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// LoadConfig reads the YAML file at path. A missing file yields the defaults.
// A .env file in the working directory is loaded into the environment first.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := base()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

var (
	defaultEmbedModels = map[string]string{
		ProviderGemini: "text-embedding-004",
		ProviderOpenAI: "text-embedding-3-small",
		ProviderOllama: "nomic-embed-text",
	}
	defaultChatModels = map[string]string{
		ProviderGemini: "gemini-2.0-flash-lite",
		ProviderOpenAI: "gpt-4o-mini",
		ProviderOllama: "llama3.2",
	}
)

// Default returns the built-in settings with no config file.
func Default() *Config {
	cfg := base()
	cfg.ApplyDefaults()
	return cfg
}

// base holds the defaults YAML is decoded onto. Models are left empty so they
// can follow whichever provider the file selects.
func base() *Config {
	return &Config{
		LogLevel:  "info",
		APIKeyEnv: defaultAPIKeyEnv,
		EmbedLLM: LLMConfig{
			Provider:   ProviderGemini,
			TimeoutSec: 60,
			BatchSize:  32,
		},
		ChatLLM: LLMConfig{
			Provider:             ProviderGemini,
			Temperature:          0.3,
			TimeoutSec:           60,
			ConvertSystemToHuman: true,
			OutputLanguage:       "English",
		},
		RAG: RAGConfig{
			ChunkSize:        1000,
			ChunkOverlap:     200,
			ChunkStrategy:    ChunkStrategyWindow,
			TopK:             5,
			MergePolicy:      MergeConcat,
			OnEmptyRetrieval: OnEmptyFallback,
			CondenseQuestion: true,
			IndexDir:         defaultIndexDir,
			Compress:         true,
			IngestWorkers:    4,
		},
		HTTP: HTTPConfig{
			Port:           defaultHTTPPort,
			AllowedOrigins: []string{"http://localhost:5173"},
			MaxUploadMB:    50,
			TimeoutSec:     120,
			SessionTTLMin:  60,
		},
	}
}

// ApplyDefaults fills zero values left by a partial YAML file.
func (c *Config) ApplyDefaults() {
	def := base()
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.APIKeyEnv == "" {
		c.APIKeyEnv = def.APIKeyEnv
	}
	applyLLMDefaults(&c.EmbedLLM, def.EmbedLLM, defaultEmbedModels)
	applyLLMDefaults(&c.ChatLLM, def.ChatLLM, defaultChatModels)

	if c.RAG.ChunkSize <= 0 {
		c.RAG.ChunkSize = def.RAG.ChunkSize
	}
	if c.RAG.ChunkOverlap < 0 {
		c.RAG.ChunkOverlap = 0
	}
	if c.RAG.ChunkOverlap >= c.RAG.ChunkSize {
		c.RAG.ChunkOverlap = c.RAG.ChunkSize / 2
	}
	if c.RAG.ChunkStrategy == "" {
		c.RAG.ChunkStrategy = def.RAG.ChunkStrategy
	}
	if c.RAG.MergePolicy == "" {
		c.RAG.MergePolicy = def.RAG.MergePolicy
	}
	if c.RAG.OnEmptyRetrieval == "" {
		c.RAG.OnEmptyRetrieval = def.RAG.OnEmptyRetrieval
	}
	if c.RAG.IndexDir == "" {
		c.RAG.IndexDir = def.RAG.IndexDir
	}
	if c.RAG.IngestWorkers <= 0 {
		c.RAG.IngestWorkers = def.RAG.IngestWorkers
	}

	if c.HTTP.Port == 0 {
		c.HTTP.Port = def.HTTP.Port
	}
	if c.HTTP.MaxUploadMB <= 0 {
		c.HTTP.MaxUploadMB = def.HTTP.MaxUploadMB
	}
	if c.HTTP.TimeoutSec <= 0 {
		c.HTTP.TimeoutSec = def.HTTP.TimeoutSec
	}
	if c.HTTP.SessionTTLMin <= 0 {
		c.HTTP.SessionTTLMin = def.HTTP.SessionTTLMin
	}
}

func applyLLMDefaults(c *LLMConfig, def LLMConfig, byProvider map[string]string) {
	if c.Provider == "" {
		c.Provider = def.Provider
	}
	if c.Model == "" {
		c.Model = byProvider[c.Provider]
	}
	if c.TimeoutSec <= 0 {
		c.TimeoutSec = def.TimeoutSec
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.OutputLanguage == "" {
		c.OutputLanguage = "English"
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	for _, p := range []string{c.EmbedLLM.Provider, c.ChatLLM.Provider} {
		switch p {
		case ProviderGemini, ProviderOpenAI, ProviderOllama:
		default:
			return fmt.Errorf("unknown provider %q", p)
		}
	}
	switch c.RAG.ChunkStrategy {
	case ChunkStrategyWindow, ChunkStrategyRecursive:
	default:
		return fmt.Errorf("unknown rag.chunk_strategy %q", c.RAG.ChunkStrategy)
	}
	switch c.RAG.MergePolicy {
	case MergeConcat, MergeRerank:
	default:
		return fmt.Errorf("unknown rag.merge_policy %q", c.RAG.MergePolicy)
	}
	switch c.RAG.OnEmptyRetrieval {
	case OnEmptyFallback, OnEmptyCannotFind:
	default:
		return fmt.Errorf("unknown rag.on_empty_retrieval %q", c.RAG.OnEmptyRetrieval)
	}
	if k := c.RAG.EncryptionKey; k != "" && len(k) != encryptionKeyBytes {
		return fmt.Errorf("rag.encryption_key must be %d bytes, got %d", encryptionKeyBytes, len(k))
	}
	return nil
}

// NeedsCredential reports whether any configured provider is hosted.
func (c *Config) NeedsCredential() bool {
	return c.EmbedLLM.Provider != ProviderOllama || c.ChatLLM.Provider != ProviderOllama
}

// ResolveAPIKey picks the credential by precedence: user input, then the
// environment variable named by api_key_env, then the api_key baked into the
// config file. It fails with models.ErrCredentialMissing when a hosted provider
// is configured and nothing was found.
func (c *Config) ResolveAPIKey(userInput string) (string, error) {
	if k := strings.TrimSpace(userInput); k != "" {
		return k, nil
	}
	if c.APIKeyEnv != "" {
		if k := strings.TrimSpace(os.Getenv(c.APIKeyEnv)); k != "" {
			return k, nil
		}
	}
	if k := strings.TrimSpace(c.APIKey); k != "" {
		return k, nil
	}
	if c.NeedsCredential() {
		return "", fmt.Errorf("no API key from input, $%s or config: %w", c.APIKeyEnv, models.ErrCredentialMissing)
	}
	return "", nil
}

// WithAPIKey returns a copy of the config whose model endpoints carry key.
func (c *Config) WithAPIKey(key string) *Config {
	out := *c
	out.EmbedLLM.Key = key
	out.ChatLLM.Key = key
	return &out
}
