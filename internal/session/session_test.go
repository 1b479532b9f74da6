package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/models"
)

type wordEmbedder struct{}

func (wordEmbedder) vector(text string) []float32 {
	v := make([]float32, 8)
	v[7] = 1
	for _, w := range strings.Fields(strings.ToLower(text)) {
		v[len(w)%7]++
	}
	return v
}

func (e wordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

func (e wordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	return e.vector(text), nil
}

type echoLLM struct {
	calls atomic.Int32
}

func (l *echoLLM) Generate(_ context.Context, messages []llmservice.Message) (string, error) {
	l.calls.Add(1)
	return "answer to: " + messages[len(messages)-1].Content[:10], nil
}

type harness struct {
	providerCalls atomic.Int32
	llm           *echoLLM
}

func (h *harness) providers(_ context.Context, _ string) (embedding.Embedder, llmservice.ChatModel, error) {
	h.providerCalls.Add(1)
	return wordEmbedder{}, h.llm, nil
}

func newTestSession(t *testing.T, key string, mutate func(*config.Config)) (*Session, *harness) {
	t.Helper()
	t.Setenv("GEMINI_API_KEY", "")
	cfg := config.Default()
	cfg.RAG.ChunkSize = 120
	cfg.RAG.ChunkOverlap = 20
	cfg.RAG.CondenseQuestion = false
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{llm: &echoLLM{}}
	return New("test", Deps{Config: cfg, Providers: h.providers, APIKey: key}), h
}

var (
	manual = []byte(strings.Repeat("Open the valve slowly before starting the pump. ", 8))
	policy = []byte(strings.Repeat("Visitors must sign in at the front desk. ", 6))
)

func TestSession_MissingCredentialStopsEverything(t *testing.T) {
	s, h := newTestSession(t, "", nil)

	_, err := s.AddDocument(context.Background(), "manual.txt", manual)
	if !errors.Is(err, models.ErrCredentialMissing) {
		t.Fatalf("AddDocument: expected ErrCredentialMissing, got %v", err)
	}

	reply := s.Ask(context.Background(), "How do I start the pump?")
	if !reply.Failed() || reply.Failure.Code != models.FailureCredentialMissing {
		t.Fatalf("Ask reply = %+v", reply)
	}
	if h.providerCalls.Load() != 0 || h.llm.calls.Load() != 0 {
		t.Error("no client should be built or called without a credential")
	}
	if len(s.History()) != 0 || len(s.Documents()) != 0 {
		t.Error("failed calls should leave the session untouched")
	}
}

func TestSession_LocalProvidersNeedNoKey(t *testing.T) {
	s, h := newTestSession(t, "", func(c *config.Config) {
		c.EmbedLLM.Provider = config.ProviderOllama
		c.ChatLLM.Provider = config.ProviderOllama
	})
	if _, err := s.AddDocument(context.Background(), "manual.txt", manual); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if h.providerCalls.Load() != 1 {
		t.Errorf("providers built %d times", h.providerCalls.Load())
	}
}

func TestSession_AddDocuments(t *testing.T) {
	s, h := newTestSession(t, "test-key", nil)
	ctx := context.Background()

	reports, err := s.AddDocuments(ctx, []Upload{
		{Name: "manual.txt", Data: manual},
		{Name: "policy.md", Data: policy},
		{Name: "manual.txt", Data: manual},
		{Name: "blank.txt", Data: []byte("  \n ")},
	})
	if err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}
	if !reports[0].Indexed || reports[0].Chunks < 2 || !reports[1].Indexed {
		t.Errorf("unexpected reports %+v", reports[:2])
	}
	if !reports[2].Skipped || reports[3].Indexed {
		t.Errorf("duplicate or blank upload mishandled: %+v", reports[2:])
	}
	if !strings.Contains(reports[3].Message, "Could not process text") {
		t.Errorf("blank report message = %q", reports[3].Message)
	}

	docs := s.Documents()
	if len(docs) != 2 || docs[0].Name != "manual.txt" || docs[1].Name != "policy.md" {
		t.Fatalf("documents = %+v", docs)
	}
	for _, d := range docs {
		if !d.Selected {
			t.Errorf("%s should start selected", d.Name)
		}
	}

	again, err := s.AddDocument(ctx, "manual.txt", manual)
	if err != nil || !again.Skipped {
		t.Errorf("re-upload = %+v, %v", again, err)
	}
	if h.providerCalls.Load() != 1 {
		t.Errorf("clients should be built once, got %d", h.providerCalls.Load())
	}
}

func TestSession_AddDocumentsFailureRegistersNothing(t *testing.T) {
	s, _ := newTestSession(t, "test-key", nil)

	_, err := s.AddDocuments(context.Background(), []Upload{
		{Name: "manual.txt", Data: manual},
		{Name: "slides.key", Data: []byte("x")},
	})
	if !errors.Is(err, models.ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
	if len(s.Documents()) != 0 {
		t.Errorf("documents = %+v", s.Documents())
	}
}

// closingEmbedder fails once closed, like a real client.
type closingEmbedder struct {
	wordEmbedder
	closed atomic.Bool
}

func (e *closingEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if e.closed.Load() {
		return nil, errors.New("client is closed")
	}
	return e.wordEmbedder.EmbedDocuments(ctx, texts)
}

func (e *closingEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if e.closed.Load() {
		return nil, errors.New("client is closed")
	}
	return e.wordEmbedder.EmbedQuery(ctx, text)
}

func (e *closingEmbedder) Close() error {
	e.closed.Store(true)
	return nil
}

func TestSession_IndexesSurviveKeyChange(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := config.Default()
	cfg.RAG.ChunkSize = 120
	cfg.RAG.ChunkOverlap = 20
	cfg.RAG.CondenseQuestion = false

	var (
		mu    sync.Mutex
		built []*closingEmbedder
		keys  []string
	)
	providers := func(_ context.Context, key string) (embedding.Embedder, llmservice.ChatModel, error) {
		mu.Lock()
		defer mu.Unlock()
		emb := &closingEmbedder{}
		built = append(built, emb)
		keys = append(keys, key)
		return emb, &echoLLM{}, nil
	}
	s := New("rekey", Deps{Config: cfg, Providers: providers, APIKey: "k1"})
	ctx := context.Background()

	if _, err := s.AddDocument(ctx, "manual.txt", manual); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if reply := s.Ask(ctx, "How do I start the pump?"); reply.Mode != models.ModeGrounded {
		t.Fatalf("before key change: %+v", reply)
	}

	s.SetAPIKey("k2")
	reply := s.Ask(ctx, "How do I start the pump?")
	if reply.Failed() || reply.Mode != models.ModeGrounded {
		t.Fatalf("after key change: %+v", reply)
	}
	if len(built) != 2 || !built[0].closed.Load() || built[1].closed.Load() {
		t.Errorf("expected the first client closed and a second one live, got %d clients", len(built))
	}
	if keys[1] != "k2" {
		t.Errorf("second client built with key %q", keys[1])
	}
}

func TestSession_ConcurrentUploadsOfOneName(t *testing.T) {
	s, _ := newTestSession(t, "test-key", nil)
	ctx := context.Background()

	const workers = 8
	var (
		wg      sync.WaitGroup
		indexed atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := s.AddDocument(ctx, "manual.txt", manual)
			if err != nil {
				t.Errorf("AddDocument: %v", err)
				return
			}
			if r.Indexed {
				indexed.Add(1)
			}
		}()
	}
	wg.Wait()

	if docs := s.Documents(); len(docs) != 1 {
		t.Errorf("documents = %+v, want one manual.txt", docs)
	}
	if indexed.Load() != 1 {
		t.Errorf("%d uploads reported indexed, want 1", indexed.Load())
	}
}

func TestSession_ContextualChunks(t *testing.T) {
	s, h := newTestSession(t, "test-key", func(c *config.Config) {
		c.RAG.ContextualChunks = true
	})

	r, err := s.AddDocument(context.Background(), "manual.txt", manual)
	if err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	if !r.Indexed || r.Chunks < 2 {
		t.Fatalf("report = %+v", r)
	}
	if got := h.llm.calls.Load(); got != int32(r.Chunks) {
		t.Errorf("context calls = %d, want one per chunk (%d)", got, r.Chunks)
	}
}

func TestSession_AskUsesSelection(t *testing.T) {
	s, h := newTestSession(t, "test-key", nil)
	ctx := context.Background()
	if _, err := s.AddDocuments(ctx, []Upload{{Name: "manual.txt", Data: manual}, {Name: "policy.txt", Data: policy}}); err != nil {
		t.Fatalf("AddDocuments: %v", err)
	}

	reply := s.Ask(ctx, "How do I start the pump?")
	if reply.Failed() || reply.Mode != models.ModeGrounded {
		t.Fatalf("reply = %+v", reply)
	}
	if len(reply.Sources) != 2 {
		t.Errorf("both selected documents should contribute, got %v", reply.Sources)
	}
	if hist := s.History(); len(hist) != 2 || hist[0].Role != models.RoleUser || hist[1].Content != reply.Text {
		t.Errorf("history = %+v", hist)
	}

	if err := s.Select("missing.txt", true); !errors.Is(err, models.ErrUnknownDocument) {
		t.Errorf("Select unknown: %v", err)
	}
	for _, name := range []string{"manual.txt", "policy.txt"} {
		if err := s.Select(name, false); err != nil {
			t.Fatalf("Select: %v", err)
		}
	}
	reply = s.Ask(ctx, "What is the capital of France?")
	if reply.Mode != models.ModeGeneral || reply.Sources[0] != models.GeneralKnowledgeSource {
		t.Errorf("reply without selection = %+v", reply)
	}
	if h.llm.calls.Load() != 2 {
		t.Errorf("model calls = %d", h.llm.calls.Load())
	}
	if len(s.History()) != 4 {
		t.Errorf("history length = %d", len(s.History()))
	}
}

func TestSession_ExportImport(t *testing.T) {
	ctx := context.Background()
	src, _ := newTestSession(t, "test-key", nil)
	if _, err := src.AddDocument(ctx, "manual.txt", manual); err != nil {
		t.Fatalf("AddDocument: %v", err)
	}
	dir := filepath.Join(t.TempDir(), "manual")
	if err := src.ExportIndex(ctx, "manual.txt", dir); err != nil {
		t.Fatalf("ExportIndex: %v", err)
	}
	if err := src.ExportIndex(ctx, "missing.txt", dir); !errors.Is(err, models.ErrUnknownDocument) {
		t.Errorf("ExportIndex unknown: %v", err)
	}

	dst, _ := newTestSession(t, "test-key", nil)
	if _, err := dst.ImportIndex(ctx, dir, false); !errors.Is(err, models.ErrUntrustedLoad) {
		t.Fatalf("untrusted import: %v", err)
	}
	info, err := dst.ImportIndex(ctx, dir, true)
	if err != nil {
		t.Fatalf("ImportIndex: %v", err)
	}
	if info.Name != "manual.txt" || info.Chunks != src.Documents()[0].Chunks || !info.Selected {
		t.Errorf("imported %+v", info)
	}
	if _, err := dst.ImportIndex(ctx, dir, true); err == nil {
		t.Error("importing the same document twice should fail")
	}

	reply := dst.Ask(ctx, "How do I start the pump?")
	if reply.Mode != models.ModeGrounded || reply.Sources[0] != "manual.txt" {
		t.Errorf("reply = %+v", reply)
	}
}
