package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"docqa/internal/chromemdb"
	"docqa/internal/config"
	"docqa/internal/embedding"
	"docqa/internal/llmservice"
	"docqa/internal/models"
	"docqa/internal/parser"
	"docqa/internal/rag"
)

// Providers builds the model clients once an API key has been resolved.
type Providers func(ctx context.Context, apiKey string) (embedding.Embedder, llmservice.ChatModel, error)

type Deps struct {
	Config    *config.Config
	Providers Providers
	// APIKey is the key typed by the user, if any. It takes precedence over
	// the environment and the config file.
	APIKey string
}

type Upload struct {
	Name string
	Data []byte
}

type IngestReport struct {
	Name    string `json:"name"`
	Indexed bool   `json:"indexed"`
	Skipped bool   `json:"skipped,omitempty"`
	Chunks  int    `json:"chunks"`
	Message string `json:"message"`
}

type DocumentInfo struct {
	Name     string `json:"name"`
	Chunks   int    `json:"chunks"`
	Selected bool   `json:"selected"`
}

type document struct {
	name     string
	index    *chromemdb.Index
	selected bool
}

// Session owns the indexes, selection and conversation of one user. Nothing
// outlives it except indexes exported explicitly.
type Session struct {
	id        string
	cfg       *config.Config
	providers Providers
	chunker   parser.Chunker

	mu       sync.Mutex
	userKey  string
	embedder embedding.Embedder
	llm      llmservice.ChatModel
	engine   *rag.Engine
	docs     []*document
	byName   map[string]*document
	history  []models.Turn
}

func New(id string, deps Deps) *Session {
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Default()
	}
	return &Session{
		id:        id,
		cfg:       cfg,
		providers: deps.Providers,
		chunker:   parser.NewChunker(cfg.RAG),
		userKey:   deps.APIKey,
		byName:    make(map[string]*document),
	}
}

func (s *Session) ID() string {
	return s.id
}

// SetAPIKey replaces the user's key. Clients built with the old key are dropped.
func (s *Session) SetAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userKey = key
	s.closeClients()
}

// clients resolves the credential and connects on first use. A missing
// credential stops here, before any network call.
func (s *Session) clients(ctx context.Context) (embedding.Embedder, llmservice.ChatModel, *rag.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.cfg.ResolveAPIKey(s.userKey)
	if err != nil {
		return nil, nil, nil, err
	}
	if s.engine == nil {
		if s.providers == nil {
			return nil, nil, nil, errors.New("session has no model providers")
		}
		emb, llm, err := s.providers(ctx, key)
		if err != nil {
			return nil, nil, nil, err
		}
		s.embedder, s.llm = emb, llm
		s.engine = rag.NewEngine(llm, s.cfg)
	}
	return s.embedder, s.llm, s.engine, nil
}

// liveEmbedder is the embedder indexes hold. It forwards to the session's
// current client, so indexes keep working after the key changes.
type liveEmbedder struct {
	s *Session
}

func (e liveEmbedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	emb, _, _, err := e.s.clients(ctx)
	if err != nil {
		return nil, err
	}
	return emb.EmbedDocuments(ctx, texts)
}

func (e liveEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	emb, _, _, err := e.s.clients(ctx)
	if err != nil {
		return nil, err
	}
	return emb.EmbedQuery(ctx, text)
}

func (e liveEmbedder) Model() string {
	return e.s.cfg.EmbedLLM.Model
}

func (s *Session) closeClients() {
	for _, c := range []any{s.embedder, s.llm} {
		if closer, ok := c.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				log.Warn().Err(err).Str("session", s.id).Msg("Closing model client")
			}
		}
	}
	s.embedder, s.llm, s.engine = nil, nil, nil
}

// Close releases the model clients.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeClients()
}

// AddDocument extracts, chunks and indexes one upload. A name that is
// already indexed is skipped. A document without text is reported as not
// indexed. New documents start selected.
func (s *Session) AddDocument(ctx context.Context, name string, data []byte) (IngestReport, error) {
	reports, err := s.AddDocuments(ctx, []Upload{{Name: name, Data: data}})
	if err != nil {
		return IngestReport{Name: name}, err
	}
	return reports[0], nil
}

// AddDocuments indexes independent uploads in parallel and registers them in
// input order. On the first failure nothing is registered. A name indexed
// by a concurrent call in the meantime is reported as skipped.
func (s *Session) AddDocuments(ctx context.Context, uploads []Upload) ([]IngestReport, error) {
	_, llm, _, err := s.clients(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]IngestReport, len(uploads))
	indexes := make([]*chromemdb.Index, len(uploads))
	seen := make(map[string]bool)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.RAG.IngestWorkers))
	for i, up := range uploads {
		reports[i].Name = up.Name
		if seen[up.Name] || s.has(up.Name) {
			reports[i] = skipped(up.Name)
			continue
		}
		seen[up.Name] = true

		g.Go(func() error {
			idx, err := s.build(gctx, llm, up)
			if err != nil {
				return fmt.Errorf("%s: %w", up.Name, err)
			}
			indexes[i] = idx
			if idx == nil {
				reports[i].Message = fmt.Sprintf("Could not process text from: %s", up.Name)
				return nil
			}
			reports[i].Indexed = true
			reports[i].Chunks = idx.Len()
			reports[i].Message = fmt.Sprintf("Processed and indexed: %s", up.Name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, idx := range indexes {
		if idx == nil {
			continue
		}
		if !s.register(uploads[i].Name, idx) {
			reports[i] = skipped(uploads[i].Name)
		}
	}
	return reports, nil
}

func skipped(name string) IngestReport {
	return IngestReport{Name: name, Skipped: true, Message: fmt.Sprintf("Already indexed: %s", name)}
}

func (s *Session) build(ctx context.Context, llm llmservice.ChatModel, up Upload) (*chromemdb.Index, error) {
	doc, err := parser.Ingest(up.Name, up.Data, s.chunker)
	if err != nil {
		return nil, err
	}
	chunks := doc.Chunks
	if s.cfg.RAG.ContextualChunks && len(chunks) > 0 {
		if chunks, err = rag.Contextualize(ctx, llm, doc); err != nil {
			return nil, err
		}
	}
	log.Info().Str("session", s.id).Str("document", doc.Name).Int("pages", doc.Pages).Int("chunks", len(chunks)).Msg("Indexing document")
	return chromemdb.Build(ctx, liveEmbedder{s: s}, doc.Name, chunks)
}

func (s *Session) has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// register adds idx under name unless the name is taken. s.mu must be held.
func (s *Session) register(name string, idx *chromemdb.Index) bool {
	if _, ok := s.byName[name]; ok {
		return false
	}
	d := &document{name: name, index: idx, selected: true}
	s.docs = append(s.docs, d)
	s.byName[name] = d
	return true
}

// Select marks a document as used or unused for answering.
func (s *Session) Select(name string, selected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.byName[name]
	if !ok {
		return fmt.Errorf("%q: %w", name, models.ErrUnknownDocument)
	}
	d.selected = selected
	return nil
}

// Documents lists the indexed documents in upload order.
func (s *Session) Documents() []DocumentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]DocumentInfo, len(s.docs))
	for i, d := range s.docs {
		out[i] = DocumentInfo{Name: d.name, Chunks: d.index.Len(), Selected: d.selected}
	}
	return out
}

func (s *Session) History() []models.Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Turn(nil), s.history...)
}

// Ask answers question against the selected documents. Answered questions
// are appended to the conversation; failed ones are not.
func (s *Session) Ask(ctx context.Context, question string) models.Reply {
	_, _, engine, err := s.clients(ctx)
	if err != nil {
		if errors.Is(err, models.ErrCredentialMissing) {
			return rag.FailedReply(question, models.FailureCredentialMissing, "Please enter your API key to ask questions.")
		}
		return rag.FailedReply(question, models.FailureInternal, "Could not connect to the model: "+err.Error())
	}

	s.mu.Lock()
	var sources []rag.Source
	for _, d := range s.docs {
		if d.selected {
			sources = append(sources, rag.Source{Name: d.name, Index: d.index})
		}
	}
	history := append([]models.Turn(nil), s.history...)
	s.mu.Unlock()

	reply := engine.Ask(ctx, question, history, sources)
	if !reply.Failed() {
		s.mu.Lock()
		s.history = append(s.history,
			models.Turn{Role: models.RoleUser, Content: question},
			models.Turn{Role: models.RoleAssistant, Content: reply.Text},
		)
		s.mu.Unlock()
	}
	return reply
}

// ExportIndex persists the index of one document into dir.
func (s *Session) ExportIndex(ctx context.Context, name, dir string) error {
	s.mu.Lock()
	d, ok := s.byName[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%q: %w", name, models.ErrUnknownDocument)
	}
	return chromemdb.Persist(ctx, d.index, dir, chromemdb.PersistOptions{
		Compress:      s.cfg.RAG.Compress,
		EncryptionKey: s.cfg.RAG.EncryptionKey,
	})
}

// ImportIndex loads an index exported earlier and registers it as a selected
// document. trusted must be set by the caller; see chromemdb.LoadOptions.
func (s *Session) ImportIndex(ctx context.Context, dir string, trusted bool) (DocumentInfo, error) {
	if !trusted {
		return DocumentInfo{}, fmt.Errorf("import %s: %w", dir, models.ErrUntrustedLoad)
	}
	if _, _, _, err := s.clients(ctx); err != nil {
		return DocumentInfo{}, err
	}
	idx, err := chromemdb.Load(ctx, liveEmbedder{s: s}, dir, chromemdb.LoadOptions{
		Trusted:       trusted,
		EncryptionKey: s.cfg.RAG.EncryptionKey,
	})
	if err != nil {
		return DocumentInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	name := idx.Document()
	if !s.register(name, idx) {
		return DocumentInfo{}, fmt.Errorf("%q is already indexed", name)
	}
	return DocumentInfo{Name: name, Chunks: idx.Len(), Selected: true}, nil
}
