package rag

import (
	"context"
	"sort"
	"strings"

	"docqa/internal/config"
	"docqa/internal/models"
)

// Searcher is a per-document index.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error)
}

// Source is one selected document. Sources are merged in the order given,
// which callers keep equal to upload order.
type Source struct {
	Name  string
	Index Searcher
}

// Retrieval is the merged context for one question.
type Retrieval struct {
	Chunks []models.RetrievedChunk
}

// Empty reports that there is no relevant context, either because nothing
// was selected or because every index came back empty.
func (r Retrieval) Empty() bool {
	return len(r.Chunks) == 0
}

// Sources lists the distinct documents that contributed, in merged order.
func (r Retrieval) Sources() []string {
	var names []string
	seen := make(map[string]bool)
	for _, c := range r.Chunks {
		if !seen[c.Document] {
			seen[c.Document] = true
			names = append(names, c.Document)
		}
	}
	return names
}

// Context joins the chunk texts for the prompt.
func (r Retrieval) Context() string {
	parts := make([]string, len(r.Chunks))
	for i, c := range r.Chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, models.ContextSeparator)
}

// Merger searches every selected index with the same query and k and
// combines the results. Indexes are only queried, never rebuilt.
type Merger struct {
	Policy string
	TopK   int
	// Limit caps the reranked list; zero keeps everything.
	Limit int
}

func NewMerger(cfg config.RAGConfig) *Merger {
	return &Merger{Policy: cfg.MergePolicy, TopK: cfg.TopK, Limit: cfg.MergeLimit}
}

func (m *Merger) Merge(ctx context.Context, query string, sources []Source) (Retrieval, error) {
	type ranked struct {
		chunk  models.RetrievedChunk
		source int
	}

	var all []ranked
	for i, src := range sources {
		if src.Index == nil {
			continue
		}
		chunks, err := src.Index.Search(ctx, query, m.TopK)
		if err != nil {
			return Retrieval{}, err
		}
		for _, c := range chunks {
			if c.Document == "" {
				c.Document = src.Name
			}
			all = append(all, ranked{chunk: c, source: i})
		}
	}

	if m.Policy == config.MergeRerank {
		sort.SliceStable(all, func(i, j int) bool {
			a, b := all[i], all[j]
			if a.chunk.Similarity != b.chunk.Similarity {
				return a.chunk.Similarity > b.chunk.Similarity
			}
			if a.source != b.source {
				return a.source < b.source
			}
			return a.chunk.Ordinal < b.chunk.Ordinal
		})
		if m.Limit > 0 && len(all) > m.Limit {
			all = all[:m.Limit]
		}
	}

	out := Retrieval{Chunks: make([]models.RetrievedChunk, len(all))}
	for i, r := range all {
		out.Chunks[i] = r.chunk
	}
	return out, nil
}
