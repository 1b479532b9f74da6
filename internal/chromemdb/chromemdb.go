package chromemdb

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"

	"github.com/philippgille/chromem-go"
	"github.com/rs/zerolog/log"

	"docqa/internal/embedding"
	"docqa/internal/helper"
	"docqa/internal/metrics"
	"docqa/internal/models"
)

const (
	metaDocument = "document"
	metaOrdinal  = "ordinal"
)

// Index is the vector store of one document. Each index owns an in-memory
// chromem database holding a single collection; chunks are kept with their
// ordinal so ties in similarity resolve to the earlier chunk.
type Index struct {
	document   string
	db         *chromem.DB
	collection *chromem.Collection
	embedder   embedding.Embedder
	model      string
	dimension  int
}

// Build embeds every chunk and stores it. No chunks yields a nil index and
// no error.
func Build(ctx context.Context, emb embedding.Embedder, name string, chunks []string) (*Index, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	vectors, err := emb.EmbedDocuments(ctx, chunks)
	if err != nil {
		return nil, err
	}

	idx, err := newIndex(emb, name, collectionName(name))
	if err != nil {
		return nil, err
	}

	docs := make([]chromem.Document, len(chunks))
	for i, chunk := range chunks {
		docs[i] = chromem.Document{
			ID:        strconv.Itoa(i),
			Content:   chunk,
			Metadata:  map[string]string{metaDocument: name, metaOrdinal: strconv.Itoa(i)},
			Embedding: vectors[i],
		}
	}
	if err := idx.collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("failed to add documents: %w", err)
	}
	idx.dimension = len(vectors[0])

	metrics.IndexedChunksTotal.Add(float64(len(chunks)))
	log.Debug().Str("document", name).Int("chunks", len(chunks)).Int("dimension", idx.dimension).Msg("Built index")
	return idx, nil
}

func newIndex(emb embedding.Embedder, document, collection string) (*Index, error) {
	db := chromem.NewDB()
	c, err := db.GetOrCreateCollection(collection, map[string]string{metaDocument: document}, queryFunc(emb))
	if err != nil {
		return nil, fmt.Errorf("failed to create/get collection: %w", err)
	}
	return &Index{
		document:   document,
		db:         db,
		collection: c,
		embedder:   emb,
		model:      modelName(emb),
	}, nil
}

// queryFunc lets chromem embed text with the same embedder the index was built with.
func queryFunc(emb embedding.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return emb.EmbedQuery(ctx, text)
	}
}

func modelName(emb embedding.Embedder) string {
	if m, ok := emb.(interface{ Model() string }); ok {
		return m.Model()
	}
	return ""
}

func collectionName(document string) string {
	return helper.SafeName(document)
}

func (idx *Index) Document() string {
	return idx.document
}

func (idx *Index) Len() int {
	return idx.collection.Count()
}

func (idx *Index) Dimension() int {
	return idx.dimension
}

// Search returns up to k chunks nearest to query, most similar first. k <= 0
// returns every chunk.
func (idx *Index) Search(ctx context.Context, query string, k int) ([]models.RetrievedChunk, error) {
	vec, err := idx.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	if idx.dimension > 0 && len(vec) != idx.dimension {
		return nil, fmt.Errorf("query vector has %d dimensions, index %q has %d: %w",
			len(vec), idx.document, idx.dimension, models.ErrEmbeddingService)
	}

	n := idx.collection.Count()
	if n == 0 {
		return nil, nil
	}
	// chromem leaves the order of equal similarities unspecified, so rank
	// everything and cut after the tie-break.
	results, err := idx.collection.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to query by similarity: %w", err)
	}

	chunks := make([]models.RetrievedChunk, 0, len(results))
	for _, r := range results {
		ordinal, err := strconv.Atoi(r.Metadata[metaOrdinal])
		if err != nil {
			return nil, fmt.Errorf("chunk %s has no ordinal: %w", r.ID, models.ErrCorruptIndex)
		}
		chunks = append(chunks, models.RetrievedChunk{
			Document:   idx.document,
			Ordinal:    ordinal,
			Content:    r.Content,
			Similarity: r.Similarity,
		})
	}
	sort.SliceStable(chunks, func(i, j int) bool {
		if chunks[i].Similarity != chunks[j].Similarity {
			return chunks[i].Similarity > chunks[j].Similarity
		}
		return chunks[i].Ordinal < chunks[j].Ordinal
	})

	if k > 0 && len(chunks) > k {
		chunks = chunks[:k]
	}
	return chunks, nil
}
