package parser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/tmc/langchaingo/textsplitter"

	"docqa/internal/config"
)

const (
	defaultChunkSize    = 1000 // characters
	defaultChunkOverlap = 200  // characters
)

// Chunker splits a document's text into overlapping windows for embedding.
// Empty or whitespace-only text yields no chunks and no error.
type Chunker interface {
	Split(text string) ([]string, error)
}

// NewChunker builds the chunker selected by cfg.ChunkStrategy.
func NewChunker(cfg config.RAGConfig) Chunker {
	size, overlap := normalizeWindow(cfg.ChunkSize, cfg.ChunkOverlap)
	if cfg.ChunkStrategy == config.ChunkStrategyRecursive {
		return NewRecursiveChunker(size, overlap)
	}
	return NewWindowChunker(size, overlap)
}

func normalizeWindow(size, overlap int) (int, int) {
	if size <= 0 {
		size = defaultChunkSize
		if overlap <= 0 {
			overlap = defaultChunkOverlap
		}
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 2 // Reasonable default to avoid excessive overlap
	}
	return size, overlap
}

// WindowChunker cuts fixed-size windows measured in characters. Window i+1
// starts exactly overlap characters before window i ends, so dropping the
// first overlap characters of every window but the first rebuilds the input.
// Window ends prefer a paragraph break, then a sentence end, then whitespace,
// and fall back to a hard cut.
type WindowChunker struct {
	size    int
	overlap int
}

func NewWindowChunker(size, overlap int) *WindowChunker {
	size, overlap = normalizeWindow(size, overlap)
	return &WindowChunker{size: size, overlap: overlap}
}

func (c *WindowChunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	runes := []rune(text)
	n := len(runes)

	var chunks []string
	start := 0
	for {
		end := start + c.size
		if end >= n {
			return append(chunks, string(runes[start:])), nil
		}
		end = c.breakPoint(runes, start, end)
		chunks = append(chunks, string(runes[start:end]))
		start = end - c.overlap
	}
}

// breakPoint returns the cut position for the window starting at start whose
// hard limit is end. Only positions in the back half of the window and past
// the overlap zone qualify, which keeps windows large and always advances.
func (c *WindowChunker) breakPoint(runes []rune, start, end int) int {
	lo := max(start+c.overlap+1, start+c.size/2)
	for _, isBoundary := range []func([]rune, int) bool{paragraphEnd, sentenceEnd, wordEnd} {
		for p := end; p >= lo; p-- {
			if isBoundary(runes, p) {
				return p
			}
		}
	}
	return end
}

func paragraphEnd(runes []rune, p int) bool {
	return p >= 2 && runes[p-1] == '\n' && runes[p-2] == '\n'
}

func sentenceEnd(runes []rune, p int) bool {
	if p < 1 {
		return false
	}
	if runes[p-1] == '\n' {
		return true
	}
	return p >= 2 && unicode.IsSpace(runes[p-1]) && strings.ContainsRune(".!?", runes[p-2])
}

func wordEnd(runes []rune, p int) bool {
	return p >= 1 && unicode.IsSpace(runes[p-1])
}

// RecursiveChunker delegates to langchaingo's recursive character splitter,
// which tries paragraph, line and word separators in turn. Chunks are trimmed,
// so overlap between neighbours is approximate.
type RecursiveChunker struct {
	splitter textsplitter.RecursiveCharacter
}

func NewRecursiveChunker(size, overlap int) *RecursiveChunker {
	size, overlap = normalizeWindow(size, overlap)
	return &RecursiveChunker{
		splitter: textsplitter.NewRecursiveCharacter(
			textsplitter.WithChunkSize(size),
			textsplitter.WithChunkOverlap(overlap),
		),
	}
}

func (c *RecursiveChunker) Split(text string) ([]string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	parts, err := c.splitter.SplitText(text)
	if err != nil {
		return nil, fmt.Errorf("split text: %w", err)
	}
	chunks := parts[:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			chunks = append(chunks, p)
		}
	}
	return chunks, nil
}
