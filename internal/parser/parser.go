package parser

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"docqa/internal/models"
)

// pageSource is the part of an opened container the ingestor reads from.
// Page numbers are 1-based.
type pageSource interface {
	NumPage() int
	PageText(num int) (string, error)
}

// Extract returns the plain text of an uploaded file, dispatching on its extension.
func Extract(filename string, data []byte) (string, error) {
	pages, err := ExtractPages(filename, data)
	if err != nil {
		return "", err
	}
	return joinPages(pages), nil
}

// Ingest extracts an upload and splits its text with ch. A document without
// text has no chunks and is not an error.
func Ingest(name string, data []byte, ch Chunker) (models.Document, error) {
	pages, err := ExtractPages(name, data)
	if err != nil {
		return models.Document{Name: name}, err
	}
	doc := models.Document{Name: name, Text: joinPages(pages), Pages: len(pages)}
	if doc.Chunks, err = ch.Split(doc.Text); err != nil {
		return models.Document{Name: name}, err
	}
	return doc, nil
}

// ExtractPages returns the pages of an uploaded file that carry text, in order.
func ExtractPages(filename string, data []byte) ([]models.Page, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	switch ext {
	case ".pdf":
		return pdfPages(data)
	case ".docx":
		return docxPages(data)
	case ".xlsx":
		return xlsxPages(data)
	case ".ods":
		return odsPages(data)
	case ".pptx":
		return pptxPages(data)
	case ".md", ".markdown":
		return markdownPages(data)
	case ".txt":
		return textPages(data)
	default:
		return nil, fmt.Errorf("%s: %w", ext, models.ErrUnsupportedFormat)
	}
}

// ExtractPDF returns the concatenated page text of a PDF byte stream.
func ExtractPDF(data []byte) (string, error) {
	pages, err := pdfPages(data)
	if err != nil {
		return "", err
	}
	return joinPages(pages), nil
}

// readPages keeps the pages that yield text. A page that fails to decode is
// skipped like an image-only page.
func readPages(src pageSource) []models.Page {
	var pages []models.Page
	for i := 1; i <= src.NumPage(); i++ {
		text, err := pageText(src, i)
		if err != nil {
			log.Debug().Err(err).Int("page", i).Msg("Skipping unreadable page")
			continue
		}
		if strings.TrimSpace(text) == "" {
			log.Debug().Int("page", i).Msg("Page has no extractable text")
			continue
		}
		pages = append(pages, models.Page{Number: i, Text: text})
	}
	return pages
}

// pageText reads one page. Decoders such as ledongthuc/pdf panic on
// malformed content streams; that only costs the page.
func pageText(src pageSource, num int) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("page %d: %v: %w", num, r, models.ErrExtraction)
		}
	}()
	return src.PageText(num)
}

func joinPages(pages []models.Page) string {
	var b strings.Builder
	for _, p := range pages {
		b.WriteString(p.Text)
	}
	return b.String()
}

func textPages(data []byte) ([]models.Page, error) {
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("text file is not valid UTF-8: %w", models.ErrExtraction)
	}
	text := string(bytes.TrimPrefix(data, []byte("\xef\xbb\xbf")))
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []models.Page{{Number: 1, Text: text}}, nil
}
