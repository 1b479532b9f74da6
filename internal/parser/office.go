package parser

import (
	"bytes"
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/xuri/excelize/v2"

	"docqa/internal/models"
)

var (
	docxParagraphEnd = regexp.MustCompile(`</w:p>`)
	docxBreak        = regexp.MustCompile(`<w:(br|tab)[^>]*/>`)
	xmlTag           = regexp.MustCompile(`<[^>]+>`)
)

// docxPages returns the document body as a single page; DOCX has no page numbers.
func docxPages(data []byte) ([]models.Page, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open docx: %v: %w", err, models.ErrExtraction)
	}
	defer r.Close()

	text := xmlToText(r.Editable().GetContent())
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return []models.Page{{Number: 1, Text: text}}, nil
}

func xmlToText(content string) string {
	content = docxParagraphEnd.ReplaceAllString(content, "\n")
	content = docxBreak.ReplaceAllString(content, " ")
	content = xmlTag.ReplaceAllString(content, "")
	return strings.TrimSpace(html.UnescapeString(content))
}

// xlsxPages treats every sheet as a page.
func xlsxPages(data []byte) ([]models.Page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("open xlsx: %v: %w", err, models.ErrExtraction)
	}
	defer f.Close()

	src := sheetSource{file: f, sheets: f.GetSheetList()}
	return readPages(src), nil
}

type sheetSource struct {
	file   *excelize.File
	sheets []string
}

func (s sheetSource) NumPage() int {
	return len(s.sheets)
}

func (s sheetSource) PageText(num int) (string, error) {
	name := s.sheets[num-1]
	rows, err := s.file.GetRows(name)
	if err != nil {
		return "", err
	}
	return sheetText(name, rows), nil
}

// sheetText renders a sheet as a heading plus tab-separated rows. A sheet
// without cells has no text.
func sheetText(name string, rows [][]string) string {
	var text strings.Builder
	var cells int
	text.WriteString(fmt.Sprintf("## Sheet: %s\n", name))
	for _, row := range rows {
		text.WriteString(strings.Join(row, "\t"))
		text.WriteString("\n")
		cells += len(row)
	}
	if cells == 0 {
		return ""
	}
	text.WriteString("\n")
	return text.String()
}
