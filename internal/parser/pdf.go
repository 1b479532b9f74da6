package parser

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"docqa/internal/models"
)

type pdfSource struct {
	reader *pdf.Reader
}

func (s pdfSource) NumPage() int {
	return s.reader.NumPage()
}

func (s pdfSource) PageText(num int) (string, error) {
	page := s.reader.Page(num)
	if page.V.IsNull() {
		return "", nil
	}
	return page.GetPlainText(nil)
}

func pdfPages(data []byte) (pages []models.Page, err error) {
	defer func() {
		if r := recover(); r != nil {
			pages, err = nil, fmt.Errorf("read pdf: %v: %w", r, models.ErrExtraction)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %v: %w", err, models.ErrExtraction)
	}
	return readPages(pdfSource{reader: reader}), nil
}
