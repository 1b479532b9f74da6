package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zip"

	"docqa/internal/models"
)

const odsContent = "content.xml"

type sheet struct {
	name string
	rows [][]string
}

// odsPages treats every OpenDocument table as a page, formatted like xlsx sheets.
func odsPages(data []byte) ([]models.Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open ods: %v: %w", err, models.ErrExtraction)
	}
	var content *zip.File
	for _, f := range zr.File {
		if f.Name == odsContent {
			content = f
			break
		}
	}
	if content == nil {
		return nil, fmt.Errorf("ods has no %s: %w", odsContent, models.ErrExtraction)
	}

	rc, err := content.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %v: %w", odsContent, err, models.ErrExtraction)
	}
	defer rc.Close()

	sheets, err := odsSheets(rc)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %v: %w", odsContent, err, models.ErrExtraction)
	}
	return readPages(odsSource(sheets)), nil
}

// odsSheets walks table:table, table:table-row and table:table-cell elements.
// Cell text is the concatenation of its text:p paragraphs; text:s is a space.
// Rows without any text are dropped.
func odsSheets(r io.Reader) ([]sheet, error) {
	dec := xml.NewDecoder(r)
	var (
		sheets []sheet
		row    []string
		cell   strings.Builder
		inCell bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "table":
				sheets = append(sheets, sheet{name: attr(t, "name")})
			case "table-row":
				row = nil
			case "table-cell", "covered-table-cell":
				cell.Reset()
				inCell = true
			case "s":
				if inCell {
					cell.WriteString(" ")
				}
			case "p":
				if inCell && cell.Len() > 0 {
					cell.WriteString(" ")
				}
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "table-cell", "covered-table-cell":
				row = append(row, cell.String())
				inCell = false
			case "table-row":
				if len(sheets) > 0 && strings.TrimSpace(strings.Join(row, "")) != "" {
					last := &sheets[len(sheets)-1]
					last.rows = append(last.rows, trimRow(row))
				}
			}
		case xml.CharData:
			if inCell {
				cell.Write(t)
			}
		}
	}
	return sheets, nil
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return a.Value
		}
	}
	return ""
}

func trimRow(row []string) []string {
	end := len(row)
	for end > 0 && row[end-1] == "" {
		end--
	}
	return row[:end]
}

type odsSource []sheet

func (s odsSource) NumPage() int {
	return len(s)
}

func (s odsSource) PageText(num int) (string, error) {
	sh := s[num-1]
	return sheetText(sh.name, sh.rows), nil
}
