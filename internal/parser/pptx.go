package parser

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zip"

	"docqa/internal/models"
)

var slideEntry = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

type slide struct {
	number int
	file   *zip.File
}

// pptxPages treats every slide as a page, ordered by slide number.
func pptxPages(data []byte) ([]models.Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pptx: %v: %w", err, models.ErrExtraction)
	}

	var slides []slide
	for _, f := range zr.File {
		m := slideEntry.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{number: n, file: f})
	}
	if len(slides) == 0 {
		return nil, fmt.Errorf("pptx has no slides: %w", models.ErrExtraction)
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].number < slides[j].number })
	return readPages(slideSource(slides)), nil
}

type slideSource []slide

func (s slideSource) NumPage() int {
	return len(s)
}

func (s slideSource) PageText(num int) (string, error) {
	rc, err := s[num-1].file.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	return drawingText(rc)
}

// drawingText collects the <a:t> runs of a slide, one line per <a:p> paragraph.
func drawingText(r io.Reader) (string, error) {
	dec := xml.NewDecoder(r)
	var (
		b      strings.Builder
		inText bool
		line   bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				if line {
					b.WriteString("\n")
					line = false
				}
			}
		case xml.CharData:
			if inText && len(bytes.TrimSpace(t)) > 0 {
				b.Write(t)
				line = true
			}
		}
	}
	return b.String(), nil
}
