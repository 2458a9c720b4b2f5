package document

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

var pdfMagic = []byte("%PDF")

var ErrNoPages = errors.New("document has no pages")

func IsPDF(data []byte) bool { return bytes.HasPrefix(bytes.TrimLeft(data, " \t\r\n"), pdfMagic) }

// Pages returns the text of each page. Non-PDF input is treated as plain
// text with pages separated by form feeds.
func Pages(data []byte) ([]string, error) {
	if !IsPDF(data) {
		return textPages(string(data))
	}

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open pdf: %w", err)
	}
	n := r.NumPage()
	if n == 0 {
		return nil, ErrNoPages
	}

	pages := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			pages = append(pages, "")
			continue
		}
		text, err := p.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, strings.TrimSpace(text))
	}
	return pages, nil
}

func textPages(s string) ([]string, error) {
	if strings.TrimSpace(s) == "" {
		return nil, ErrNoPages
	}
	parts := strings.Split(s, "\f")
	pages := make([]string, 0, len(parts))
	for _, p := range parts {
		pages = append(pages, strings.TrimSpace(p))
	}
	return pages, nil
}
