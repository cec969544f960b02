// Package extract provides page-oriented text extraction from uploaded report formats.
package extract

import (
	"strings"

	"github.com/medragnosis/medragnosis/internal/models"
)

// Extractor extracts text pages from report files.
type Extractor struct{}

// NewExtractor returns a new Extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// ExtractPages extracts text from content based on the given extension (with leading dot).
// PDFs yield one page per PDF page (1-based numbers), spreadsheets one page per sheet,
// and flowing-text formats a single page with Number 0. Pages may have empty text;
// callers decide whether the total is enough.
func (e *Extractor) ExtractPages(content []byte, ext string) ([]models.Page, error) {
	switch strings.ToLower(ext) {
	case ".pdf":
		return extractPDF(content)
	case ".docx":
		return singlePage(extractDOCX(content))
	case ".odt", ".rtf":
		return singlePage(extractWithCat(content))
	case ".xlsx":
		return extractExcel(content)
	default:
		// .txt, .md and unknown extensions are read as text.
		return singlePage(extractPlain(content))
	}
}

// IsPDF reports whether ext names a PDF, the only format eligible for OCR fallback.
func IsPDF(ext string) bool {
	return strings.EqualFold(ext, ".pdf")
}

// TextLength returns the number of non-whitespace-trimmed characters across pages.
func TextLength(pages []models.Page) int {
	n := 0
	for _, p := range pages {
		n += len([]rune(strings.TrimSpace(p.Text)))
	}
	return n
}

func singlePage(text string, err error) ([]models.Page, error) {
	if err != nil {
		return nil, err
	}
	return []models.Page{{Number: 0, Text: text}}, nil
}
