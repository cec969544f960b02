package extract

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/medragnosis/medragnosis/internal/models"
)

// extractPDF returns the text layer of every page. A page whose content stream cannot be
// decoded contributes an empty page so page numbers stay aligned with the document.
func extractPDF(content []byte) (pages []models.Page, err error) {
	// The PDF reader panics on some malformed content streams.
	defer func() {
		if p := recover(); p != nil {
			pages, err = nil, fmt.Errorf("parse PDF: %v", p)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, fmt.Errorf("open PDF: %w", err)
	}
	numPages := r.NumPage()
	pages = make([]models.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			pages = append(pages, models.Page{Number: i})
			continue
		}
		text, textErr := page.GetPlainText(nil)
		if textErr != nil {
			text = ""
		}
		pages = append(pages, models.Page{Number: i, Text: text})
	}
	return pages, nil
}

// PageCount returns the number of pages in a PDF, or 0 when it cannot be parsed.
func PageCount(content []byte) int {
	r, err := pdf.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return 0
	}
	return r.NumPage()
}
