package evaluate

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

const (
	resultsSheet = "Results"
	summarySheet = "Summary"
)

var resultsHeader = []interface{}{"Question", "Ground truth", "Doc ID", "Answer", "Contexts", "Sources", "Context recall", "Error"}

// WriteXLSX writes per-case results and a summary sheet to path.
func (s *Summary) WriteXLSX(path string) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", resultsSheet); err != nil {
		return err
	}
	if err := f.SetSheetRow(resultsSheet, "A1", &resultsHeader); err != nil {
		return err
	}
	for i, r := range s.Results {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			r.Question,
			r.GroundTruth,
			r.DocID,
			r.Answer,
			strings.Join(r.Contexts, "\n---\n"),
			strings.Join(r.Sources, ", "),
			r.ContextRecall,
			r.Error,
		}
		if err := f.SetSheetRow(resultsSheet, cell, &row); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(summarySheet); err != nil {
		return err
	}
	summary := [][]interface{}{
		{"Cases", len(s.Results)},
		{"Failed", s.Failed},
		{"Mean context recall", s.MeanRecall},
	}
	for i, row := range summary {
		if err := f.SetSheetRow(summarySheet, fmt.Sprintf("A%d", i+1), &row); err != nil {
			return err
		}
	}
	return f.SaveAs(path)
}
