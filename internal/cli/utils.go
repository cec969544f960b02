// Package cli provides output helpers for the medragnosis command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/medragnosis/medragnosis/internal/evaluate"
	"github.com/medragnosis/medragnosis/internal/indexer"
	"github.com/medragnosis/medragnosis/internal/server"
	"github.com/medragnosis/medragnosis/pkg/utils"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteBatchResults writes per-file ingestion outcomes to w.
func WriteBatchResults(w io.Writer, items []indexer.BatchItem, format OutputFormat) error {
	if format == OutputJSON {
		if items == nil {
			items = []indexer.BatchItem{}
		}
		return writeJSON(w, items)
	}
	ok := 0
	for _, it := range items {
		if it.Error == "" {
			ok++
		}
	}
	fmt.Fprintf(w, "\nIngested %d of %d files\n\n", ok, len(items))
	for _, it := range items {
		if it.Error != "" {
			fmt.Fprintf(w, "  FAIL  %s: %s\n", it.Filename, it.Error)
			continue
		}
		fmt.Fprintf(w, "  OK    %s (doc_id %s, %d chunks)\n", it.Filename, it.DocID, it.ChunkCount)
	}
	return nil
}

// WriteStatus writes engine status to w.
func WriteStatus(w io.Writer, st *server.Status, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, st)
	}
	fmt.Fprintf(w, "Reports:           %d\n", st.Reports)
	fmt.Fprintf(w, "Diagnoses:         %d (%d pending review)\n", st.Diagnoses, st.Pending)
	fmt.Fprintf(w, "Vector index size: %d chunks\n", st.VectorIndexSize)
	if st.DiskUsage != nil {
		fmt.Fprintf(w, "\nDisk usage:        %s\n", FormatBytes(st.DiskUsage.Total))
		labels := make([]string, 0, len(st.DiskUsage.Paths))
		for label := range st.DiskUsage.Paths {
			labels = append(labels, label)
		}
		sort.Strings(labels)
		for _, label := range labels {
			fmt.Fprintf(w, "  %-16s %s\n", label+":", FormatBytes(st.DiskUsage.Paths[label]))
		}
	}
	if c := st.Config; c != nil {
		fmt.Fprintln(w, "\nConfig:")
		fmt.Fprintf(w, "  vector index:    %s\n", c.VectorIndexType)
		fmt.Fprintf(w, "  embedding:       %s (%d dims)\n", c.EmbeddingProvider, c.EmbeddingDimensions)
		fmt.Fprintf(w, "  llm model:       %s\n", c.LLMModel)
		fmt.Fprintf(w, "  blob backend:    %s\n", c.BlobBackend)
		fmt.Fprintf(w, "  chunking:        %d / %d overlap\n", c.ChunkSize, c.ChunkOverlap)
		fmt.Fprintf(w, "  top_k:           %d\n", c.TopK)
		fmt.Fprintf(w, "  ocr fallback:    %t\n", c.OCREnabled)
	}
	return nil
}

// WriteEvaluation writes an evaluation summary to w. Text output shows one line per case.
func WriteEvaluation(w io.Writer, s *evaluate.Summary, format OutputFormat) error {
	if format == OutputJSON {
		return writeJSON(w, s)
	}
	for i, r := range s.Results {
		if r.Error != "" {
			fmt.Fprintf(w, "%3d. [error] %s: %s\n", i+1, TruncateWords(r.Question, 12), r.Error)
			continue
		}
		fmt.Fprintf(w, "%3d. recall=%.2f %s\n", i+1, r.ContextRecall, TruncateWords(r.Question, 12))
		fmt.Fprintf(w, "     %s\n", utils.Truncate(strings.ReplaceAll(r.Answer, "\n", " "), 120))
	}
	fmt.Fprintf(w, "\nCases: %d  Failed: %d  Mean context recall: %.3f\n", len(s.Results), s.Failed, s.MeanRecall)
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}
