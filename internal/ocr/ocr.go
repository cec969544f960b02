// Package ocr recognizes text in scanned PDF reports that have no usable text layer.
package ocr

import (
	"context"
	"fmt"
	"strings"

	vision "cloud.google.com/go/vision/v2/apiv1"
	visionpb "cloud.google.com/go/vision/v2/apiv1/visionpb"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/medragnosis/medragnosis/internal/models"
)

// Recognizer extracts text from a PDF by optical character recognition.
type Recognizer interface {
	// RecognizePDF returns one Page per PDF page that produced text, numbered from 1.
	RecognizePDF(ctx context.Context, content []byte) ([]models.Page, error)
	Close() error
}

// annotateFunc is the subset of the Vision client the recognizer calls.
type annotateFunc func(ctx context.Context, req *visionpb.BatchAnnotateFilesRequest) (*visionpb.BatchAnnotateFilesResponse, error)

// VisionRecognizer runs synchronous DOCUMENT_TEXT_DETECTION over inline PDF bytes.
// The synchronous API accepts at most five pages per file request, so longer documents
// are sent in consecutive page batches.
type VisionRecognizer struct {
	client        *vision.ImageAnnotatorClient
	annotate      annotateFunc
	pagesPerBatch int
	maxPages      int
	logger        *zap.Logger
}

// Option configures a VisionRecognizer.
type Option func(*VisionRecognizer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *VisionRecognizer) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithPagesPerBatch sets how many pages go into one request (1..5).
func WithPagesPerBatch(n int) Option {
	return func(r *VisionRecognizer) {
		if n > 0 && n <= 5 {
			r.pagesPerBatch = n
		}
	}
}

// WithMaxPages caps the number of pages recognized per document.
func WithMaxPages(n int) Option {
	return func(r *VisionRecognizer) {
		if n > 0 {
			r.maxPages = n
		}
	}
}

// NewVisionRecognizer creates a Vision client using application default credentials
// unless client options say otherwise.
func NewVisionRecognizer(ctx context.Context, clientOpts []option.ClientOption, opts ...Option) (*VisionRecognizer, error) {
	client, err := vision.NewImageAnnotatorClient(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("vision client: %w", err)
	}
	r := newRecognizer(func(ctx context.Context, req *visionpb.BatchAnnotateFilesRequest) (*visionpb.BatchAnnotateFilesResponse, error) {
		return client.BatchAnnotateFiles(ctx, req)
	}, opts...)
	r.client = client
	return r, nil
}

func newRecognizer(fn annotateFunc, opts ...Option) *VisionRecognizer {
	r := &VisionRecognizer{
		annotate:      fn,
		pagesPerBatch: 5,
		maxPages:      50,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RecognizePDF implements Recognizer.
func (r *VisionRecognizer) RecognizePDF(ctx context.Context, content []byte) ([]models.Page, error) {
	if len(content) == 0 {
		return nil, nil
	}
	var pages []models.Page
	// totalPages is learned from the first response.
	totalPages := r.pagesPerBatch
	for start := 1; start <= totalPages && start <= r.maxPages; start += r.pagesPerBatch {
		batch := pageRange(start, r.pagesPerBatch, r.maxPages)
		resp, err := r.annotate(ctx, &visionpb.BatchAnnotateFilesRequest{
			Requests: []*visionpb.AnnotateFileRequest{{
				InputConfig: &visionpb.InputConfig{Content: content, MimeType: "application/pdf"},
				Features:    []*visionpb.Feature{{Type: visionpb.Feature_DOCUMENT_TEXT_DETECTION}},
				Pages:       batch,
			}},
		})
		if err != nil {
			return nil, fmt.Errorf("vision BatchAnnotateFiles pages %d-%d: %w", batch[0], batch[len(batch)-1], err)
		}
		got, total, err := collectPages(resp, batch)
		if err != nil {
			return nil, err
		}
		pages = append(pages, got...)
		if total > 0 {
			totalPages = total
		}
		r.logger.Debug("OCR batch done",
			zap.Int("first_page", int(batch[0])),
			zap.Int("pages_with_text", len(got)),
			zap.Int("total_pages", totalPages))
	}
	if totalPages > r.maxPages {
		r.logger.Warn("OCR truncated", zap.Int("total_pages", totalPages), zap.Int("max_pages", r.maxPages))
	}
	return pages, nil
}

// Close releases the Vision client.
func (r *VisionRecognizer) Close() error {
	if r.client == nil {
		return nil
	}
	return r.client.Close()
}

// pageRange returns up to n 1-based page numbers starting at start, never beyond limit.
func pageRange(start, n, limit int) []int32 {
	out := make([]int32, 0, n)
	for p := start; p < start+n && p <= limit; p++ {
		out = append(out, int32(p))
	}
	return out
}

// collectPages converts a file response into pages. Page numbers come from the response
// context when present, otherwise from the requested batch position.
func collectPages(resp *visionpb.BatchAnnotateFilesResponse, batch []int32) ([]models.Page, int, error) {
	if resp == nil || len(resp.Responses) == 0 || resp.Responses[0] == nil {
		return nil, 0, nil
	}
	file := resp.Responses[0]
	if file.Error != nil && file.Error.Message != "" {
		return nil, 0, fmt.Errorf("vision annotate error: %s", file.Error.Message)
	}
	var pages []models.Page
	for i, img := range file.Responses {
		if img == nil {
			continue
		}
		if img.Error != nil && img.Error.Message != "" {
			return nil, 0, fmt.Errorf("vision page error: %s", img.Error.Message)
		}
		if img.FullTextAnnotation == nil {
			continue
		}
		text := strings.TrimSpace(img.FullTextAnnotation.Text)
		if text == "" {
			continue
		}
		num := 0
		if img.Context != nil && img.Context.PageNumber > 0 {
			num = int(img.Context.PageNumber)
		} else if i < len(batch) {
			num = int(batch[i])
		}
		pages = append(pages, models.Page{Number: num, Text: text})
	}
	return pages, int(file.TotalPages), nil
}
