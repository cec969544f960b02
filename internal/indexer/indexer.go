// Package indexer ingests uploaded reports into blob storage, the vector index and report metadata.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medragnosis/medragnosis/internal/blobstore"
	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/embedding"
	"github.com/medragnosis/medragnosis/internal/extract"
	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/internal/ocr"
	"github.com/medragnosis/medragnosis/internal/storage"
	"github.com/medragnosis/medragnosis/internal/vector"
)

// AllowedExtensions lists the report formats accepted for upload.
var AllowedExtensions = []string{".pdf", ".txt", ".md", ".docx", ".xlsx", ".odt", ".rtf"}

// FileInput is one uploaded file.
type FileInput struct {
	Filename    string
	Content     []byte
	ContentType string
}

// IngestResult describes a successfully ingested report.
type IngestResult struct {
	DocID          string `json:"doc_id"`
	ChunkCount     int    `json:"num_chunks"`
	SourceFilename string `json:"source_filename"`
}

// BatchItem is the outcome for one file of a batch. Error is empty on success.
type BatchItem struct {
	Filename   string `json:"filename"`
	DocID      string `json:"doc_id,omitempty"`
	ChunkCount int    `json:"num_chunks"`
	Error      string `json:"error,omitempty"`
}

// Indexer ingests report files.
type Indexer struct {
	storage     storage.Storage
	blobs       blobstore.Store
	extractor   *extract.Extractor
	ocr         ocr.Recognizer
	embedder    embedding.Embedder
	vectorIndex vector.VectorIndex
	chunker     *Chunker
	config      *config.IngestConfig
	logger      *zap.Logger
	persist     func() error
}

const rollbackTimeout = 30 * time.Second

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) {
		if l != nil {
			idx.logger = l
		}
	}
}

// WithOCR enables the OCR fallback for PDFs with little or no text layer.
func WithOCR(r ocr.Recognizer) IndexerOption {
	return func(idx *Indexer) { idx.ocr = r }
}

// WithPersist sets a hook run after a batch that ingested at least one file, used to
// snapshot a local vector index.
func WithPersist(fn func() error) IndexerOption {
	return func(idx *Indexer) { idx.persist = fn }
}

// NewIndexer creates an indexer with the given dependencies.
func NewIndexer(
	storage storage.Storage,
	blobs blobstore.Store,
	embedder embedding.Embedder,
	vectorIndex vector.VectorIndex,
	cfg *config.IngestConfig,
	extractor *extract.Extractor,
	opts ...IndexerOption,
) *Indexer {
	if extractor == nil {
		extractor = extract.NewExtractor()
	}
	idx := &Indexer{
		storage:     storage,
		blobs:       blobs,
		extractor:   extractor,
		embedder:    embedder,
		vectorIndex: vectorIndex,
		chunker:     NewChunker(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MaxChunkText),
		config:      cfg,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// Ingest stores, extracts, chunks, embeds and indexes one file as report docID owned by
// uploader. A file that yields no text fails with ErrExtraction and leaves no report or
// chunks behind.
func (idx *Indexer) Ingest(ctx context.Context, in FileInput, uploader, docID string) (_ *IngestResult, err error) {
	filename := filepath.Base(strings.ReplaceAll(in.Filename, "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		return nil, fmt.Errorf("%w: filename is required", models.ErrValidation)
	}
	if uploader == "" || docID == "" {
		return nil, fmt.Errorf("%w: uploader and doc_id are required", models.ErrValidation)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if !extensionAllowed(ext, AllowedExtensions) {
		return nil, fmt.Errorf("%w: unsupported file type %q", models.ErrValidation, ext)
	}
	if limit := idx.config.MaxUploadBytes; limit > 0 && int64(len(in.Content)) > limit {
		return nil, fmt.Errorf("%w: %s exceeds %d bytes", models.ErrValidation, filename, limit)
	}

	blobKey := models.BlobKey(docID, filename)
	if err := idx.blobs.Put(ctx, blobKey, bytes.NewReader(in.Content)); err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	var indexed []string
	defer func() {
		if err != nil {
			idx.rollback(blobKey, indexed)
		}
	}()

	pages, err := idx.extractPages(ctx, in.Content, ext, filename)
	if err != nil {
		return nil, err
	}
	chunks := idx.chunker.Chunk(docID, filename, uploader, pages)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %s", models.ErrExtraction, filename)
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := idx.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("%w: embed chunks: %w", models.ErrRetrievalUnavailable, err)
	}
	ids := make([]string, len(chunks))
	for i, c := range chunks {
		ids[i] = c.ID
	}
	// A failed upsert may have written some batches.
	indexed = ids
	if err := idx.vectorIndex.Upsert(ctx, chunks, vectors); err != nil {
		return nil, fmt.Errorf("%w: index chunks: %w", models.ErrRetrievalUnavailable, err)
	}

	report := &models.ReportMetadata{
		DocID:      docID,
		Filename:   filename,
		Uploader:   uploader,
		ChunkCount: len(chunks),
	}
	if err := idx.storage.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("failed to store report: %w", err)
	}
	idx.logger.Info("report ingested",
		zap.String("doc_id", docID),
		zap.String("filename", filename),
		zap.String("uploader", uploader),
		zap.Int("pages", len(pages)),
		zap.Int("chunks", len(chunks)))
	return &IngestResult{DocID: docID, ChunkCount: len(chunks), SourceFilename: filename}, nil
}

// rollback removes what a failed ingest already wrote. It runs detached from the request
// context, which may be the reason the ingest failed.
func (idx *Indexer) rollback(blobKey string, chunkIDs []string) {
	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if len(chunkIDs) > 0 {
		if err := idx.vectorIndex.Delete(ctx, chunkIDs); err != nil {
			idx.logger.Error("failed to remove chunks of failed ingest",
				zap.String("blob", blobKey), zap.Int("chunks", len(chunkIDs)), zap.Error(err))
		}
	}
	if err := idx.blobs.Delete(ctx, blobKey); err != nil {
		idx.logger.Error("failed to remove upload of failed ingest", zap.String("blob", blobKey), zap.Error(err))
	}
}

// extractPages reads the text layer and falls back to OCR for PDFs with too little text.
func (idx *Indexer) extractPages(ctx context.Context, content []byte, ext, filename string) ([]models.Page, error) {
	pages, extractErr := idx.extractor.ExtractPages(content, ext)
	if !extract.IsPDF(ext) || idx.ocr == nil {
		if extractErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrExtraction, filename, extractErr)
		}
		return pages, nil
	}
	if extractErr == nil && extract.TextLength(pages) >= idx.config.OCRMinChars {
		return pages, nil
	}

	idx.logger.Info("text layer too short, running OCR",
		zap.String("filename", filename),
		zap.Int("chars", extract.TextLength(pages)),
		zap.Int("pages", extract.PageCount(content)),
		zap.NamedError("extract_error", extractErr))
	ocrPages, err := idx.ocr.RecognizePDF(ctx, content)
	if err != nil {
		idx.logger.Warn("OCR failed", zap.String("filename", filename), zap.Error(err))
		return nil, fmt.Errorf("%w: %s: ocr: %w", models.ErrExtraction, filename, err)
	}
	if len(ocrPages) == 0 {
		if extractErr != nil {
			return nil, fmt.Errorf("%w: %s: %w", models.ErrExtraction, filename, extractErr)
		}
		return pages, nil
	}
	return ocrPages, nil
}

// IngestBatch ingests files concurrently, each under a fresh doc_id. One file failing
// does not affect the others; the returned items follow the order of files.
func (idx *Indexer) IngestBatch(ctx context.Context, files []FileInput, uploader string) []BatchItem {
	items := make([]BatchItem, len(files))
	limit := idx.config.Concurrency
	if limit <= 0 {
		limit = 1
	}
	var g errgroup.Group
	g.SetLimit(limit)
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			items[i] = BatchItem{Filename: filepath.Base(f.Filename)}
			res, err := idx.Ingest(ctx, f, uploader, uuid.New().String())
			if err != nil {
				idx.logger.Warn("ingest failed", zap.String("filename", f.Filename), zap.Error(err))
				items[i].Error = err.Error()
				return nil
			}
			items[i].DocID = res.DocID
			items[i].ChunkCount = res.ChunkCount
			return nil
		})
	}
	_ = g.Wait()
	idx.persistAfter(items)
	return items
}

func (idx *Indexer) persistAfter(items []BatchItem) {
	if idx.persist == nil || !slices.ContainsFunc(items, func(it BatchItem) bool { return it.Error == "" }) {
		return
	}
	if err := idx.persist(); err != nil {
		idx.logger.Error("failed to persist vector index", zap.Error(err))
	}
}

// IngestFile reads a file from path and ingests it under a fresh doc_id.
func (idx *Indexer) IngestFile(ctx context.Context, path, uploader string) (*IngestResult, error) {
	idx.logger.Debug("indexer ingesting file", zap.String("path", path))
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	return idx.Ingest(ctx, FileInput{Filename: filepath.Base(path), Content: content}, uploader, uuid.New().String())
}

// IngestDirectory walks dir recursively and ingests each regular file with an allowed
// extension. Failures are reported per file and do not stop the walk.
func (idx *Indexer) IngestDirectory(ctx context.Context, dir, uploader string) ([]BatchItem, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var (
		mu    sync.Mutex
		items []BatchItem
		g     errgroup.Group
	)
	g.SetLimit(max(idx.config.Concurrency, 1))
	err = filepath.WalkDir(absDir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || !extensionAllowed(filepath.Ext(path), AllowedExtensions) {
			return nil
		}
		// Resolve symlinks so we only ingest regular files
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		g.Go(func() error {
			item := BatchItem{Filename: filepath.Base(path)}
			res, err := idx.IngestFile(ctx, path, uploader)
			if err != nil {
				item.Error = err.Error()
			} else {
				item.DocID, item.ChunkCount = res.DocID, res.ChunkCount
			}
			mu.Lock()
			items = append(items, item)
			mu.Unlock()
			return nil
		})
		return nil
	})
	_ = g.Wait()
	idx.persistAfter(items)
	return items, err
}

func extensionAllowed(ext string, allowed []string) bool {
	extNorm := strings.ToLower(strings.TrimPrefix(ext, "."))
	if extNorm == "" {
		return false
	}
	for _, a := range allowed {
		if strings.ToLower(strings.TrimPrefix(a, ".")) == extNorm {
			return true
		}
	}
	return false
}
