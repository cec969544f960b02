// Package retrieval answers questions about uploaded reports from retrieved report text.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/embedding"
	"github.com/medragnosis/medragnosis/internal/llm"
	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/internal/vector"
	"github.com/medragnosis/medragnosis/pkg/utils"
)

// ReportLookup resolves report metadata for longitudinal context tagging.
type ReportLookup interface {
	GetReport(ctx context.Context, docID string) (*models.ReportMetadata, error)
}

// Engine runs the rewrite, retrieve and generate steps. It keeps no conversation state;
// callers pass the full message history on every call.
type Engine struct {
	embedder  embedding.Embedder
	index     vector.VectorIndex
	generator llm.Generator
	reports   ReportLookup

	topK             int
	longitudinalTopK int
	timeout          time.Duration
	logger           *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithTopK sets the number of chunks retrieved per report and per longitudinal query.
func WithTopK(single, longitudinal int) Option {
	return func(e *Engine) {
		if single > 0 {
			e.topK = single
		}
		if longitudinal > 0 {
			e.longitudinalTopK = longitudinal
		}
	}
}

// WithTimeout bounds each Chat or Longitudinal call.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// NewEngine creates an engine. reports is used to tag longitudinal contexts with
// filename and upload date and may be nil.
func NewEngine(embedder embedding.Embedder, index vector.VectorIndex, generator llm.Generator, reports ReportLookup, opts ...Option) *Engine {
	e := &Engine{
		embedder:         embedder,
		index:            index,
		generator:        generator,
		reports:          reports,
		topK:             5,
		longitudinalTopK: 10,
		logger:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Chat answers the last message of messages using chunks of report docID only.
// A report with no matching chunk yields EmptyAnswer without calling the model.
func (e *Engine) Chat(ctx context.Context, docID string, messages []models.ChatMessage) (*models.Answer, error) {
	if strings.TrimSpace(docID) == "" {
		return nil, fmt.Errorf("%w: doc_id is required", models.ErrValidation)
	}
	if err := models.ValidateMessages(messages); err != nil {
		return nil, err
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	question := messages[len(messages)-1].Content
	history := messages[:len(messages)-1]

	standalone, err := e.rewrite(ctx, history, question)
	if err != nil {
		return nil, err
	}
	matches, err := e.retrieve(ctx, standalone, e.topK, vector.ByDocID(docID))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		if err := e.checkIndexed(ctx, docID); err != nil {
			return nil, err
		}
		e.logger.Info("no chunks matched", zap.String("doc_id", docID))
		return &models.Answer{Diagnosis: EmptyAnswer, Sources: []string{}, Contexts: []string{}}, nil
	}

	contexts := make([]string, len(matches))
	for i, m := range matches {
		contexts[i] = m.Chunk.Text
	}
	answer, err := e.generate(ctx, llm.Prompt{
		System:  answerSystemPrompt,
		History: history,
		Message: fmt.Sprintf(answerMessageTemplate, strings.Join(contexts, "\n\n"), question),
	})
	if err != nil {
		return nil, err
	}
	return &models.Answer{Diagnosis: answer, Sources: sources(matches), Contexts: contexts}, nil
}

// checkIndexed distinguishes an index that lost a report's chunks from a report with
// nothing relevant: a report recorded with chunks must return some match under its filter.
func (e *Engine) checkIndexed(ctx context.Context, docID string) error {
	if e.reports == nil {
		return nil
	}
	r, err := e.reports.GetReport(ctx, docID)
	if err != nil || r.ChunkCount == 0 {
		return nil
	}
	e.logger.Error("index returned no chunks for an ingested report",
		zap.String("doc_id", docID), zap.Int("chunk_count", r.ChunkCount))
	return fmt.Errorf("%w: index has no chunks for report %s", models.ErrRetrievalUnavailable, docID)
}

// Longitudinal answers a trend question across every report uploaded by uploader. Contexts
// are tagged with report name and upload date and ordered oldest first. No per-chunk
// sources are returned.
func (e *Engine) Longitudinal(ctx context.Context, uploader, question string) (*models.Answer, error) {
	if strings.TrimSpace(uploader) == "" {
		return nil, fmt.Errorf("%w: uploader is required", models.ErrValidation)
	}
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: question cannot be empty", models.ErrValidation)
	}
	ctx, cancel := e.withTimeout(ctx)
	defer cancel()

	matches, err := e.retrieve(ctx, question, e.longitudinalTopK, vector.ByUploader(uploader))
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		e.logger.Info("no chunks matched", zap.String("uploader", uploader))
		return &models.Answer{Diagnosis: EmptyTrendAnswer, Sources: []string{}, Contexts: []string{}}, nil
	}

	contexts := e.tagChronologically(ctx, matches)
	answer, err := e.generate(ctx, llm.Prompt{
		System:  trendSystemPrompt,
		Message: fmt.Sprintf(answerMessageTemplate, strings.Join(contexts, "\n\n"), question),
	})
	if err != nil {
		return nil, err
	}
	return &models.Answer{Diagnosis: answer, Sources: []string{}, Contexts: contexts}, nil
}

func (e *Engine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// rewrite turns a follow-up into a standalone question. Without history the question is
// used verbatim and the model is not called.
func (e *Engine) rewrite(ctx context.Context, history []models.ChatMessage, question string) (string, error) {
	if len(history) == 0 {
		return question, nil
	}
	var b strings.Builder
	b.WriteString("Conversation:\n")
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.Role, m.Content)
	}
	fmt.Fprintf(&b, "\nFollow-up question: %s", question)

	out, err := e.generate(ctx, llm.Prompt{
		System:      rewriteSystemPrompt,
		Message:     b.String(),
		Temperature: llm.Temperature(0),
	})
	if err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return question, nil
	}
	e.logger.Debug("rewrote question", zap.String("question", utils.Truncate(question, 80)), zap.String("standalone", utils.Truncate(out, 80)))
	return out, nil
}

func (e *Engine) retrieve(ctx context.Context, question string, topK int, filter vector.Filter) ([]vector.Match, error) {
	vec, err := e.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: embed question: %w", models.ErrRetrievalUnavailable, err)
	}
	matches, err := e.index.Query(ctx, vec, topK, filter)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: query index: %w", models.ErrRetrievalUnavailable, err)
	}
	return matches, nil
}

func (e *Engine) generate(ctx context.Context, p llm.Prompt) (string, error) {
	out, err := e.generator.Generate(ctx, p)
	if err != nil {
		// An expired call budget reads as the service being unavailable, whichever step hit it.
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %w", models.ErrRetrievalUnavailable, err)
		}
		return "", fmt.Errorf("%w: %w", models.ErrGenerationUnavailable, err)
	}
	return out, nil
}

// sources returns the distinct source filenames in rank order.
func sources(matches []vector.Match) []string {
	out := make([]string, 0, len(matches))
	seen := make(map[string]bool, len(matches))
	for _, m := range matches {
		s := m.Chunk.Source
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

type taggedContext struct {
	text       string
	uploadedAt time.Time
	known      bool
}

// tagChronologically prefixes each chunk with its report name and upload date and sorts
// them oldest first, keeping rank order within a report. Chunks whose report cannot be
// resolved go last.
func (e *Engine) tagChronologically(ctx context.Context, matches []vector.Match) []string {
	reports := make(map[string]*models.ReportMetadata)
	tagged := make([]taggedContext, 0, len(matches))
	for _, m := range matches {
		r, ok := reports[m.Chunk.DocID]
		if !ok && e.reports != nil {
			var err error
			r, err = e.reports.GetReport(ctx, m.Chunk.DocID)
			if err != nil {
				e.logger.Warn("report lookup failed", zap.String("doc_id", m.Chunk.DocID), zap.Error(err))
				r = nil
			}
			reports[m.Chunk.DocID] = r
		}
		tc := taggedContext{}
		name := m.Chunk.Source
		date := "unknown date"
		if r != nil {
			name = r.Filename
			date = r.UploadedAt.UTC().Format("2006-01-02")
			tc.uploadedAt = r.UploadedAt
			tc.known = true
		}
		tc.text = fmt.Sprintf("[Report: %s | Uploaded: %s]\n%s", name, date, m.Chunk.Text)
		tagged = append(tagged, tc)
	}
	sort.SliceStable(tagged, func(i, j int) bool {
		if tagged[i].known != tagged[j].known {
			return tagged[i].known
		}
		return tagged[i].uploadedAt.Before(tagged[j].uploadedAt)
	})
	out := make([]string, len(tagged))
	for i, tc := range tagged {
		out[i] = tc.text
	}
	return out
}
