package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/option"

	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/pkg/utils"
)

// maxGeminiBatch is the service limit on texts per BatchEmbedContents call.
const maxGeminiBatch = 100

// batchFunc embeds one batch of texts; queries and documents use different task types.
type batchFunc func(ctx context.Context, texts []string, query bool) ([][]float32, error)

// GeminiEmbedder calls the Gemini embedding API. Requests are throttled client-side so
// bulk ingestion stays under the per-minute quota, and results are L2-normalized.
type GeminiEmbedder struct {
	client     *genai.Client
	embed      batchFunc
	dimensions int
	batchSize  int
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// Option configures a GeminiEmbedder.
type Option func(*GeminiEmbedder)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *GeminiEmbedder) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewGeminiEmbedder creates a client for cfg.Model using cfg.APIKey.
func NewGeminiEmbedder(ctx context.Context, cfg *config.EmbeddingConfig, opts ...Option) (*GeminiEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini embedding: api key is required")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("gemini embedding client: %w", err)
	}
	docModel := client.EmbeddingModel(cfg.Model)
	docModel.TaskType = genai.TaskTypeRetrievalDocument
	queryModel := client.EmbeddingModel(cfg.Model)
	queryModel.TaskType = genai.TaskTypeRetrievalQuery

	fn := func(ctx context.Context, texts []string, query bool) ([][]float32, error) {
		em := docModel
		if query {
			em = queryModel
		}
		b := em.NewBatch()
		for _, t := range texts {
			b.AddContent(genai.Text(t))
		}
		res, err := em.BatchEmbedContents(ctx, b)
		if err != nil {
			return nil, err
		}
		out := make([][]float32, len(res.Embeddings))
		for i, emb := range res.Embeddings {
			if emb != nil {
				out[i] = emb.Values
			}
		}
		return out, nil
	}
	e := newGeminiEmbedder(fn, cfg.Dimensions, cfg.BatchSize, cfg.RequestsPerMinute, opts...)
	e.client = client
	return e, nil
}

func newGeminiEmbedder(fn batchFunc, dimensions, batchSize, rpm int, opts ...Option) *GeminiEmbedder {
	if batchSize <= 0 || batchSize > maxGeminiBatch {
		batchSize = maxGeminiBatch
	}
	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Every(time.Minute / time.Duration(rpm))
	}
	e := &GeminiEmbedder{
		embed:      fn,
		dimensions: dimensions,
		batchSize:  batchSize,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Embed embeds a question.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.run(ctx, []string{text}, true)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds report chunks in batches of at most batchSize texts.
func (e *GeminiEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := start + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := e.run(ctx, texts[start:end], false)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
		e.logger.Debug("embedded batch", zap.Int("from", start), zap.Int("to", end), zap.Int("total", len(texts)))
	}
	return out, nil
}

func (e *GeminiEmbedder) run(ctx context.Context, texts []string, query bool) ([][]float32, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("embedding rate limit: %w", err)
	}
	vecs, err := e.embed(ctx, texts, query)
	if err != nil {
		return nil, fmt.Errorf("gemini embedding request failed: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("gemini embedding: got %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("gemini embedding: empty vector for text %d", i)
		}
		if e.dimensions > 0 && len(v) != e.dimensions {
			return nil, fmt.Errorf("gemini embedding: got dimension %d, want %d", len(v), e.dimensions)
		}
		utils.NormalizeL2(v)
	}
	return vecs, nil
}

// Dimensions returns the configured embedding dimension.
func (e *GeminiEmbedder) Dimensions() int {
	return e.dimensions
}

// Close releases the Gemini client.
func (e *GeminiEmbedder) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}
