package embedding

import (
	"context"

	"github.com/medragnosis/medragnosis/pkg/utils"
)

const defaultMockDimensions = 384

// MockEmbedder hashes each term of a text into one dimension and L2-normalizes the
// counts. Texts sharing terms score higher under inner product; a text with no terms
// embeds as the zero vector. Used by tests and the offline "mock" provider.
type MockEmbedder struct {
	dimensions int
}

// NewMockEmbedder returns a MockEmbedder; non-positive dimensions default to 384.
func NewMockEmbedder(dimensions int) *MockEmbedder {
	if dimensions <= 0 {
		dimensions = defaultMockDimensions
	}
	return &MockEmbedder{dimensions: dimensions}
}

func (e *MockEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dimensions)
	for _, term := range Terms(text) {
		v[HashString(term)%e.dimensions]++
	}
	utils.NormalizeL2(v)
	return v
}

func (e *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.vector(text), nil
}

func (e *MockEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		out = append(out, e.vector(t))
	}
	return out, nil
}

func (e *MockEmbedder) Dimensions() int { return e.dimensions }

func (e *MockEmbedder) Close() error { return nil }
