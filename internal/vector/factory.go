package vector

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/config"
)

// IndexType represents the type of vector index to use.
type IndexType string

const (
	// IndexTypeMemory uses in-memory brute-force search with a local snapshot file.
	IndexTypeMemory IndexType = "memory"
	// IndexTypePinecone uses a hosted Pinecone index.
	IndexTypePinecone IndexType = "pinecone"
)

// NewVectorIndex creates the vector index selected by cfg.IndexType.
// Supported types: "memory" (default), "pinecone".
func NewVectorIndex(ctx context.Context, cfg *config.VectorConfig, dimensions int, logger *zap.Logger) (VectorIndex, error) {
	switch IndexType(cfg.IndexType) {
	case IndexTypeMemory, "":
		return NewMemoryIndex(dimensions)
	case IndexTypePinecone:
		return NewPineconeIndex(ctx, cfg.PineconeAPIKey, cfg.PineconeIndex, cfg.PineconeNamespace, logger)
	default:
		return nil, fmt.Errorf("unknown index type: %s (supported: memory, pinecone)", cfg.IndexType)
	}
}
