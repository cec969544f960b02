// Package vector stores chunk embeddings and answers filtered similarity queries.
package vector

import (
	"context"

	"github.com/medragnosis/medragnosis/internal/models"
)

// VectorIndex defines vector storage and similarity search over report chunks.
type VectorIndex interface {
	// Upsert stores chunks with their vectors. Writing an existing chunk ID replaces it.
	Upsert(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error
	// Query returns up to topK chunks matching filter, most similar first. An empty
	// filter is refused with models.ErrValidation; queries are never unfiltered.
	Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	// Delete removes chunks by ID. Unknown IDs are ignored.
	Delete(ctx context.Context, ids []string) error
	DeleteAll(ctx context.Context) error
	Count(ctx context.Context) (int, error)
	Save(path string) error
	Load(path string) error
	Close() error
}

// Filter is an equality filter on chunk metadata. Set fields are ANDed.
type Filter struct {
	DocID    string
	Uploader string
}

// ByDocID scopes a query to one report.
func ByDocID(docID string) Filter {
	return Filter{DocID: docID}
}

// ByUploader scopes a query to every report of one patient.
func ByUploader(uploader string) Filter {
	return Filter{Uploader: uploader}
}

// IsEmpty reports whether no field is set.
func (f Filter) IsEmpty() bool {
	return f.DocID == "" && f.Uploader == ""
}

// Matches reports whether c satisfies every set field.
func (f Filter) Matches(c *models.Chunk) bool {
	if f.DocID != "" && c.DocID != f.DocID {
		return false
	}
	if f.Uploader != "" && c.Uploader != f.Uploader {
		return false
	}
	return true
}

// Match is a single query hit.
type Match struct {
	Chunk models.Chunk
	Score float64 // inner product; cosine similarity for normalized vectors
}
