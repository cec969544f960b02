package vector

import (
	"context"
	"errors"
	"fmt"

	"github.com/pinecone-io/go-pinecone/v4/pinecone"
	"go.uber.org/zap"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/medragnosis/medragnosis/internal/models"
)

// pineconeUpsertBatch keeps each upsert request well under the service's request size limit.
const pineconeUpsertBatch = 100

// pineconeConn is the subset of *pinecone.IndexConnection the index uses.
type pineconeConn interface {
	UpsertVectors(ctx context.Context, in []*pinecone.Vector) (uint32, error)
	QueryByVectorValues(ctx context.Context, in *pinecone.QueryByVectorValuesRequest) (*pinecone.QueryVectorsResponse, error)
	DeleteVectorsById(ctx context.Context, ids []string) error
	DeleteAllVectorsInNamespace(ctx context.Context) error
	DescribeIndexStats(ctx context.Context) (*pinecone.DescribeIndexStatsResponse, error)
	Close() error
}

// PineconeIndex is a VectorIndex backed by a hosted Pinecone index. Chunk metadata is
// stored with each vector as {source, doc_id, uploader, page, chunk_index, text}.
type PineconeIndex struct {
	conn      pineconeConn
	namespace string
	logger    *zap.Logger
}

// NewPineconeIndex resolves the host of indexName and opens a connection scoped to namespace.
func NewPineconeIndex(ctx context.Context, apiKey, indexName, namespace string, logger *zap.Logger) (*PineconeIndex, error) {
	if apiKey == "" || indexName == "" {
		return nil, errors.New("pinecone: api key and index name are required")
	}
	pc, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("pinecone client: %w", err)
	}
	desc, err := pc.DescribeIndex(ctx, indexName)
	if err != nil {
		return nil, fmt.Errorf("pinecone describe index %q: %w", indexName, err)
	}
	conn, err := pc.Index(pinecone.NewIndexConnParams{Host: desc.Host, Namespace: namespace})
	if err != nil {
		return nil, fmt.Errorf("pinecone index connection: %w", err)
	}
	return newPineconeIndex(conn, namespace, logger), nil
}

func newPineconeIndex(conn pineconeConn, namespace string, logger *zap.Logger) *PineconeIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PineconeIndex{conn: conn, namespace: namespace, logger: logger}
}

// Upsert writes vectors in batches. Pinecone upserts overwrite by ID.
func (p *PineconeIndex) Upsert(ctx context.Context, chunks []models.Chunk, vectors [][]float32) error {
	if len(chunks) != len(vectors) {
		return fmt.Errorf("chunks and vectors length mismatch")
	}
	for start := 0; start < len(chunks); start += pineconeUpsertBatch {
		end := start + pineconeUpsertBatch
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := make([]*pinecone.Vector, 0, end-start)
		for i := start; i < end; i++ {
			md, err := chunkMetadata(&chunks[i])
			if err != nil {
				return fmt.Errorf("chunk %s metadata: %w", chunks[i].ID, err)
			}
			values := vectors[i]
			batch = append(batch, &pinecone.Vector{Id: chunks[i].ID, Values: &values, Metadata: md})
		}
		n, err := p.conn.UpsertVectors(ctx, batch)
		if err != nil {
			return fmt.Errorf("pinecone upsert: %w", err)
		}
		p.logger.Debug("pinecone upsert", zap.Uint32("upserted", n))
	}
	return nil
}

// Query runs a metadata-filtered similarity query.
func (p *PineconeIndex) Query(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if filter.IsEmpty() {
		return nil, fmt.Errorf("vector query without filter: %w", models.ErrValidation)
	}
	if topK <= 0 {
		return nil, nil
	}
	mf, err := metadataFilter(filter)
	if err != nil {
		return nil, err
	}
	res, err := p.conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		MetadataFilter:  mf,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("pinecone query: %w", err)
	}
	matches := make([]Match, 0, len(res.Matches))
	for _, sv := range res.Matches {
		if sv == nil || sv.Vector == nil {
			continue
		}
		matches = append(matches, Match{Chunk: chunkFromMetadata(sv.Vector.Id, sv.Vector.Metadata), Score: float64(sv.Score)})
	}
	return matches, nil
}

// Delete removes the vectors with the given chunk IDs, in batches of pineconeUpsertBatch.
func (p *PineconeIndex) Delete(ctx context.Context, ids []string) error {
	for start := 0; start < len(ids); start += pineconeUpsertBatch {
		end := min(start+pineconeUpsertBatch, len(ids))
		if err := p.conn.DeleteVectorsById(ctx, ids[start:end]); err != nil {
			return fmt.Errorf("pinecone delete: %w", err)
		}
	}
	return nil
}

// DeleteAll removes every vector in the namespace.
func (p *PineconeIndex) DeleteAll(ctx context.Context) error {
	if err := p.conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("pinecone delete all: %w", err)
	}
	return nil
}

// Count returns the vector count of the namespace.
func (p *PineconeIndex) Count(ctx context.Context) (int, error) {
	stats, err := p.conn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("pinecone stats: %w", err)
	}
	if ns, ok := stats.Namespaces[p.namespace]; ok && ns != nil {
		return int(ns.VectorCount), nil
	}
	if p.namespace == "" {
		return int(stats.TotalVectorCount), nil
	}
	return 0, nil
}

// Save is a no-op; Pinecone persists on write.
func (p *PineconeIndex) Save(path string) error { return nil }

// Load is a no-op.
func (p *PineconeIndex) Load(path string) error { return nil }

// Close closes the index connection.
func (p *PineconeIndex) Close() error {
	return p.conn.Close()
}

func chunkMetadata(c *models.Chunk) (*structpb.Struct, error) {
	fields := map[string]any{
		"source":      c.Source,
		"doc_id":      c.DocID,
		"uploader":    c.Uploader,
		"chunk_index": c.Index,
		"text":        c.Text,
	}
	if c.Page != nil {
		fields["page"] = *c.Page
	}
	return structpb.NewStruct(fields)
}

func metadataFilter(f Filter) (*structpb.Struct, error) {
	fields := map[string]any{}
	if f.DocID != "" {
		fields["doc_id"] = map[string]any{"$eq": f.DocID}
	}
	if f.Uploader != "" {
		fields["uploader"] = map[string]any{"$eq": f.Uploader}
	}
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("pinecone filter: %w", err)
	}
	return s, nil
}

func chunkFromMetadata(id string, md *structpb.Struct) models.Chunk {
	c := models.Chunk{ID: id}
	if md == nil {
		return c
	}
	f := md.GetFields()
	c.Source = f["source"].GetStringValue()
	c.DocID = f["doc_id"].GetStringValue()
	c.Uploader = f["uploader"].GetStringValue()
	c.Text = f["text"].GetStringValue()
	c.Index = int(f["chunk_index"].GetNumberValue())
	if v, ok := f["page"]; ok {
		if _, isNum := v.GetKind().(*structpb.Value_NumberValue); isNum {
			p := int(v.GetNumberValue())
			c.Page = &p
		}
	}
	return c
}
