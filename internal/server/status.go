package server

import (
	"context"

	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/internal/storage"
	"github.com/medragnosis/medragnosis/internal/vector"
)

// Status is the shape of the GET /api/v1/status response.
type Status struct {
	Reports         int64              `json:"reports"`
	Diagnoses       int64              `json:"diagnoses"`
	Pending         int64              `json:"pending"`
	VectorIndexSize int                `json:"vector_index_size"`
	DiskUsage       *storage.DiskUsage `json:"disk_usage,omitempty"`
	Config          *StatusConfig      `json:"config,omitempty"`
}

// StatusConfig echoes the settings that shape retrieval.
type StatusConfig struct {
	VectorIndexType     string `json:"vector_index_type"`
	EmbeddingProvider   string `json:"embedding_provider"`
	EmbeddingDimensions int    `json:"embedding_dimensions"`
	LLMModel            string `json:"llm_model"`
	BlobBackend         string `json:"blob_backend"`
	ChunkSize           int    `json:"chunk_size"`
	ChunkOverlap        int    `json:"chunk_overlap"`
	TopK                int    `json:"top_k"`
	OCREnabled          bool   `json:"ocr_enabled"`
}

// CollectStatus counts reports, records and vectors and measures local disk usage.
func CollectStatus(ctx context.Context, store storage.Storage, index vector.VectorIndex, cfg *config.Config) (*Status, error) {
	reports, err := store.CountReports(ctx)
	if err != nil {
		return nil, err
	}
	diagnoses, err := store.CountDiagnoses(ctx, "")
	if err != nil {
		return nil, err
	}
	pending, err := store.CountDiagnoses(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	vectors, err := index.Count(ctx)
	if err != nil {
		return nil, err
	}
	st := &Status{Reports: reports, Diagnoses: diagnoses, Pending: pending, VectorIndexSize: vectors}
	if cfg == nil {
		return st, nil
	}

	paths := map[string]string{"database": cfg.Storage.DatabasePath}
	if cfg.Vector.IndexType == string(vector.IndexTypeMemory) {
		paths["vector_index"] = cfg.Storage.VectorIndexPath
	}
	if cfg.Blob.Backend == "disk" {
		paths["uploads"] = cfg.Blob.UploadDir
	}
	if usage, err := storage.MeasureDiskUsage(paths); err == nil {
		st.DiskUsage = usage
	}
	st.Config = &StatusConfig{
		VectorIndexType:     cfg.Vector.IndexType,
		EmbeddingProvider:   cfg.Embedding.Provider,
		EmbeddingDimensions: cfg.Embedding.Dimensions,
		LLMModel:            cfg.LLM.Model,
		BlobBackend:         cfg.Blob.Backend,
		ChunkSize:           cfg.Ingest.ChunkSize,
		ChunkOverlap:        cfg.Ingest.ChunkOverlap,
		TopK:                cfg.Retrieval.TopK,
		OCREnabled:          cfg.OCR.EnabledOrDefault(),
	}
	return st, nil
}
