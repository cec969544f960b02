// Package models defines core data structures for reports, chunks, conversations, and diagnosis records.
package models

import (
	"fmt"
	"time"
)

// Page is a block of text recovered from one page of an uploaded file.
// Number is 1-based; 0 means the format has no page concept (plain text).
type Page struct {
	Number int
	Text   string
}

// Chunk is a unit of indexed report text. ID is "{docID}-{index}" and is unique in the index.
type Chunk struct {
	ID       string `json:"id"`
	DocID    string `json:"doc_id"`
	Index    int    `json:"chunk_index"`
	Text     string `json:"text"`
	Source   string `json:"source"`
	Uploader string `json:"uploader"`
	Page     *int   `json:"page"`
}

// ChunkID returns the deterministic index ID for the i-th chunk of a document.
func ChunkID(docID string, i int) string {
	return fmt.Sprintf("%s-%d", docID, i)
}

// ReportMetadata is written once per successfully ingested file.
type ReportMetadata struct {
	DocID      string    `json:"doc_id"`
	Filename   string    `json:"filename"`
	Uploader   string    `json:"uploader"`
	UploadedAt time.Time `json:"uploaded_at"`
	ChunkCount int       `json:"num_chunks"`
}

// BlobKey is the storage key of the original upload: "{docID}_{filename}".
func (r *ReportMetadata) BlobKey() string {
	return BlobKey(r.DocID, r.Filename)
}

// BlobKey builds the storage key for an uploaded file.
func BlobKey(docID, filename string) string {
	return docID + "_" + filename
}
