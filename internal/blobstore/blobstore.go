// Package blobstore keeps the raw bytes of uploaded reports.
package blobstore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/medragnosis/medragnosis/internal/config"
)

// Store persists uploaded report files by key (see models.BlobKey).
type Store interface {
	Put(ctx context.Context, key string, r io.Reader) error
	// Get returns the stored bytes; a missing key yields models.ErrReportNotFound.
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete removes one blob; a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// DeleteAll removes every stored blob.
	DeleteAll(ctx context.Context) error
	Close() error
}

// New returns the store selected by cfg.Backend ("disk" or "gcs").
func New(ctx context.Context, cfg config.BlobConfig) (Store, error) {
	switch cfg.Backend {
	case "", "disk":
		return NewDiskStore(cfg.UploadDir)
	case "gcs":
		return NewGCSStore(ctx, cfg.Bucket, cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown blob backend: %s", cfg.Backend)
	}
}

// cleanKey strips any directory components so a key can never escape the store root.
func cleanKey(key string) (string, error) {
	k := path.Base(strings.ReplaceAll(key, "\\", "/"))
	if k == "." || k == "/" || k == ".." || k == "" {
		return "", fmt.Errorf("invalid blob key %q", key)
	}
	return k, nil
}

// ContentType guesses the content type of a stored report from its key's extension.
func ContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain; charset=utf-8"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case ".odt":
		return "application/vnd.oasis.opendocument.text"
	case ".rtf":
		return "application/rtf"
	default:
		return "application/octet-stream"
	}
}
