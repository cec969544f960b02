// Package storage defines the persistence interface for report metadata and diagnosis records.
package storage

import (
	"context"

	"github.com/medragnosis/medragnosis/internal/models"
)

// Storage defines report and diagnosis record persistence operations.
type Storage interface {
	// Report operations
	CreateReport(ctx context.Context, report *models.ReportMetadata) error
	GetReport(ctx context.Context, docID string) (*models.ReportMetadata, error)
	ListReportsByUploader(ctx context.Context, uploader string) ([]*models.ReportMetadata, error)

	// Diagnosis record operations
	CreateDiagnosis(ctx context.Context, record *models.DiagnosisRecord) error
	GetDiagnosis(ctx context.Context, id string) (*models.DiagnosisRecord, error)
	ListPending(ctx context.Context) ([]*models.ReviewRecord, error)
	ListByRequester(ctx context.Context, requester string) ([]*models.ReviewRecord, error)

	// UpdateVerification moves a pending record to a terminal status. The update is
	// conditioned on the record still being pending; otherwise ErrRecordNotFound is returned.
	UpdateVerification(ctx context.Context, id string, status models.VerificationStatus, verifiedBy, note string) error

	// Stats
	CountReports(ctx context.Context) (int64, error)
	CountDiagnoses(ctx context.Context, status models.VerificationStatus) (int64, error)

	// Purge removes every report and diagnosis record.
	Purge(ctx context.Context) error

	Close() error
}
