// Package diagnosis enforces who may ask, read and verify AI diagnoses, and records every
// answer for doctor review.
package diagnosis

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/blobstore"
	"github.com/medragnosis/medragnosis/internal/indexer"
	"github.com/medragnosis/medragnosis/internal/models"
	"github.com/medragnosis/medragnosis/internal/storage"
)

// Answerer produces grounded answers. *retrieval.Engine implements it.
type Answerer interface {
	Chat(ctx context.Context, docID string, messages []models.ChatMessage) (*models.Answer, error)
	Longitudinal(ctx context.Context, uploader, question string) (*models.Answer, error)
}

// Ingestor ingests uploaded files. *indexer.Indexer implements it.
type Ingestor interface {
	IngestBatch(ctx context.Context, files []indexer.FileInput, uploader string) []indexer.BatchItem
}

// ChatResult is an answer together with the id of the pending record it created.
type ChatResult struct {
	models.Answer
	RecordID string `json:"record_id"`
}

// Service is the authorization and record-keeping layer in front of ingestion and retrieval.
type Service struct {
	store    storage.Storage
	blobs    blobstore.Store
	answerer Answerer
	ingestor Ingestor
	now      func() time.Time
	newID    func() string
	logger   *zap.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the record timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service.
func NewService(store storage.Storage, blobs blobstore.Store, answerer Answerer, ingestor Ingestor, opts ...Option) *Service {
	s := &Service{
		store:    store,
		blobs:    blobs,
		answerer: answerer,
		ingestor: ingestor,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    func() string { return uuid.New().String() },
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func requireRole(id models.Identity, role models.Role) error {
	if id.Name == "" {
		return models.ErrUnauthenticated
	}
	if id.Role != role {
		return fmt.Errorf("%w: %s role required", models.ErrUnauthorized, role)
	}
	return nil
}

// Upload ingests files as reports owned by the calling patient.
func (s *Service) Upload(ctx context.Context, id models.Identity, files []indexer.FileInput) ([]indexer.BatchItem, error) {
	if err := requireRole(id, models.RolePatient); err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no files uploaded", models.ErrValidation)
	}
	return s.ingestor.IngestBatch(ctx, files, id.Name), nil
}

// Reports lists the caller's own reports, newest first.
func (s *Service) Reports(ctx context.Context, id models.Identity) ([]*models.ReportMetadata, error) {
	if id.Name == "" {
		return nil, models.ErrUnauthenticated
	}
	return s.store.ListReportsByUploader(ctx, id.Name)
}

// Report opens the raw upload of docID. Only its uploader or a doctor may read it.
// The caller closes the returned reader.
func (s *Service) Report(ctx context.Context, id models.Identity, docID string) (*models.ReportMetadata, io.ReadCloser, error) {
	if id.Name == "" {
		return nil, nil, models.ErrUnauthenticated
	}
	report, err := s.store.GetReport(ctx, docID)
	if err != nil {
		return nil, nil, err
	}
	if !id.IsDoctor() && report.Uploader != id.Name {
		return nil, nil, fmt.Errorf("%w: report belongs to another patient", models.ErrUnauthorized)
	}
	rc, err := s.blobs.Get(ctx, report.BlobKey())
	if err != nil {
		return nil, nil, err
	}
	return report, rc, nil
}

// Chat answers a question about one of the patient's own reports and records the answer
// as pending review.
func (s *Service) Chat(ctx context.Context, id models.Identity, req models.ChatRequest) (*ChatResult, error) {
	if err := requireRole(id, models.RolePatient); err != nil {
		return nil, err
	}
	if err := req.Validate(true); err != nil {
		return nil, err
	}
	report, err := s.store.GetReport(ctx, req.DocID)
	if err != nil {
		return nil, err
	}
	if report.Uploader != id.Name {
		return nil, fmt.Errorf("%w: report belongs to another patient", models.ErrUnauthorized)
	}

	answer, err := s.answerer.Chat(ctx, req.DocID, req.Messages)
	if err != nil {
		return nil, err
	}
	return s.record(ctx, id, req.DocID, req.Question(), answer, models.KindChat)
}

// Longitudinal answers a trend question across all of the patient's reports. Any doc_id
// in the request is ignored.
func (s *Service) Longitudinal(ctx context.Context, id models.Identity, req models.ChatRequest) (*ChatResult, error) {
	if err := requireRole(id, models.RolePatient); err != nil {
		return nil, err
	}
	if err := req.Validate(false); err != nil {
		return nil, err
	}
	answer, err := s.answerer.Longitudinal(ctx, id.Name, req.Question())
	if err != nil {
		return nil, err
	}
	return s.record(ctx, id, models.AllReportsDocID, req.Question(), answer, models.KindTrend)
}

func (s *Service) record(ctx context.Context, id models.Identity, docID, question string, answer *models.Answer, kind models.RecordKind) (*ChatResult, error) {
	sources := answer.Sources
	if sources == nil {
		sources = []string{}
	}
	rec := &models.DiagnosisRecord{
		ID:                 s.newID(),
		DocID:              docID,
		Requester:          id.Name,
		Question:           question,
		Answer:             answer.Diagnosis,
		Sources:            sources,
		Timestamp:          s.now(),
		VerificationStatus: models.StatusPending,
		Kind:               kind,
	}
	if err := s.store.CreateDiagnosis(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to record diagnosis: %w", err)
	}
	s.logger.Info("diagnosis recorded",
		zap.String("record_id", rec.ID),
		zap.String("doc_id", docID),
		zap.String("requester", id.Name),
		zap.String("type", string(kind)))
	return &ChatResult{Answer: models.Answer{Diagnosis: answer.Diagnosis, Sources: sources, Contexts: answer.Contexts}, RecordID: rec.ID}, nil
}

// ListPending returns every record awaiting review, newest first.
func (s *Service) ListPending(ctx context.Context, id models.Identity) ([]*models.ReviewRecord, error) {
	if err := requireRole(id, models.RoleDoctor); err != nil {
		return nil, err
	}
	records, err := s.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	return labelLongitudinal(records), nil
}

// History returns the caller's own records, newest first.
func (s *Service) History(ctx context.Context, id models.Identity) ([]*models.ReviewRecord, error) {
	if id.Name == "" {
		return nil, models.ErrUnauthenticated
	}
	records, err := s.store.ListByRequester(ctx, id.Name)
	if err != nil {
		return nil, err
	}
	return labelLongitudinal(records), nil
}

// PatientHistory returns the records requested by patient, newest first.
func (s *Service) PatientHistory(ctx context.Context, id models.Identity, patient string) ([]*models.ReviewRecord, error) {
	if err := requireRole(id, models.RoleDoctor); err != nil {
		return nil, err
	}
	patient = strings.TrimSpace(patient)
	if patient == "" {
		return nil, fmt.Errorf("%w: patient_name is required", models.ErrValidation)
	}
	records, err := s.store.ListByRequester(ctx, patient)
	if err != nil {
		return nil, err
	}
	return labelLongitudinal(records), nil
}

// Verify records a doctor's decision on a pending record. Only the first decision on a
// record takes effect; later attempts fail with ErrRecordNotFound.
func (s *Service) Verify(ctx context.Context, id models.Identity, req models.VerifyRequest) (*models.DiagnosisRecord, error) {
	if err := requireRole(id, models.RoleDoctor); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.UpdateVerification(ctx, req.RecordID, req.Status, id.Name, req.Note); err != nil {
		return nil, err
	}
	s.logger.Info("diagnosis verified",
		zap.String("record_id", req.RecordID),
		zap.String("status", string(req.Status)),
		zap.String("doctor", id.Name))
	return s.store.GetDiagnosis(ctx, req.RecordID)
}

func labelLongitudinal(records []*models.ReviewRecord) []*models.ReviewRecord {
	for _, r := range records {
		if r.DocID == models.AllReportsDocID {
			r.Filename = models.LongitudinalLabel
		}
	}
	return records
}
