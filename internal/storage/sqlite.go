// Package storage provides SQLite implementation of the Storage interface.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/medragnosis/medragnosis/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS reports (
		doc_id TEXT PRIMARY KEY,
		filename TEXT NOT NULL,
		uploader TEXT NOT NULL,
		chunk_count INTEGER NOT NULL,
		uploaded_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_reports_uploader ON reports(uploader, uploaded_at);

	CREATE TABLE IF NOT EXISTS diagnoses (
		id TEXT PRIMARY KEY,
		doc_id TEXT NOT NULL,
		requester TEXT NOT NULL,
		question TEXT NOT NULL,
		answer TEXT NOT NULL,
		sources TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('chat', 'trend')),
		verification_status TEXT NOT NULL DEFAULT 'pending'
			CHECK (verification_status IN ('pending', 'verified', 'rejected')),
		verified_by TEXT,
		doctor_note TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_diagnoses_status ON diagnoses(verification_status, created_at);
	CREATE INDEX IF NOT EXISTS idx_diagnoses_requester ON diagnoses(requester, created_at);
	`
	_, err := db.Exec(schema)
	return err
}

// CreateReport inserts report metadata. UploadedAt is set to now when zero.
func (s *SQLiteStorage) CreateReport(ctx context.Context, report *models.ReportMetadata) error {
	if report.UploadedAt.IsZero() {
		report.UploadedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO reports (doc_id, filename, uploader, chunk_count, uploaded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		report.DocID, report.Filename, report.Uploader, report.ChunkCount, report.UploadedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert report %s: %w", report.DocID, err)
	}
	return nil
}

// GetReport returns report metadata by document ID.
func (s *SQLiteStorage) GetReport(ctx context.Context, docID string) (*models.ReportMetadata, error) {
	var r models.ReportMetadata
	err := s.db.QueryRowContext(ctx,
		`SELECT doc_id, filename, uploader, chunk_count, uploaded_at
		 FROM reports WHERE doc_id = ?`, docID,
	).Scan(&r.DocID, &r.Filename, &r.Uploader, &r.ChunkCount, &r.UploadedAt)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrReportNotFound, docID)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListReportsByUploader returns the uploader's reports, newest first.
func (s *SQLiteStorage) ListReportsByUploader(ctx context.Context, uploader string) ([]*models.ReportMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id, filename, uploader, chunk_count, uploaded_at
		 FROM reports WHERE uploader = ? ORDER BY uploaded_at DESC, rowid DESC`,
		uploader,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	reports := make([]*models.ReportMetadata, 0)
	for rows.Next() {
		var r models.ReportMetadata
		if err := rows.Scan(&r.DocID, &r.Filename, &r.Uploader, &r.ChunkCount, &r.UploadedAt); err != nil {
			return nil, err
		}
		reports = append(reports, &r)
	}
	return reports, rows.Err()
}

// CreateDiagnosis validates and inserts a diagnosis record. Timestamp is set to now when zero.
func (s *SQLiteStorage) CreateDiagnosis(ctx context.Context, record *models.DiagnosisRecord) error {
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	if record.VerificationStatus == "" {
		record.VerificationStatus = models.StatusPending
	}
	if record.Sources == nil {
		record.Sources = []string{}
	}
	if err := record.Validate(); err != nil {
		return err
	}
	sourcesJSON, err := json.Marshal(record.Sources)
	if err != nil {
		return fmt.Errorf("failed to marshal sources: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO diagnoses (id, doc_id, requester, question, answer, sources, kind,
		                        verification_status, verified_by, doctor_note, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.DocID, record.Requester, record.Question, record.Answer, string(sourcesJSON),
		string(record.Kind), string(record.VerificationStatus),
		nullString(record.VerifiedBy), nullString(record.DoctorNote), record.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert diagnosis %s: %w", record.ID, err)
	}
	return nil
}

const diagnosisColumns = `d.id, d.doc_id, d.requester, d.question, d.answer, d.sources, d.kind,
	d.verification_status, d.verified_by, d.doctor_note, d.created_at, COALESCE(r.filename, '')`

// GetDiagnosis returns a diagnosis record by ID.
func (s *SQLiteStorage) GetDiagnosis(ctx context.Context, id string) (*models.DiagnosisRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+diagnosisColumns+`
		 FROM diagnoses d LEFT JOIN reports r ON r.doc_id = d.doc_id
		 WHERE d.id = ?`, id)
	rec, err := scanReview(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", models.ErrRecordNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return &rec.DiagnosisRecord, nil
}

// ListPending returns every pending record, newest first, joined with the report filename.
func (s *SQLiteStorage) ListPending(ctx context.Context) ([]*models.ReviewRecord, error) {
	return s.queryReviews(ctx,
		`SELECT `+diagnosisColumns+`
		 FROM diagnoses d LEFT JOIN reports r ON r.doc_id = d.doc_id
		 WHERE d.verification_status = ?
		 ORDER BY d.created_at DESC, d.rowid DESC`,
		string(models.StatusPending))
}

// ListByRequester returns the requester's records, newest first, joined with the report filename.
func (s *SQLiteStorage) ListByRequester(ctx context.Context, requester string) ([]*models.ReviewRecord, error) {
	return s.queryReviews(ctx,
		`SELECT `+diagnosisColumns+`
		 FROM diagnoses d LEFT JOIN reports r ON r.doc_id = d.doc_id
		 WHERE d.requester = ?
		 ORDER BY d.created_at DESC, d.rowid DESC`,
		requester)
}

// UpdateVerification sets status, verifier, and note in one compare-and-set on the pending status.
func (s *SQLiteStorage) UpdateVerification(ctx context.Context, id string, status models.VerificationStatus, verifiedBy, note string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: cannot transition to %q", models.ErrValidation, status)
	}
	result, err := s.db.ExecContext(ctx,
		`UPDATE diagnoses SET verification_status = ?, verified_by = ?, doctor_note = ?
		 WHERE id = ? AND verification_status = ?`,
		string(status), verifiedBy, note, id, string(models.StatusPending),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s is missing or already decided", models.ErrRecordNotFound, id)
	}
	return nil
}

// CountReports returns the total number of reports.
func (s *SQLiteStorage) CountReports(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&count)
	return count, err
}

// CountDiagnoses returns the number of records in the given status, or all records when status is empty.
func (s *SQLiteStorage) CountDiagnoses(ctx context.Context, status models.VerificationStatus) (int64, error) {
	var count int64
	if status == "" {
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM diagnoses`).Scan(&count)
		return count, err
	}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM diagnoses WHERE verification_status = ?`, string(status)).Scan(&count)
	return count, err
}

// Purge deletes all reports and diagnosis records in one transaction.
func (s *SQLiteStorage) Purge(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{`DELETE FROM diagnoses`, `DELETE FROM reports`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

func (s *SQLiteStorage) queryReviews(ctx context.Context, query string, args ...interface{}) ([]*models.ReviewRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]*models.ReviewRecord, 0)
	for rows.Next() {
		rec, err := scanReview(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReview(row scanner) (*models.ReviewRecord, error) {
	var (
		rec         models.ReviewRecord
		sourcesJSON string
		kind        string
		status      string
		verifiedBy  sql.NullString
		doctorNote  sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.DocID, &rec.Requester, &rec.Question, &rec.Answer, &sourcesJSON,
		&kind, &status, &verifiedBy, &doctorNote, &rec.Timestamp, &rec.Filename)
	if err != nil {
		return nil, err
	}
	rec.Kind = models.RecordKind(kind)
	rec.VerificationStatus = models.VerificationStatus(status)
	if verifiedBy.Valid {
		v := verifiedBy.String
		rec.VerifiedBy = &v
	}
	if doctorNote.Valid {
		v := doctorNote.String
		rec.DoctorNote = &v
	}
	rec.Sources = []string{}
	if sourcesJSON != "" {
		if err := json.Unmarshal([]byte(sourcesJSON), &rec.Sources); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sources: %w", err)
		}
	}
	return &rec, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
