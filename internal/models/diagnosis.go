package models

import (
	"fmt"
	"strings"
	"time"
)

// AllReportsDocID marks records produced by a longitudinal analysis across every report of a patient.
const AllReportsDocID = "all-reports"

// LongitudinalLabel replaces the filename of longitudinal records in review views.
const LongitudinalLabel = "Longitudinal Analysis (All Files)"

// VerificationStatus is the review state of a diagnosis record.
type VerificationStatus string

const (
	StatusPending  VerificationStatus = "pending"
	StatusVerified VerificationStatus = "verified"
	StatusRejected VerificationStatus = "rejected"
)

// Valid reports whether s is a known status.
func (s VerificationStatus) Valid() bool {
	switch s {
	case StatusPending, StatusVerified, StatusRejected:
		return true
	}
	return false
}

// Terminal reports whether s is a doctor decision.
func (s VerificationStatus) Terminal() bool {
	return s == StatusVerified || s == StatusRejected
}

// RecordKind distinguishes single-report chats from longitudinal trend analyses.
type RecordKind string

const (
	KindChat  RecordKind = "chat"
	KindTrend RecordKind = "trend"
)

// Valid reports whether k is a known kind.
func (k RecordKind) Valid() bool {
	return k == KindChat || k == KindTrend
}

// DiagnosisRecord is one persisted AI interaction awaiting or carrying a doctor decision.
type DiagnosisRecord struct {
	ID                 string             `json:"_id"`
	DocID              string             `json:"doc_id"`
	Requester          string             `json:"requester"`
	Question           string             `json:"question"`
	Answer             string             `json:"answer"`
	Sources            []string           `json:"sources"`
	Timestamp          time.Time          `json:"timestamp"`
	VerificationStatus VerificationStatus `json:"verification_status"`
	VerifiedBy         *string            `json:"verified_by"`
	DoctorNote         *string            `json:"doctor_note"`
	Kind               RecordKind         `json:"type"`
}

// Validate checks the closed enums and required fields before a record is stored.
func (d *DiagnosisRecord) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("%w: record id is required", ErrValidation)
	}
	if d.DocID == "" || d.Requester == "" {
		return fmt.Errorf("%w: doc_id and requester are required", ErrValidation)
	}
	if !d.Kind.Valid() {
		return fmt.Errorf("%w: invalid record type %q", ErrValidation, d.Kind)
	}
	if !d.VerificationStatus.Valid() {
		return fmt.Errorf("%w: invalid verification status %q", ErrValidation, d.VerificationStatus)
	}
	if d.VerificationStatus == StatusPending && (d.VerifiedBy != nil || d.DoctorNote != nil) {
		return fmt.Errorf("%w: pending record cannot carry a verifier or note", ErrValidation)
	}
	return nil
}

// ReviewRecord is a diagnosis record enriched with the name of the report it was asked about.
type ReviewRecord struct {
	DiagnosisRecord
	Filename string `json:"filename"`
}

// VerifyRequest is a doctor's decision on a pending record.
type VerifyRequest struct {
	RecordID string             `json:"record_id"`
	Status   VerificationStatus `json:"status"`
	Note     string             `json:"note"`
}

// Validate checks that the record id is present and the status is a terminal decision.
func (r *VerifyRequest) Validate() error {
	if strings.TrimSpace(r.RecordID) == "" {
		return fmt.Errorf("%w: record_id is required", ErrValidation)
	}
	if !r.Status.Terminal() {
		return fmt.Errorf("%w: status must be %q or %q", ErrValidation, StatusVerified, StatusRejected)
	}
	return nil
}
