package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/auth"
	"github.com/medragnosis/medragnosis/internal/blobstore"
	"github.com/medragnosis/medragnosis/internal/indexer"
	"github.com/medragnosis/medragnosis/internal/models"
)

const (
	maxFilesPerUpload = 10
	multipartMemory   = 32 << 20
	maxJSONBody       = 1 << 20
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"message": "ok"})
}

// handleStatus exposes deployment-wide counts and settings, so it is limited to doctors.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !identity(r).IsDoctor() {
		s.respondServiceError(w, fmt.Errorf("%w: status requires the doctor role", models.ErrUnauthorized))
		return
	}
	if s.status == nil {
		s.respondError(w, http.StatusNotImplemented, "status not available")
		return
	}
	st, err := s.status(r.Context())
	if err != nil {
		s.logger.Error("status failed", zap.Error(err))
		s.respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, st)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes*maxFilesPerUpload)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.respondError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		s.respondError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	headers := r.MultipartForm.File["files"]
	if len(headers) > maxFilesPerUpload {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("at most %d files per upload", maxFilesPerUpload))
		return
	}
	files := make([]indexer.FileInput, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unreadable file "+fh.Filename)
			return
		}
		content, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			s.respondError(w, http.StatusBadRequest, "unreadable file "+fh.Filename)
			return
		}
		files = append(files, indexer.FileInput{
			Filename:    fh.Filename,
			Content:     content,
			ContentType: fh.Header.Get("Content-Type"),
		})
	}

	s.logger.Debug("upload request", zap.String("uploader", id.Name), zap.Int("files", len(files)))
	items, err := s.service.Upload(r.Context(), id, files)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	ok := 0
	for _, it := range items {
		if it.Error == "" {
			ok++
		}
	}
	if ok == 0 {
		s.respondJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error": "no file could be ingested",
			"files": items,
		})
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Uploaded and indexed",
		"files":   items,
	})
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	reports, err := s.service.Reports(r.Context(), identity(r))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if reports == nil {
		reports = []*models.ReportMetadata{}
	}
	s.respondJSON(w, http.StatusOK, reports)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	docID := chi.URLParam(r, "docID")
	report, rc, err := s.service.Report(r.Context(), identity(r), docID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", blobstore.ContentType(report.Filename))
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Warn("download interrupted", zap.String("doc_id", docID), zap.Error(err))
	}
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.service.Chat(r.Context(), identity(r), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleLongitudinal(w http.ResponseWriter, r *http.Request) {
	var req models.ChatRequest
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.service.Longitudinal(r.Context(), identity(r), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.History(r.Context(), identity(r))
	s.respondRecords(w, records, err)
}

func (s *Server) handlePatientHistory(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.PatientHistory(r.Context(), identity(r), r.URL.Query().Get("patient_name"))
	s.respondRecords(w, records, err)
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	records, err := s.service.ListPending(r.Context(), identity(r))
	s.respondRecords(w, records, err)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req models.VerifyRequest
	if !s.decode(w, r, &req) {
		return
	}
	rec, err := s.service.Verify(r.Context(), identity(r), req)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Diagnosis " + string(rec.VerificationStatus),
		"record":  rec,
	})
}

func (s *Server) respondRecords(w http.ResponseWriter, records []*models.ReviewRecord, err error) {
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	if records == nil {
		records = []*models.ReviewRecord{}
	}
	s.respondJSON(w, http.StatusOK, records)
}

func identity(r *http.Request) models.Identity {
	id, _ := auth.FromContext(r.Context())
	return id
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps a service error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrReportNotFound), errors.Is(err, models.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrExtraction):
		return http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrRetrievalUnavailable), errors.Is(err, models.ErrGenerationUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errorMessage keeps upstream details out of 5xx responses.
func errorMessage(err error, status int) string {
	switch {
	case errors.Is(err, models.ErrRetrievalUnavailable):
		return models.ErrRetrievalUnavailable.Error()
	case errors.Is(err, models.ErrGenerationUnavailable):
		return models.ErrGenerationUnavailable.Error()
	case status >= http.StatusInternalServerError:
		return "internal server error"
	default:
		return err.Error()
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug("request rejected", zap.Int("status", status), zap.Error(err))
	}
	s.respondError(w, status, errorMessage(err, status))
}

func (s *Server) respondAuthError(w http.ResponseWriter, _ *http.Request, err error) {
	s.logger.Debug("authentication failed", zap.Error(err))
	w.Header().Set("WWW-Authenticate", `Bearer realm="medragnosis"`)
	s.respondError(w, http.StatusUnauthorized, models.ErrUnauthenticated.Error())
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
