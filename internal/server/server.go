// Package server provides the HTTP API for MedRagnosis.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/medragnosis/medragnosis/internal/auth"
	"github.com/medragnosis/medragnosis/internal/config"
	"github.com/medragnosis/medragnosis/internal/diagnosis"
)

// StatusFunc reports engine and storage status for GET /api/v1/status.
type StatusFunc func(ctx context.Context) (*Status, error)

// Server is the HTTP server for the MedRagnosis API.
type Server struct {
	service        *diagnosis.Service
	auth           *auth.Authenticator
	status         StatusFunc
	config         *config.ServerConfig
	maxUploadBytes int64
	logger         *zap.Logger
	server         *http.Server
}

// NewServer creates a server with the given dependencies. maxUploadBytes bounds the
// multipart body of an upload request.
func NewServer(
	service *diagnosis.Service,
	authenticator *auth.Authenticator,
	status StatusFunc,
	cfg *config.ServerConfig,
	maxUploadBytes int64,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		service:        service,
		auth:           authenticator,
		status:         status,
		config:         cfg,
		maxUploadBytes: maxUploadBytes,
		logger:         logger,
	}
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router returns the API routes with middleware applied.
func (s *Server) Router() http.Handler {
	timeout := s.config.RequestTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(timeout))
	r.Use(middleware.Compress(5))

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware(s.respondAuthError))

		r.Get("/status", s.handleStatus)

		r.Post("/reports/upload", s.handleUpload)
		r.Get("/reports", s.handleListReports)
		r.Get("/reports/{docID}/download", s.handleDownload)

		r.Post("/diagnosis/chat", s.handleChat)
		r.Post("/diagnosis/longitudinal", s.handleLongitudinal)
		r.Get("/diagnosis/history", s.handleHistory)
		r.Get("/diagnosis/by_patient_name", s.handlePatientHistory)
		r.Get("/diagnosis/pending", s.handlePending)
		r.Post("/diagnosis/verify", s.handleVerify)
	})
	return r
}

// Start serves until Stop is called. It returns nil after a graceful shutdown and the
// listen error otherwise.
func (s *Server) Start() error {
	s.logger.Info("Starting server", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server, waiting for in-flight requests until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
