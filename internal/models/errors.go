package models

import "errors"

// Sentinel errors shared across packages. Wrap with fmt.Errorf("...: %w", Err...) and test with errors.Is.
var (
	// ErrExtraction means neither the text layer nor OCR recovered usable text from a file.
	ErrExtraction = errors.New("no usable text could be extracted")
	// ErrRetrievalUnavailable means the embedding service or the vector index could not be reached.
	ErrRetrievalUnavailable = errors.New("retrieval service unavailable")
	// ErrGenerationUnavailable means the language model could not produce an answer.
	ErrGenerationUnavailable = errors.New("answer generation unavailable")
	// ErrRecordNotFound means the diagnosis record does not exist or is no longer pending.
	ErrRecordNotFound = errors.New("record not found")
	// ErrReportNotFound means no report exists for the given doc_id.
	ErrReportNotFound = errors.New("report not found")
	// ErrUnauthorized means the caller's role or ownership does not permit the operation.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrUnauthenticated means no valid identity was presented.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrValidation means the request is malformed.
	ErrValidation = errors.New("invalid request")
)
