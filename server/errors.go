package server

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/teranos/mundo/errors"
	"github.com/teranos/mundo/logger"
	"github.com/teranos/mundo/upload"
)

// Server-only sentinels. Shared ones (not found, invalid request,
// conflict) live in the errors package.
var (
	// ErrNotReady indicates the world has no downloadable archive yet
	ErrNotReady = errors.New("world not ready")

	// ErrServiceUnavailable indicates the server is draining
	ErrServiceUnavailable = errors.New("service unavailable")
)

// errorBody is the JSON shape of every error response
type errorBody struct {
	Error        string `json:"error"`
	MissingChunk *int   `json:"missing_chunk,omitempty"`
	Retryable    bool   `json:"retryable,omitempty"`
}

// statusFor maps an error to its HTTP status
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, upload.ErrMissingChunk):
		return http.StatusConflict
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.IsInvalidRequestError(err):
		return http.StatusBadRequest
	case errors.IsNotFoundError(err):
		return http.StatusNotFound
	case errors.Is(err, ErrNotReady), errors.Is(err, errors.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrServiceUnavailable), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, errors.ErrTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writeErrorFor writes err with its mapped status. Client errors carry the
// error text; server errors are logged and answered with fallback.
func writeErrorFor(w http.ResponseWriter, log *zap.SugaredLogger, err error, fallback string) {
	status := statusFor(err)
	body := errorBody{Error: err.Error()}

	var missing *upload.MissingChunkError
	if errors.As(err, &missing) {
		idx := missing.Index
		body.MissingChunk = &idx
		body.Retryable = true
	}

	if status >= http.StatusInternalServerError {
		log.Errorw("Request failed",
			logger.FieldError, err,
			"details", errors.FlattenDetails(err),
			"status", status)
		body = errorBody{Error: fallback}
		if status == http.StatusServiceUnavailable {
			body.Retryable = true
		}
	}

	writeJSON(w, status, body)
}
