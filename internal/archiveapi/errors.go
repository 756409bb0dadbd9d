// Package archiveapi implements the archive collaborators (catalog queries,
// submissions and ingestion status polling) against the archive service's
// JSON REST API. Requests are made once; the next scheduled run is the retry.
package archiveapi

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for HTTP status code classification.
// Use errors.Is(err, archiveapi.ErrNotFound) to check.
var (
	ErrBadRequest   = errors.New("archiveapi: bad request")
	ErrUnauthorized = errors.New("archiveapi: unauthorized")
	ErrForbidden    = errors.New("archiveapi: forbidden")
	ErrNotFound     = errors.New("archiveapi: not found")
	ErrConflict     = errors.New("archiveapi: conflict")
	ErrRejected     = errors.New("archiveapi: unprocessable submission")
	ErrThrottled    = errors.New("archiveapi: throttled")
	ErrServerError  = errors.New("archiveapi: server error")
	ErrUnexpected   = errors.New("archiveapi: unexpected status")
)

// APIError wraps a sentinel error with the HTTP status code, request ID and
// the service's error message.
type APIError struct {
	StatusCode int
	RequestID  string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.RequestID != "" {
		return fmt.Sprintf("archiveapi: HTTP %d (request-id: %s): %s", e.StatusCode, e.RequestID, e.Message)
	}

	return fmt.Sprintf("archiveapi: HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps a non-2xx HTTP status code to a sentinel error.
func classifyStatus(code int) error {
	switch code {
	case http.StatusBadRequest:
		return ErrBadRequest
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnprocessableEntity:
		return ErrRejected
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}

		return ErrUnexpected
	}
}

// isRejection reports whether the service refused the submission itself, as
// opposed to failing to process the request.
func isRejection(err error) bool {
	return errors.Is(err, ErrBadRequest) || errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrRejected) || errors.Is(err, ErrForbidden)
}
