package messenger

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
)

// Errors returned by the client core. Callers match them with errors.Is.
var (
	// ErrConnection means the live channel was unavailable for a send.
	ErrConnection = errors.New("messenger: connection unavailable")
	// ErrSendTimeout means no acknowledgment arrived within the send timeout.
	ErrSendTimeout = errors.New("messenger: send timed out")
	// ErrUpload means an attachment upload was rejected or failed.
	ErrUpload = errors.New("messenger: upload failed")
	// ErrRejected means the server answered a send with an error frame.
	ErrRejected = errors.New("messenger: message rejected")
	// ErrClosed means the session or connection has been closed.
	ErrClosed = errors.New("messenger: closed")
	// ErrUnauthorized means the server refused the credential.
	ErrUnauthorized = errors.New("messenger: unauthorized")

	ErrValidation     = domain.ErrValidation
	ErrNotFound       = domain.ErrNotFound
	ErrMalformedFrame = domain.ErrMalformedFrame
)

// APIError is a non-2xx response from the REST API. It matches ErrNotFound,
// ErrValidation and ErrUnauthorized through errors.Is by status code:
//
//	if errors.Is(err, messenger.ErrNotFound) { ... }
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("messenger: api error (%d): %s", e.StatusCode, e.Message)
}

// Is maps HTTP status codes onto the error taxonomy.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrValidation:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	}
	return false
}

func errValidationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrValidation)
}

func errNotFoundf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNotFound)
}
