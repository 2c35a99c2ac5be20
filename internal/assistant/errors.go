package assistant

import (
	"errors"
	"fmt"
)

// FallbackMessage is shown when the backend rejects a request without a detail
const FallbackMessage = "Something went wrong"

// ErrorKind classifies a failed submission
type ErrorKind string

const (
	// KindEmptyInput is never surfaced; empty submissions are ignored
	KindEmptyInput      ErrorKind = "empty_input"
	KindBackendRejected ErrorKind = "backend_rejected"
	KindTransport       ErrorKind = "transport"
)

// BackendError is returned when the backend answers with a non-2xx status
type BackendError struct {
	StatusCode int
	Detail     string
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return FallbackMessage
}

// KindOf maps an error from Backend.Process to its kind
func KindOf(err error) ErrorKind {
	var be *BackendError
	if errors.As(err, &be) {
		return KindBackendRejected
	}
	return KindTransport
}

func decodeError(err error) error {
	return fmt.Errorf("failed to decode backend response: %w", err)
}
