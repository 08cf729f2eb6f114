package couples

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors for the couples client
var (
	ErrEmptyToken    = errors.New("auth token is empty")
	ErrEmptyResponse = errors.New("couples service returned an empty body")
)

// APIError describes a failed call to the couples service.
type APIError struct {
	StatusCode int    // 0 for transport failures
	Body       string // truncated response body
	Retriable  bool
	Err        error
}

// Error implements the error interface
func (e *APIError) Error() string {
	switch {
	case e.StatusCode == 0:
		return fmt.Sprintf("couples service unreachable: %v", e.Err)
	case e.Err != nil:
		return fmt.Sprintf("couples service returned %d: %v", e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("couples service returned %d: %s", e.StatusCode, e.Body)
	}
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	return e.Err
}

// isRetriableStatus reports whether a response status is worth another attempt.
func isRetriableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
