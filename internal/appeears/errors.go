package appeears

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrTaskSubmission = errors.New("task submission failed")
	ErrReadStalled    = errors.New("download stalled")
)

// HTTPStatusError is a non-success HTTP response from the provider
type HTTPStatusError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: http %d", e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("%s: http %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Transient reports whether the response is worth retrying
func (e *HTTPStatusError) Transient() bool {
	return isTransient(e.StatusCode)
}

func isTransient(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
