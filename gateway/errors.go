package gateway

import (
	"errors"
	"fmt"
	"net/http"
)

// APIError is a non-2xx backend response, propagated to the caller exactly
// as received. Only a 401 triggers the refresh flow; every other status
// passes through the gateway untouched.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	if len(e.Body) == 0 {
		return fmt.Sprintf("api error: status %d", e.StatusCode)
	}
	return fmt.Sprintf("api error: status %d: %s", e.StatusCode, string(e.Body))
}

// Unauthorized reports whether the response was an authorization failure.
func (e *APIError) Unauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsUnauthorized reports whether err is an authorization-failure APIError.
func IsUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Unauthorized()
}
