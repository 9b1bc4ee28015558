package chatapi

import (
	"errors"
	"fmt"
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	Status           int
	Code             string
	Message          string
	PasswordRequired bool
}

// Error mirrors the backend's error field, falling back to the HTTP status.
func (e *APIError) Error() string {
	if e.Code != "" {
		return e.Code
	}
	return fmt.Sprintf("HTTP %d", e.Status)
}

// IsPasswordRequired reports whether err signals that the character's password
// or access token is missing or no longer valid.
func IsPasswordRequired(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.PasswordRequired
	}
	return false
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
