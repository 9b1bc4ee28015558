package conversation

import (
	"errors"

	"github.com/egolab/egolab-web/internal/chatapi"
)

// Silent rejections. They are returned to the caller but never shown as the
// controller's error.
var (
	ErrEmptyInput     = errors.New("message is empty")
	ErrBusy           = errors.New("another request is in flight")
	ErrLocked         = errors.New("character is locked")
	ErrNotInitialized = errors.New("controller is not initialized")
	ErrClosed         = errors.New("controller is closed")
	// ErrSuperseded is returned when the conversation was reset or the
	// character changed while a request was in flight. Its result is dropped.
	ErrSuperseded = errors.New("request superseded")
)

// Message shown when the backend rejects stored credentials.
const accessExpiredMessage = "Your access to this character has expired. Please enter the password again."

// describeError converts a backend failure into text for the user.
func describeError(err error, fallback string) string {
	if err == nil {
		return fallback
	}
	if chatapi.IsPasswordRequired(err) {
		return accessExpiredMessage
	}
	var apiErr *chatapi.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Message != "" {
			return apiErr.Message
		}
		return apiErr.Error()
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
