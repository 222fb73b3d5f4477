package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nonos/noxterm/internal/privacy"
	"github.com/nonos/noxterm/internal/session"
	"github.com/nonos/noxterm/internal/store"
)

// Error codes returned in API responses
const (
	ErrCodeSessionNotFound = "SESSION_NOT_FOUND"
	ErrCodeSessionGone     = "SESSION_GONE"
	ErrCodeSessionBusy     = "SESSION_BUSY"
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeRelayBusy       = "RELAY_UNAVAILABLE"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string         `json:"error_code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// writeAPIError maps sentinel errors to structured responses.
func writeAPIError(w http.ResponseWriter, err error) {
	var apiErr APIError
	statusCode := http.StatusInternalServerError

	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, store.ErrNotFound):
		apiErr = APIError{Code: ErrCodeSessionNotFound, Message: err.Error()}
		statusCode = http.StatusNotFound

	// terminated reads as a conflict with the session's current state,
	// not a 410: the row is still visible for inspection
	case errors.Is(err, session.ErrTerminated):
		apiErr = APIError{Code: ErrCodeSessionGone, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrBusy):
		apiErr = APIError{Code: ErrCodeSessionBusy, Message: err.Error()}
		statusCode = http.StatusConflict

	case errors.Is(err, session.ErrQuotaExceeded):
		apiErr = APIError{
			Code:    ErrCodeQuotaExceeded,
			Message: "Container limit reached",
			Details: map[string]any{"retry_after": 60},
		}
		statusCode = http.StatusTooManyRequests

	case errors.Is(err, session.ErrRateLimited):
		apiErr = APIError{
			Code:    ErrCodeRateLimited,
			Message: err.Error(),
			Details: map[string]any{"retry_after": 60},
		}
		statusCode = http.StatusTooManyRequests

	case errors.Is(err, session.ErrInvalidInput):
		apiErr = APIError{Code: ErrCodeInvalidRequest, Message: err.Error()}
		statusCode = http.StatusBadRequest

	case errors.Is(err, privacy.ErrNotRunning):
		apiErr = APIError{Code: ErrCodeRelayBusy, Message: err.Error()}
		statusCode = http.StatusServiceUnavailable

	default:
		apiErr = APIError{Code: ErrCodeInternalError, Message: err.Error()}
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(apiErr)
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	json.NewEncoder(w).Encode(APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}
