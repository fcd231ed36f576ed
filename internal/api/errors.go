package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/p-arndt/agenthub/internal/apperr"
)

// Error codes returned in API responses
const (
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodeInvalidConfig   = "INVALID_CONFIG"
	ErrCodeIdentity        = "IDENTITY_ERROR"
	ErrCodeMountVisibility = "MOUNT_NOT_VISIBLE"
	ErrCodeBuildFailed     = "BUILD_FAILED"
	ErrCodeLaunchFailed    = "LAUNCH_FAILED"
	ErrCodeCrashDetected   = "CRASH_DETECTED"
	ErrCodeInvalidRequest  = "INVALID_REQUEST"
	ErrCodeInternalError   = "INTERNAL_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string                 `json:"error_code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// classify maps an error kind to its error code and HTTP status.
func classify(kind apperr.Kind) (string, int) {
	switch kind {
	case apperr.KindNotFound:
		return ErrCodeNotFound, http.StatusNotFound
	case apperr.KindConflict:
		return ErrCodeConflict, http.StatusConflict
	case apperr.KindConfig:
		return ErrCodeInvalidConfig, http.StatusBadRequest
	case apperr.KindIdentity:
		return ErrCodeIdentity, http.StatusBadRequest
	case apperr.KindMountVisibility:
		return ErrCodeMountVisibility, http.StatusBadRequest
	case apperr.KindBuild:
		return ErrCodeBuildFailed, http.StatusUnprocessableEntity
	case apperr.KindLaunch:
		return ErrCodeLaunchFailed, http.StatusUnprocessableEntity
	case apperr.KindCrashDetected:
		return ErrCodeCrashDetected, http.StatusUnprocessableEntity
	default:
		return ErrCodeInternalError, http.StatusInternalServerError
	}
}

// writeAPIError writes a structured error response with appropriate HTTP status
func writeAPIError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	code, status := classify(kind)
	writeJSON(w, status, APIError{
		Code:    code,
		Message: err.Error(),
		Details: map[string]interface{}{"kind": string(kind)},
	})
}

// writeValidationError writes a 400 Bad Request with validation details
func writeValidationError(w http.ResponseWriter, message string, details map[string]interface{}) {
	writeJSON(w, http.StatusBadRequest, APIError{
		Code:    ErrCodeInvalidRequest,
		Message: message,
		Details: details,
	})
}

// writeUnauthorizedError writes a 401 Unauthorized error
func writeUnauthorizedError(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusUnauthorized, APIError{
		Code:    ErrCodeUnauthorized,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeError turns a body decoding failure into a validation response.
func decodeError(w http.ResponseWriter, err error) {
	msg := err.Error()
	if strings.Contains(msg, "request body too large") {
		writeJSON(w, http.StatusRequestEntityTooLarge, APIError{
			Code:    ErrCodeInvalidRequest,
			Message: "request body too large",
		})
		return
	}
	writeValidationError(w, "invalid json: "+msg, nil)
}
