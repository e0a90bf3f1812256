package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sessiond/sessiond/internal/middleware"
	"github.com/sessiond/sessiond/internal/ops"
	"github.com/sessiond/sessiond/internal/profile"
	"github.com/sessiond/sessiond/internal/session"
)

// sendJSON sends a JSON response.
func sendJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// sendError sends a standardized error response.
func sendError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	requestID, _ := r.Context().Value(middleware.RequestIDKey).(string)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	response := middleware.ErrorResponse{
		Error: middleware.ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// decodeJSON decodes the request body with error handling.
func decodeJSON[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var input T
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		sendError(w, r, http.StatusBadRequest, "INVALID_BODY", "Invalid JSON body", err.Error())
		return input, false
	}
	return input, true
}

// handleCoreError maps the core error taxonomy onto HTTP statuses. It
// returns true when it wrote a response.
func handleCoreError(w http.ResponseWriter, r *http.Request, err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, session.ErrNotFound),
		errors.Is(err, ops.ErrNotFound),
		errors.Is(err, profile.ErrNotFound):
		sendError(w, r, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
	case errors.Is(err, session.ErrConflict),
		errors.Is(err, ops.ErrConflict):
		sendError(w, r, http.StatusConflict, "CONFLICT", err.Error(), nil)
	case errors.Is(err, session.ErrUnknownKind),
		errors.Is(err, ops.ErrUnknownKind):
		sendError(w, r, http.StatusBadRequest, "VALIDATION_FAILED", err.Error(), nil)
	case errors.Is(err, session.ErrResourceAcquisition):
		sendError(w, r, http.StatusBadGateway, "RESOURCE_ACQUISITION_FAILED", err.Error(), nil)
	default:
		sendError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", err.Error())
	}
	return true
}
