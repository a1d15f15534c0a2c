// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"

	applog "github.com/ManuGH/whisperd/internal/log"
)

// APIError is the stable machine-readable error carried in native responses.
type APIError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

// Error catalog for the native surface.
var (
	ErrInvalidInput = &APIError{
		Type:    "invalid_input",
		Message: "Invalid input parameters",
	}
	ErrNotFound = &APIError{
		Type:    "not_found",
		Message: "Job not found",
	}
	ErrArtifactNotFound = &APIError{
		Type:    "not_found",
		Message: "Artifact not available",
	}
	ErrQueueFull = &APIError{
		Type:    "queue_full",
		Message: "Job queue is at capacity; retry later",
	}
	ErrPayloadTooLarge = &APIError{
		Type:    "payload_too_large",
		Message: "Upload exceeds the configured size limit",
	}
	ErrDuplicateID = &APIError{
		Type:    "duplicate_id",
		Message: "Job id already exists",
	}
	ErrUnauthorized = &APIError{
		Type:    "unauthorized",
		Message: "Authentication required",
	}
	ErrForbidden = &APIError{
		Type:    "forbidden",
		Message: "Access denied",
	}
	ErrRateLimited = &APIError{
		Type:    "rate_limited",
		Message: "Too many requests",
	}
	ErrInternal = &APIError{
		Type:    "internal_error",
		Message: "An internal error occurred",
	}
)

// writeJSON writes a JSON response. Encoding failures are logged; headers
// are already committed at that point.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		applog.L().Error().Err(err).Int("status", code).Msg("response encode failed")
	}
}

// RespondError writes the native error envelope `{"error": {...}}`.
func RespondError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError, details ...string) {
	e := *apiErr
	if len(details) > 0 {
		e.Details = details[0]
	}
	if status >= 500 {
		applog.FromContext(r.Context()).Error().
			Str("error_type", e.Type).Str("path", r.URL.Path).Msg(e.Message)
	}
	writeJSON(w, status, map[string]*APIError{"error": &e})
}

// openAIError mirrors the error envelope of the compatible surface:
// `{"error": {"message": ..., "type": ...}}`.
func openAIError(w http.ResponseWriter, status int, message, errType string) {
	writeJSON(w, status, map[string]map[string]string{
		"error": {"message": message, "type": errType},
	})
}
