// Copyright (c) 2025-2026, the fetcharr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			log.Error().Err(err).Msg("Failed to encode JSON response")
		}
	}
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error: message,
	})
}

// DecodeJSON decodes the request body into the provided struct.
// Returns false if decoding fails (error already sent to client).
func DecodeJSON[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// DecodeJSONOptional decodes the request body into the provided struct.
// Returns true if decoding succeeds or the body is empty (io.EOF).
// Returns false only on actual decode errors (error already sent to client).
func DecodeJSONOptional[T any](w http.ResponseWriter, r *http.Request, dest *T) bool {
	if err := json.NewDecoder(r.Body).Decode(dest); err != nil && err != io.EOF {
		RespondError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	return true
}

// ParseStringParam extracts and validates a string URL parameter. The value
// is trimmed before validation. Returns the value and true on success, or
// empty string and false if missing (error already sent).
func ParseStringParam(w http.ResponseWriter, r *http.Request, paramName, displayName string) (string, bool) {
	value := strings.TrimSpace(chi.URLParam(r, paramName))
	if value == "" {
		RespondError(w, http.StatusBadRequest, displayName+" is required")
		return "", false
	}
	return value, true
}

// ParseIntParam64 extracts and validates an int64 URL parameter.
// Returns the value and true on success, or 0 and false if invalid (error
// already sent). The displayName is used in error messages.
func ParseIntParam64(w http.ResponseWriter, r *http.Request, paramName, displayName string) (int64, bool) {
	str, ok := ParseStringParam(w, r, paramName, displayName)
	if !ok {
		return 0, false
	}
	value, err := strconv.ParseInt(str, 10, 64)
	if err != nil || value <= 0 {
		RespondError(w, http.StatusBadRequest, "Invalid "+displayName)
		return 0, false
	}
	return value, true
}

// ParseRunID extracts and validates the pipeline run ID from URL parameters.
func ParseRunID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	return ParseIntParam64(w, r, "runID", "run ID")
}

// ParseDownloadID extracts and validates the download ID from URL parameters.
func ParseDownloadID(w http.ResponseWriter, r *http.Request) (string, bool) {
	return ParseStringParam(w, r, "downloadID", "Download ID")
}

// ParseLimit reads the limit query parameter with a default and cap.
// Invalid values are silently ignored.
func ParseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
			if limit > maxLimit {
				limit = maxLimit
			}
		}
	}
	return limit
}

// RespondDBError handles database errors with common patterns:
// - sql.ErrNoRows -> 404 with notFoundMessage
// - other errors -> 500 with fallbackMessage
func RespondDBError(w http.ResponseWriter, err error, notFoundMessage, fallbackMessage string) {
	if errors.Is(err, sql.ErrNoRows) {
		RespondError(w, http.StatusNotFound, notFoundMessage)
		return
	}
	RespondError(w, http.StatusInternalServerError, fallbackMessage)
}
