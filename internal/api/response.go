// Offlinesync - Offline-First Data Layer for Record Management
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/offlinesync

package api

import (
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/offlinesync/internal/logging"
)

// APIResponse wraps every response body.
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
	Meta    *APIMeta    `json:"meta,omitempty"`
}

// APIError is a machine readable error.
type APIError struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIMeta carries response metadata. FromCache and CachedAt describe reads
// answered from the local store.
type APIMeta struct {
	RequestID  string     `json:"request_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	FromCache  bool       `json:"from_cache,omitempty"`
	CachedAt   *time.Time `json:"cached_at,omitempty"`
}

// Error codes.
const (
	ErrCodeBadRequest     = "BAD_REQUEST"
	ErrCodeValidation     = "VALIDATION_ERROR"
	ErrCodeNotFound       = "NOT_FOUND"
	ErrCodeConflict       = "CONFLICT"
	ErrCodeUnavailable    = "SERVICE_UNAVAILABLE"
	ErrCodeBackendError   = "BACKEND_ERROR"
	ErrCodeInternalError  = "INTERNAL_ERROR"
	ErrCodeRequestTooLong = "REQUEST_TOO_LARGE"
)

func newMeta(r *http.Request, start time.Time) *APIMeta {
	return &APIMeta{
		RequestID:  logging.RequestIDFromContext(r.Context()),
		Timestamp:  time.Now().UTC(),
		DurationMs: time.Since(start).Milliseconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body *APIResponse) {
	data, err := json.Marshal(body)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

func respondSuccess(w http.ResponseWriter, r *http.Request, status int, data interface{}, meta *APIMeta) {
	if meta == nil {
		meta = newMeta(r, time.Now())
	}
	writeJSON(w, status, &APIResponse{Success: true, Data: data, Meta: meta})
}

// respondError writes an error body. err, when set, is logged but never
// sent to the client.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}, err error) {
	requestID := logging.RequestIDFromContext(r.Context())
	if err != nil {
		logging.Ctx(r.Context()).Warn().
			Str("code", code).
			Str("error", sanitizeLogValue(err.Error())).
			Msg("API error")
	}
	writeJSON(w, status, &APIResponse{
		Success: false,
		Error: &APIError{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
		Meta: &APIMeta{RequestID: requestID, Timestamp: time.Now().UTC()},
	})
}

// sanitizeLogValue strips control characters so client input cannot forge
// log lines.
func sanitizeLogValue(s string) string {
	const maxLen = 512
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r < 0x20 || r == 0x7f {
			r = '_'
		}
		out = append(out, r)
		if len(out) == maxLen {
			break
		}
	}
	return string(out)
}
