// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/MHGanainy/simsbuddy-voice-agent/internal/log"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// APIError is a structured, machine-readable error response.
type APIError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

func (e *APIError) Error() string { return e.Message }

var (
	ErrBadJSON = &APIError{Code: "BAD_JSON", Message: "request body is not valid JSON"}
	ErrBadSig  = &APIError{Code: "BAD_SIGNATURE", Message: "webhook signature verification failed"}

	ErrStudentNotFoundAPI  = &APIError{Code: "STUDENT_NOT_FOUND", Message: "no student is associated with this session"}
	ErrNoCreditsAPI        = &APIError{Code: "INSUFFICIENT_CREDITS", Message: "student has insufficient credits"}
	ErrBillingFailedAPI    = &APIError{Code: "BILLING_FAILED", Message: "initial minute billing failed"}
	ErrQueueUnavailableAPI = &APIError{Code: "QUEUE_UNAVAILABLE", Message: "spawn queue is unavailable"}

	ErrSessionNotFoundAPI = &APIError{Code: "SESSION_NOT_FOUND", Message: "session not found"}
	ErrRateLimited        = &APIError{Code: "RATE_LIMITED", Message: "rate limit exceeded"}
	ErrInternal           = &APIError{Code: "INTERNAL_ERROR", Message: "an internal error occurred"}
)

// RespondError sends a structured error response, stamping it with the
// request's correlation id.
func RespondError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError) {
	resp := &APIError{
		Code:      apiErr.Code,
		Message:   apiErr.Message,
		RequestID: log.RequestIDFromContext(r.Context()),
	}
	writeJSON(w, status, resp)
}
