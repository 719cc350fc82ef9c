// Package response writes the JSON envelope shared by every endpoint.
package response

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/drfirst/go-rxrequest/internal/domain/prescription"
)

// Codes produced outside the prescription service.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeRateLimited  = "RATE_LIMITED"
	CodeBadRequest   = "BAD_REQUEST"
	CodeConflict     = "IDEMPOTENCY_CONFLICT"
	CodeKeyReused    = "IDEMPOTENCY_KEY_REUSED"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success   bool     `json:"success"`
	Data      any      `json:"data,omitempty"`
	Message   string   `json:"message,omitempty"`
	ErrorCode string   `json:"errorCode,omitempty"`
	Details   []string `json:"details,omitempty"`
	Count     *int     `json:"count,omitempty"`
	Total     *int     `json:"total,omitempty"`
	Page      *int     `json:"page,omitempty"`
	Pages     *int     `json:"pages,omitempty"`
}

// Write encodes env with the given status.
func Write(w http.ResponseWriter, status int, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}

// OK writes a successful response.
func OK(w http.ResponseWriter, status int, data any, message string) {
	Write(w, status, Envelope{Success: true, Data: data, Message: message})
}

// List writes one page of results.
func List(w http.ResponseWriter, data any, count, total, page, pages int) {
	Write(w, http.StatusOK, Envelope{
		Success: true,
		Data:    data,
		Count:   &count,
		Total:   &total,
		Page:    &page,
		Pages:   &pages,
	})
}

// Fail writes an error response.
func Fail(w http.ResponseWriter, status int, code, message string) {
	Write(w, status, Envelope{Success: false, Message: message, ErrorCode: code})
}

// StatusFor maps a prescription error kind to an HTTP status.
func StatusFor(kind prescription.Kind) int {
	switch kind {
	case prescription.KindValidation:
		return http.StatusBadRequest
	case prescription.KindNotFound:
		return http.StatusNotFound
	case prescription.KindForbidden:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error writes err. Unclassified and internal errors get a generic message.
func Error(w http.ResponseWriter, err error) {
	status, env := ErrorEnvelope(err)
	Write(w, status, env)
}

// ErrorEnvelope returns the status and body Error would write for err.
func ErrorEnvelope(err error) (int, Envelope) {
	var e *prescription.Error
	if !errors.As(err, &e) || e.Kind == prescription.KindInternal {
		return http.StatusInternalServerError, Envelope{
			Success:   false,
			Message:   "internal server error",
			ErrorCode: prescription.CodeInternal,
		}
	}
	return StatusFor(e.Kind), Envelope{
		Success:   false,
		Message:   e.Message,
		ErrorCode: e.Code,
		Details:   e.Details,
	}
}

// Raw writes an already encoded envelope.
func Raw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
