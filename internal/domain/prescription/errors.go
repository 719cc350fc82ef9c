package prescription

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a business error for translation at the HTTP boundary.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindInternal   Kind = "internal"
)

// Error codes returned to clients.
const (
	CodeValidation       = "VALIDATION_ERROR"
	CodeInvalidStatus    = "INVALID_STATUS"
	CodeDeliveryContact  = "DELIVERY_CONTACT_INVALID"
	CodeDuplicateRequest = "DUPLICATE_REQUEST"
	CodeNotFound         = "PRESCRIPTION_NOT_FOUND"
	CodePatientNotFound  = "PATIENT_NOT_FOUND"
	CodeForbidden        = "FORBIDDEN"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrNotFound is returned by stores when no prescription matches.
var ErrNotFound = errors.New("prescription not found")

// Error is a classified business error.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if len(e.Details) > 0 {
		msg += ": " + strings.Join(e.Details, "; ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind && (t.Code == "" || e.Code == t.Code)
}

func validationError(code, msg string, details ...string) *Error {
	return &Error{Kind: KindValidation, Code: code, Message: msg, Details: details}
}

func notFound(id string) *Error {
	return &Error{Kind: KindNotFound, Code: CodeNotFound, Message: fmt.Sprintf("prescription %s not found", id)}
}

func forbidden(msg string) *Error {
	return &Error{Kind: KindForbidden, Code: CodeForbidden, Message: msg}
}

func internal(msg string, err error) *Error {
	return &Error{Kind: KindInternal, Code: CodeInternal, Message: msg, Err: err}
}

// Sentinels for errors.Is checks.
var (
	ErrValidation = &Error{Kind: KindValidation}
	ErrDuplicate  = &Error{Kind: KindValidation, Code: CodeDuplicateRequest}
	ErrMissing    = &Error{Kind: KindNotFound}
	ErrForbidden  = &Error{Kind: KindForbidden}
)

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
