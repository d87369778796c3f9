// Package apperr defines the error taxonomy shared by the intake service, the
// eligibility admin and the HTTP surface.
package apperr

import (
	"errors"
	"net/http"
)

// Code classifies an error for callers.
type Code string

const (
	CodeInvalidInput     Code = "invalid_input"
	CodeNotEligible      Code = "not_eligible"
	CodeNotFound         Code = "not_found"
	CodeStoreUnavailable Code = "store_unavailable"
	CodeQueueUnavailable Code = "queue_unavailable"
	CodeFault            Code = "fault"
)

// Error carries a Code, a caller-facing message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap builds an error that keeps err reachable through errors.Is/As.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or CodeFault.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeFault
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// HTTPStatus maps a code onto the response status used by the API.
func HTTPStatus(code Code) int {
	switch code {
	case CodeInvalidInput, CodeNotEligible:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the message safe to return to API clients. Infrastructure
// causes stay out of responses.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
