// Package apperr defines the service-layer error taxonomy. Services return
// these; the HTTP layer maps kinds to status codes and serializes the field
// detail, so no lifecycle violation is ever silently swallowed.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// KindValidation: missing or malformed user input, field detail attached.
	KindValidation Kind = iota
	// KindStateConflict: the operation is invalid for the current lifecycle
	// state (withdrawing a withdrawn bid, editing a submitted submission).
	KindStateConflict
	// KindScopeConflict: an overlapping scope already has an accepted bid.
	KindScopeConflict
	// KindPayment: the payment processor failed; surfaced verbatim.
	KindPayment
	KindNotFound
	KindAuthorization
)

type Error struct {
	Kind    Kind
	Message string
	// Fields carries field-level validation detail (field -> problem).
	Fields map[string]string
	// Retryable marks failures that are safe to re-run, e.g. post-payment
	// submission materialization.
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Validation builds a field-detailed validation error.
func Validation(msg string, fields map[string]string) *Error {
	return &Error{Kind: KindValidation, Message: msg, Fields: fields}
}

func NotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// KindOf extracts the kind of err, or (0, false) if err is not an apperr.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return 0, false
}

func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
