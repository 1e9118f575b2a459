// Package apperr defines the error taxonomy shared by every component of the
// contest engine and its mapping onto HTTP status codes.
//
// Components that enforce a rule return errors of the matching Kind; storage
// and infrastructure failures carry no Kind and are treated as Internal.
package apperr

import (
	"errors"
	"net/http"
)

// Kind classifies an error for callers and for the transport layer.
type Kind uint8

const (
	KindInternal Kind = iota
	KindUnauthorized
	KindNotFound
	KindValidation
	KindConflict
	KindPaymentRequired
	KindForbidden
)

var kindCodes = map[Kind]string{
	KindInternal:        "INTERNAL_ERROR",
	KindUnauthorized:    "UNAUTHORIZED",
	KindNotFound:        "NOT_FOUND",
	KindValidation:      "VALIDATION_ERROR",
	KindConflict:        "CONFLICT",
	KindPaymentRequired: "PAYMENT_REQUIRED",
	KindForbidden:       "FORBIDDEN",
}

var kindStatus = map[Kind]int{
	KindInternal:        http.StatusInternalServerError,
	KindUnauthorized:    http.StatusUnauthorized,
	KindNotFound:        http.StatusNotFound,
	KindValidation:      http.StatusBadRequest,
	KindConflict:        http.StatusConflict,
	KindPaymentRequired: http.StatusPaymentRequired,
	KindForbidden:       http.StatusForbidden,
}

// Code is the machine-readable error code used in response bodies.
func (k Kind) Code() string { return kindCodes[k] }

// HTTPStatus maps the kind onto a response status code.
func (k Kind) HTTPStatus() int {
	if s, ok := kindStatus[k]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func (k Kind) String() string { return k.Code() }

// Error is a classified error. Msg is safe to show to clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Msg + ": " + e.Err.Error()
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error with a client-safe message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap classifies err under kind. The wrapped error stays reachable through
// errors.Is / errors.As but is never rendered to clients.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func NotFound(msg string) error        { return New(KindNotFound, msg) }
func Validation(msg string) error      { return New(KindValidation, msg) }
func Conflict(msg string) error        { return New(KindConflict, msg) }
func PaymentRequired(msg string) error { return New(KindPaymentRequired, msg) }
func Forbidden(msg string) error       { return New(KindForbidden, msg) }
func Unauthorized(msg string) error    { return New(KindUnauthorized, msg) }

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the client-safe message for err. Internal errors never
// leak their detail.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind != KindInternal {
		return e.Msg
	}
	return "internal server error"
}
