package types

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed set of client-correctable failures.
type ErrorKind string

const (
	KindNotFound               ErrorKind = "not_found"
	KindInvalidState           ErrorKind = "invalid_state"
	KindStaleAction            ErrorKind = "stale_action"
	KindAuthorization          ErrorKind = "authorization"
	KindValidation             ErrorKind = "validation"
	KindUnresolvableApprovers  ErrorKind = "unresolvable_approvers"
	KindConcurrentModification ErrorKind = "concurrent_modification"
)

// Error is a classified engine error.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrInvalidState           = &Error{Kind: KindInvalidState}
	ErrStaleAction            = &Error{Kind: KindStaleAction}
	ErrAuthorization          = &Error{Kind: KindAuthorization}
	ErrValidation             = &Error{Kind: KindValidation}
	ErrUnresolvableApprovers  = &Error{Kind: KindUnresolvableApprovers}
	ErrConcurrentModification = &Error{Kind: KindConcurrentModification}
)

// NewError builds an *Error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds an *Error around a cause.
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of err, or "" if err is not classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
