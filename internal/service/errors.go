package service

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation            = errors.New("validation failed")
	ErrInvalidAdjustment     = errors.New("invalid adjustment")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrForbidden             = errors.New("forbidden")
	ErrInvalidItem           = errors.New("invalid item")
	ErrRefundExceedsOriginal = errors.New("refund exceeds original")
	ErrNotFound              = errors.New("not found")
)

// Error is a typed business failure with a message fit for display
type Error struct {
	Kind    error
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Kind
}

func newError(kind error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func validationError(format string, args ...interface{}) *Error {
	return newError(ErrValidation, format, args...)
}

func notFound(what string, id interface{}) *Error {
	return newError(ErrNotFound, "%s %v not found", what, id)
}

func invalidTransition(what string, id interface{}, from, to interface{}) *Error {
	return newError(ErrInvalidTransition, "%s %v cannot move from %v to %v", what, id, from, to)
}

// Kind returns the business kind of err, or nil for infrastructure failures
func Kind(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}
