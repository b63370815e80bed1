// Package apperrors defines the error values shared across packages.
package apperrors

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrConflict             = errors.New("conflict")
	ErrBadRequest           = errors.New("bad request")
	ErrLocked               = errors.New("operation already in progress")
	ErrConfirmationRequired = errors.New("confirmation required")
	ErrHoliday              = errors.New("date is a declared holiday")
	ErrValidation           = errors.New("validation failed")
	ErrOffline              = errors.New("offline")
	ErrUnauthorized         = errors.New("unauthorized")
)

// CustomError attaches a human-readable message to a sentinel error.
type CustomError struct {
	Err     error
	Message string
}

func (e *CustomError) Error() string {
	if e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *CustomError) Unwrap() error { return e.Err }

// New wraps err with message.
func New(err error, message string) error {
	return &CustomError{Err: err, Message: message}
}

// NotFound creates a not-found error with a message.
func NotFound(message string) error { return New(ErrNotFound, message) }

// BadRequest creates a bad-request error with a message.
func BadRequest(message string) error { return New(ErrBadRequest, message) }

// Is reports whether err matches target or any of others.
func Is(err, target error, others ...error) bool {
	if errors.Is(err, target) {
		return true
	}
	for _, o := range others {
		if errors.Is(err, o) {
			return true
		}
	}
	return false
}
