package task

import (
	"errors"
	"fmt"
)

// Error kinds. Match them with errors.Is.
var (
	ErrValidation       = errors.New("validation failed")
	ErrStateConflict    = errors.New("state conflict")
	ErrExpired          = errors.New("expired")
	ErrNotFound         = errors.New("not found")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrVersionConflict  = errors.New("version conflict")
	ErrForbidden        = errors.New("forbidden")
)

// Error carries one of the kinds above with a human-readable message.
type Error struct {
	Kind error
	Msg  string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Kind }

func newError(kind error, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Validationf reports malformed input.
func Validationf(format string, args ...any) error {
	return newError(ErrValidation, format, args...)
}

// Conflictf reports an unsatisfied transition guard.
func Conflictf(format string, args ...any) error {
	return newError(ErrStateConflict, format, args...)
}

// Expiredf reports a closed SLA or request window.
func Expiredf(format string, args ...any) error {
	return newError(ErrExpired, format, args...)
}

// NotFoundf reports an unknown task or request id.
func NotFoundf(format string, args ...any) error {
	return newError(ErrNotFound, format, args...)
}

// AlreadyProcessedf reports an operation against a request that already left pending.
func AlreadyProcessedf(format string, args ...any) error {
	return newError(ErrAlreadyProcessed, format, args...)
}

// Forbiddenf reports an actor acting outside its role or assignment.
func Forbiddenf(format string, args ...any) error {
	return newError(ErrForbidden, format, args...)
}

func versionConflictf(format string, args ...any) error {
	return newError(ErrVersionConflict, format, args...)
}
