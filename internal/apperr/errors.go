package apperr

import (
	"errors"
	"fmt"
)

// Domain errors. Callers wrap them with context and match with errors.Is.
var (
	ErrConflict          = errors.New("conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrValidation        = errors.New("validation error")
)

type Kind string

const (
	KindConflict          Kind = "conflict"
	KindNotFound          Kind = "not_found"
	KindInvalidTransition Kind = "invalid_transition"
	KindValidation        Kind = "validation"
	KindInternal          Kind = "internal"
)

// KindOf classifies err. InvalidTransition wins over NotFound because an
// unknown ride in a lifecycle event is a failed guard, not a lookup miss.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrValidation):
		return KindValidation
	default:
		return KindInternal
	}
}

func Conflict(format string, args ...any) error {
	return wrap(ErrConflict, format, args...)
}

func NotFound(format string, args ...any) error {
	return wrap(ErrNotFound, format, args...)
}

func InvalidTransition(format string, args ...any) error {
	return wrap(ErrInvalidTransition, format, args...)
}

func Validation(format string, args ...any) error {
	return wrap(ErrValidation, format, args...)
}

func wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
