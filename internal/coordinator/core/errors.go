package core

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrLeaseLost          = errors.New("lease lost")
	ErrLeaseExpired       = errors.New("lease expired")
	ErrTransitionRejected = errors.New("task transition rejected")
	ErrReservationExpired = errors.New("reservation expired")
	ErrUnknownClass       = errors.New("unknown resource class")
	ErrJobCancelled       = errors.New("job cancelled")
)

// ValidationError reports a malformed request. It is returned before any
// state is mutated.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

func NewValidationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

type ErrorKind string

const (
	ErrorKindTransient ErrorKind = "transient"
	ErrorKindPermanent ErrorKind = "permanent"
	ErrorKindCancelled ErrorKind = "cancelled"
)

// BackendError carries the retry classification of an inference failure.
type BackendError struct {
	Kind ErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("%s backend error: %v", e.Kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

func Transient(err error) error {
	return &BackendError{Kind: ErrorKindTransient, Err: err}
}

func Permanent(err error) error {
	return &BackendError{Kind: ErrorKindPermanent, Err: err}
}

// KindOf classifies err. Unclassified errors are treated as transient.
func KindOf(err error) ErrorKind {
	var be *BackendError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &be):
		return be.Kind
	case errors.Is(err, context.Canceled):
		return ErrorKindCancelled
	default:
		return ErrorKindTransient
	}
}
