package errors

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIdentifier     = errors.New("invalid event identifier")
	ErrUnknownTenant         = errors.New("unknown tenant")
	ErrGroupCapacityExceeded = errors.New("group type capacity exceeded")
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	ErrInvalidInput          = errors.New("invalid input")
	ErrInternal              = errors.New("internal error")
)

type AppError struct {
	Err     error
	Message string
}

func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

func New(sentinel error, message string) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: message,
	}
}

func Newf(sentinel error, format string, args ...any) *AppError {
	return &AppError{
		Err:     sentinel,
		Message: fmt.Sprintf(format, args...),
	}
}

// IsFatal reports whether err should drop the event without any retry at a
// higher layer. Downstream connectivity failures are retryable; identifier
// and tenant resolution failures are not.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidIdentifier) ||
		errors.Is(err, ErrUnknownTenant) ||
		errors.Is(err, ErrInvalidInput)
}
