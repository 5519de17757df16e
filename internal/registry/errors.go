package registry

import (
	"errors"
	"fmt"
)

// ErrAlreadyRegistered is returned when an interface name is registered twice.
var ErrAlreadyRegistered = errors.New("interface already registered")

// RecoverableError marks a handler failure the orchestrator may retry.
// The scheduler reports it as ERROR instead of CRITICAL.
type RecoverableError struct {
	Err error
}

// Error implements the error interface.
func (e *RecoverableError) Error() string {
	return fmt.Sprintf("recoverable: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *RecoverableError) Unwrap() error {
	return e.Err
}

// Recoverable wraps err as a RecoverableError. A nil err stays nil.
func Recoverable(err error) error {
	if err == nil {
		return nil
	}
	return &RecoverableError{Err: err}
}

// Recoverablef formats a new RecoverableError.
func Recoverablef(format string, args ...any) error {
	return &RecoverableError{Err: fmt.Errorf(format, args...)}
}

// IsRecoverable checks if err carries a RecoverableError.
func IsRecoverable(err error) bool {
	var rec *RecoverableError
	return errors.As(err, &rec)
}
