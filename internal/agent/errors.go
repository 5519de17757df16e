package agent

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownInterface is reported when ASSIGN names an interface that is not registered.
	ErrUnknownInterface = errors.New("unknown interface")
	// ErrMalformedMessage is reported for inbound messages that cannot be honoured.
	ErrMalformedMessage = errors.New("malformed message")
	// ErrHandlerTimeout is the cancellation cause when an invocation exceeds its timeout.
	ErrHandlerTimeout = errors.New("handler timed out")
	// ErrHandlerCancelled is the cancellation cause for CANCEL, INTERRUPT and shutdown.
	ErrHandlerCancelled = errors.New("handler cancelled")
)

// ErrorCode represents the type of protocol error.
type ErrorCode string

const (
	// ErrCodeUnknownInterface indicates the interface is not registered.
	ErrCodeUnknownInterface ErrorCode = "UNKNOWN_INTERFACE"
	// ErrCodeMalformed indicates an inbound message that violates the protocol.
	ErrCodeMalformed ErrorCode = "MALFORMED_MESSAGE"
)

// ProtocolError is an inbound message the agent refused.
type ProtocolError struct {
	Code        ErrorCode
	Message     string
	Assignation string
	Cause       error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the sentinel matching the code and the cause.
func (e *ProtocolError) Unwrap() []error {
	errs := make([]error, 0, 2)
	switch e.Code {
	case ErrCodeUnknownInterface:
		errs = append(errs, ErrUnknownInterface)
	case ErrCodeMalformed:
		errs = append(errs, ErrMalformedMessage)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

// NewUnknownInterfaceError creates an error for an unregistered interface.
func NewUnknownInterfaceError(assignation, iface string) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeUnknownInterface,
		Message:     fmt.Sprintf("unknown interface: %s", iface),
		Assignation: assignation,
	}
}

// NewMalformedError creates an error for a message that violates the protocol.
func NewMalformedError(assignation, message string, cause error) *ProtocolError {
	return &ProtocolError{
		Code:        ErrCodeMalformed,
		Message:     "malformed message: " + message,
		Assignation: assignation,
		Cause:       cause,
	}
}

// timeoutError carries the limit that fired.
type timeoutError struct {
	limit time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("handler timed out after %v", e.limit)
}

func (e *timeoutError) Unwrap() error { return ErrHandlerTimeout }

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panicked: %v", e.Value)
}
