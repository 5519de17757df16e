package port

import (
	"errors"
	"fmt"
)

// ErrUnknownStructure is returned when no structure is registered for an identifier.
var ErrUnknownStructure = errors.New("unknown structure")

// ExpansionError reports an incoming value that does not fit its port.
// Path is the dotted key chain from the top-level port.
type ExpansionError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *ExpansionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("port `%s`: %s: %v", e.Path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("port `%s`: %s", e.Path, e.Reason)
}

func (e *ExpansionError) Unwrap() error { return e.Cause }

// ShrinkError reports an outgoing value that cannot be put on the wire.
type ShrinkError struct {
	Path   string
	Reason string
	Cause  error
}

func (e *ShrinkError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("shrink port `%s`: %s: %v", e.Path, e.Reason, e.Cause)
	}
	return fmt.Sprintf("shrink port `%s`: %s", e.Path, e.Reason)
}

func (e *ShrinkError) Unwrap() error { return e.Cause }

func expansionErr(path, reason string, cause error) *ExpansionError {
	return &ExpansionError{Path: path, Reason: reason, Cause: cause}
}

func shrinkErr(path, reason string, cause error) *ShrinkError {
	return &ShrinkError{Path: path, Reason: reason, Cause: cause}
}

func joinPath(parent, key string) string {
	if parent == "" {
		return key
	}
	return parent + "." + key
}
