package registry

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateCapability is returned by Register when the name is taken.
	ErrDuplicateCapability = errors.New("capability already registered")
	// ErrUnknownCapability is returned by Resolve for an unregistered name.
	ErrUnknownCapability = errors.New("unknown capability")
)

// ValidationError reports a missing or mistyped argument. It is produced
// before the handler runs, so a validation failure never has side effects.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Field, e.Reason)
}

// ConversionError wraps a failure raised by the capability handler itself.
type ConversionError struct {
	err error
}

func (e *ConversionError) Error() string { return "conversion failed: " + e.err.Error() }
func (e *ConversionError) Unwrap() error { return e.err }
