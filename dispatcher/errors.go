package dispatcher

import (
	"errors"
	"fmt"

	"rover/command"
)

var (
	ErrOutOfRange   = errors.New("out of range")
	ErrUnknownServo = errors.New("unknown servo")

	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrCapabilityFailed      = errors.New("capability failed")
	ErrUnsupported           = errors.New("unsupported")
)

// ValidationError reports a field that failed its declared bounds.
type ValidationError struct {
	Code  error
	Field string
	Value int
	Range Range
}

func (e *ValidationError) Error() string {
	if errors.Is(e.Code, ErrUnknownServo) {
		return fmt.Sprintf("%s: %v", e.Field, e.Code)
	}
	return fmt.Sprintf("%s=%d %v %s", e.Field, e.Value, e.Code, e.Range)
}

func (e *ValidationError) Unwrap() error {
	return e.Code
}

// DispatchError reports a command that passed validation but could not be
// carried out. Err holds the driver error when there is one.
type DispatchError struct {
	Code error
	Kind command.Kind
	Err  error
}

func (e *DispatchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Code)
}

func (e *DispatchError) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Code, e.Err}
	}
	return []error{e.Code}
}
