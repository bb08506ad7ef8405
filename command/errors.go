package command

import (
	"errors"
	"fmt"
)

var (
	ErrArityMismatch = errors.New("arity mismatch")
	ErrTypeMismatch  = errors.New("type mismatch")
	ErrUnknownTag    = errors.New("unknown tag")
)

// ParseError describes why a message could not become a Command.
// Code is one of the sentinels above and is what errors.Is matches.
type ParseError struct {
	Code  error
	Kind  Kind
	Field string
	Input string
}

func (e *ParseError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("parse %s: %v: field %s in %q", e.Kind, e.Code, e.Field, e.Input)
	case errors.Is(e.Code, ErrArityMismatch):
		return fmt.Sprintf("parse %s: %v: want %d fields in %q", e.Kind, e.Code, e.Kind.Arity(), e.Input)
	}
	return fmt.Sprintf("parse %s: %v: %q", e.Kind, e.Code, e.Input)
}

func (e *ParseError) Unwrap() error {
	return e.Code
}
