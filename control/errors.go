package control

import (
	"errors"
	"fmt"
)

var (
	ErrListenerClosed = errors.New("listener closed")
	ErrSessionLimit   = errors.New("too many sessions")
	ErrIdleTimeout    = errors.New("session idle")
	ErrEnvelope       = errors.New("bad message envelope")
)

// TransportError ends the session it happened on and no other.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
