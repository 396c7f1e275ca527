package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrBackpressure is returned when a bounded queue is full. It is never fatal to a session.
	ErrBackpressure = errors.New("back-pressure limit exceeded")
	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session closed")
	// ErrInputClosed is returned for inbound messages after the child closed its stdin. They are discarded.
	ErrInputClosed = errors.New("child input closed")
	// ErrDriverStopped is returned when delivering events to a driver that is no longer running.
	ErrDriverStopped = errors.New("driver stopped")
)

// TransportError is a failure reported by the transport while sending or closing.
type TransportError struct {
	Op  string // "send", "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
