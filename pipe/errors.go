package pipe

import (
	"errors"
	"fmt"
	"syscall"
)

var (
	// ErrWouldBlock is returned when a read finds no data, or a write could not be fully accepted, without blocking.
	ErrWouldBlock = errors.New("pipe: operation would block")
	// ErrPeerClosed is returned by Write when the read side of the pipe has been closed.
	ErrPeerClosed = errors.New("pipe: peer closed")
)

// Error is an unexpected failure of a pipe operation.
type Error struct {
	Op  string // "open", "read", "write", "close", "detach"
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("pipe %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsResourceExhausted reports whether err was caused by running out of descriptors.
func IsResourceExhausted(err error) bool {
	return errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
