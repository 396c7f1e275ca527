//go:build unix

package pipe

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// End is one end of an anonymous pipe.
// An End is not safe for concurrent use.
type End struct {
	fd   int
	name string
}

// Open creates a pipe and returns its read and write ends, both non-blocking and close-on-exec.
func Open() (r *End, w *End, err error) {
	var fds [2]int

	// Hold the fork lock so that a concurrent fork can't inherit the descriptors before they are marked close-on-exec.
	syscall.ForkLock.RLock()
	err = unix.Pipe(fds[:])
	if err == nil {
		unix.CloseOnExec(fds[0])
		unix.CloseOnExec(fds[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return nil, nil, &Error{Op: "open", Err: err}
	}

	for _, fd := range fds {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fds[0])
			unix.Close(fds[1])
			return nil, nil, &Error{Op: "open", Err: fmt.Errorf("setting non-blocking: %w", err)}
		}
	}

	r = &End{fd: fds[0], name: fmt.Sprintf("|%d", fds[0])}
	w = &End{fd: fds[1], name: fmt.Sprintf("|%d", fds[1])}
	return r, w, nil
}

// Fd returns the underlying descriptor, or -1 if the end is closed or detached.
func (e *End) Fd() int { return e.fd }

// Read reads up to len(p) bytes.
// It returns ErrWouldBlock if nothing is available, and io.EOF once all write ends are closed and the pipe is empty.
func (e *End) Read(p []byte) (int, error) {
	if e.fd < 0 {
		return 0, &Error{Op: "read", Err: os.ErrClosed}
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(e.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, &Error{Op: "read", Err: err}
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes as much of p as the pipe will accept right now.
// A short write is reported with ErrWouldBlock along with the number of bytes accepted.
// A closed reader is reported as ErrPeerClosed.
func (e *End) Write(p []byte) (int, error) {
	if e.fd < 0 {
		return 0, &Error{Op: "write", Err: os.ErrClosed}
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(e.fd, p[written:])
		if n > 0 {
			written += n
		}
		switch {
		case err == nil:
		case err == unix.EINTR:
		case err == unix.EAGAIN:
			return written, ErrWouldBlock
		case err == unix.EPIPE:
			return written, ErrPeerClosed
		default:
			return written, &Error{Op: "write", Err: err}
		}
	}
	return written, nil
}

// Close closes the descriptor. Closing an End more than once is a no-op.
func (e *End) Close() error {
	if e.fd < 0 {
		return nil
	}
	fd := e.fd
	e.fd = -1
	if err := unix.Close(fd); err != nil {
		return &Error{Op: "close", Err: err}
	}
	return nil
}

// Detach switches the End back to blocking mode and transfers ownership of the descriptor to the returned file,
// for passing to a child process. The End is unusable afterwards.
func (e *End) Detach() (*os.File, error) {
	if e.fd < 0 {
		return nil, &Error{Op: "detach", Err: os.ErrClosed}
	}
	if err := unix.SetNonblock(e.fd, false); err != nil {
		return nil, &Error{Op: "detach", Err: err}
	}
	f := os.NewFile(uintptr(e.fd), e.name)
	e.fd = -1
	return f, nil
}
