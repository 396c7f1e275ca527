//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/wsmirror/pipe"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultKillGrace is how long a terminated child has to exit after SIGTERM before it is killed.
const DefaultKillGrace = 2 * time.Second

// SpawnError is returned when a child process could not be created.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Manager creates child processes wired to non-blocking pipes.
type Manager struct {
	Log *zap.SugaredLogger
	// Env is appended to the parent's environment.
	Env []string
	// Dir is the working directory of children, the parent's if empty.
	Dir string
	// Stderr receives the children's stderr. Nil discards it.
	Stderr *os.File
	// KillGrace overrides DefaultKillGrace.
	KillGrace time.Duration
}

func (m *Manager) logger() *zap.SugaredLogger {
	if m.Log == nil {
		return zap.NewNop().Sugar()
	}
	return m.Log
}

// Spawn starts command with its stdin and stdout connected to pipes, and returns a handle owning the parent ends.
// On failure every descriptor created here is closed and a *SpawnError is returned.
func (m *Manager) Spawn(ctx context.Context, command string, args ...string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, &SpawnError{Command: command, Err: err}
	}

	stdinR, stdinW, err := pipe.Open()
	if err != nil {
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("opening stdin pipe: %w", err)}
	}
	stdoutR, stdoutW, err := pipe.Open()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, &SpawnError{Command: command, Err: fmt.Errorf("opening stdout pipe: %w", err)}
	}

	closeAll := func() {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
	}

	childStdin, err := stdinR.Detach()
	if err != nil {
		closeAll()
		return nil, &SpawnError{Command: command, Err: err}
	}
	childStdout, err := stdoutW.Detach()
	if err != nil {
		childStdin.Close()
		closeAll()
		return nil, &SpawnError{Command: command, Err: err}
	}

	cmd := exec.Command(command, args...)
	cmd.Dir = m.Dir
	if len(m.Env) > 0 {
		cmd.Env = append(os.Environ(), m.Env...)
	}
	cmd.Stdin = childStdin
	cmd.Stdout = childStdout
	if m.Stderr != nil {
		cmd.Stderr = m.Stderr
	}

	startErr := cmd.Start()

	// the child has its own copies now, or never will
	childStdin.Close()
	childStdout.Close()

	if startErr != nil {
		stdinW.Close()
		stdoutR.Close()
		return nil, &SpawnError{Command: command, Err: startErr}
	}

	killGrace := m.KillGrace
	if killGrace == 0 {
		killGrace = DefaultKillGrace
	}

	h := &Handle{
		log:       m.logger().Named("child").With("PID", cmd.Process.Pid),
		cmd:       cmd,
		stdin:     stdinW,
		stdout:    stdoutR,
		killGrace: killGrace,
		exited:    make(chan struct{}),
		exitCode:  -1,
	}
	go h.wait()

	h.log.Debugw("child started", "Command", command, "Args", args)
	return h, nil
}

// Handle is a running (or exited) child process.
// Read, Write, and Terminate must not be called concurrently with each other.
type Handle struct {
	log       *zap.SugaredLogger
	cmd       *exec.Cmd
	stdin     *pipe.End
	stdout    *pipe.End
	killGrace time.Duration

	exited   chan struct{}
	exitCode int

	terminateOnce sync.Once
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			h.log.Debugf("unexpected wait error: %s", err)
		}
	}
	h.log.Debugf("child exited with code %d", h.exitCode)
	close(h.exited)
}

// Pid returns the child's process ID.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Read reads from the child's stdout without blocking. See pipe.End.Read.
func (h *Handle) Read(p []byte) (int, error) { return h.stdout.Read(p) }

// Write writes to the child's stdin without blocking. See pipe.End.Write.
func (h *Handle) Write(p []byte) (int, error) { return h.stdin.Write(p) }

// Alive reports whether the child has not yet been reaped.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// Exited is closed once the child has been reaped.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// ExitCode returns the child's exit code, or -1 if it is still running or was killed by a signal.
func (h *Handle) ExitCode() int {
	select {
	case <-h.exited:
		return h.exitCode
	default:
		return -1
	}
}

// Terminate closes the parent's pipe ends and stops the child.
// It is safe to call more than once; only the first call has any effect.
func (h *Handle) Terminate() error {
	var err error
	h.terminateOnce.Do(func() {
		err = multierr.Combine(h.stdin.Close(), h.stdout.Close())

		if !h.Alive() {
			return
		}
		sigErr := h.cmd.Process.Signal(syscall.SIGTERM)
		if sigErr != nil && !errors.Is(sigErr, os.ErrProcessDone) {
			err = multierr.Append(err, fmt.Errorf("signaling child: %w", sigErr))
		}
		go h.killAfterGrace()
	})
	return err
}

func (h *Handle) killAfterGrace() {
	timer := time.NewTimer(h.killGrace)
	defer timer.Stop()
	select {
	case <-h.exited:
	case <-timer.C:
		h.log.Debug("child ignored SIGTERM, killing")
		if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			h.log.Debugf("error killing child: %s", err)
		}
	}
}

var _ io.ReadWriter = (*Handle)(nil)
