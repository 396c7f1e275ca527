package relay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/guseggert/wsmirror/internal/metrics"
	"github.com/guseggert/wsmirror/pipe"
	"go.uber.org/zap"
)

type State int32

const (
	StateCreated State = iota
	StateEstablished
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateEstablished:
		return "established"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Cause records why a session closed.
type Cause string

const (
	CauseTransport Cause = "transport"
	CauseExited    Cause = "exited"
	CauseError     Cause = "error"
	CauseSpawn     Cause = "spawn"
	CauseCloseTest Cause = "closetest"
	CauseShutdown  Cause = "shutdown"
)

// Child is the byte-stream side of a session, normally a *process.Handle.
// Read and Write must not block: they report pipe.ErrWouldBlock instead.
// Read returns io.EOF once the child's output is closed.
// Write reports pipe.ErrPeerClosed once the child's input is closed.
type Child interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Alive() bool
	Terminate() error
}

// SpawnFunc creates the child for a session.
type SpawnFunc func(ctx context.Context) (Child, error)

// Transport is the message side of a session, owned by the transport layer.
type Transport interface {
	// SendMessage queues p as one outbound message. It must not block and must not retain p.
	// It returns ErrBackpressure when its queue is full.
	SendMessage(p []byte) error
	// CloseConnection closes the connection after flushing queued messages.
	CloseConnection(reason string) error
}

// Session relays between one Transport and one Child.
type Session struct {
	id        string
	log       *zap.SugaredLogger
	cfg       Config
	metrics   *metrics.Metrics
	transport Transport
	spawn     SpawnFunc

	state atomic.Int32
	child Child
	frame *FrameBuffer

	// inbound holds bytes the child hasn't accepted yet
	inbound     bytes.Buffer
	inputClosed bool
	// held is an outbound chunk the transport pushed back on
	held  []byte
	ticks int

	opened    bool
	cause     Cause
	closeOnce sync.Once
	done      chan struct{}
}

type SessionOption func(s *Session)

func WithSessionLogger(l *zap.SugaredLogger) SessionOption {
	return func(s *Session) {
		s.log = l
	}
}

func WithConfig(cfg Config) SessionOption {
	return func(s *Session) {
		s.cfg = cfg
	}
}

func WithSessionMetrics(m *metrics.Metrics) SessionOption {
	return func(s *Session) {
		s.metrics = m
	}
}

func WithID(id string) SessionOption {
	return func(s *Session) {
		s.id = id
	}
}

func NewSession(t Transport, spawn SpawnFunc, opts ...SessionOption) *Session {
	s := &Session{
		id:        uuid.NewString(),
		log:       zap.NewNop().Sugar(),
		transport: t,
		spawn:     spawn,
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.frame = NewFrameBuffer(s.cfg.ChunkSize)
	s.log = s.log.With("Session", s.id)
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

// Done is closed once the session is closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Cause returns why the session closed. It is only meaningful after Done is closed.
func (s *Session) Cause() Cause {
	select {
	case <-s.done:
		return s.cause
	default:
		return ""
	}
}

// Establish spawns the child. If that fails the session goes straight to Closed, the connection is closed,
// and the spawn error is returned.
func (s *Session) Establish(ctx context.Context) error {
	if !s.state.CompareAndSwap(int32(StateCreated), int32(StateEstablished)) {
		return fmt.Errorf("establishing session in state %s", s.State())
	}

	child, err := s.spawn(ctx)
	if err != nil {
		s.log.Warnw("unable to spawn child", "Error", err)
		s.metrics.SpawnFailed()
		s.Close(CauseSpawn, "unable to start subprocess")
		return err
	}
	s.child = child
	s.opened = true
	s.metrics.SessionOpened()
	s.log.Debug("session established")

	// input that arrived before the child existed
	return s.flushInbound()
}

// Receive queues an inbound message for the child's stdin and writes as much of the queue as the child accepts.
// A message that would overflow the queue is rejected whole with ErrBackpressure.
func (s *Session) Receive(msg []byte) error {
	if s.State() == StateClosed {
		return ErrClosed
	}
	if s.inputClosed {
		s.log.Debugf("discarding %d bytes, child input is closed", len(msg))
		return ErrInputClosed
	}
	if s.inbound.Len()+len(msg) > s.cfg.InboundQueueBytes {
		s.metrics.Backpressure(metrics.DirectionInbound)
		s.log.Warnw("rejecting inbound message, input queue full", "Bytes", len(msg), "Queued", s.inbound.Len())
		return ErrBackpressure
	}

	s.metrics.Relayed(metrics.DirectionInbound, len(msg))
	s.inbound.Write(msg)
	return s.flushInbound()
}

func (s *Session) flushInbound() error {
	if s.child == nil || s.inbound.Len() == 0 {
		return nil
	}

	n, err := s.child.Write(s.inbound.Bytes())
	s.inbound.Next(n)
	switch {
	case err == nil, errors.Is(err, pipe.ErrWouldBlock):
		if s.inbound.Len() > 0 {
			s.log.Debugf("child accepted %d bytes, %d queued", n, s.inbound.Len())
		}
		return nil
	case errors.Is(err, pipe.ErrPeerClosed):
		s.log.Debugf("child closed its input, discarding %d queued bytes", s.inbound.Len())
		s.inbound.Reset()
		s.inputClosed = true
		return nil
	default:
		s.Close(CauseError, "subprocess pipe error")
		return fmt.Errorf("writing to child: %w", err)
	}
}

// Drain runs one tick: it retries queued input, then forwards the child's available output, one message per chunk,
// up to Config.MaxDrainChunks messages. It closes the session if the child is gone.
// Errors are fatal to this session only; the session is already closed when one is returned.
func (s *Session) Drain() error {
	if !s.state.CompareAndSwap(int32(StateEstablished), int32(StateDraining)) {
		return nil
	}
	defer s.state.CompareAndSwap(int32(StateDraining), int32(StateEstablished))

	if err := s.flushInbound(); err != nil {
		return err
	}

	s.ticks++
	if s.cfg.CloseAfterTicks > 0 && s.ticks >= s.cfg.CloseAfterTicks {
		s.Close(CauseCloseTest, "close test")
		return nil
	}

	if s.held != nil {
		sent, err := s.send(s.held)
		if err != nil || !sent {
			return err
		}
		s.held = nil
	}

	payload := s.frame.Payload()
	for i := 0; i < s.cfg.MaxDrainChunks; i++ {
		n, err := s.child.Read(payload)
		if n > 0 {
			sent, sendErr := s.send(payload[:n])
			if sendErr != nil {
				return sendErr
			}
			if !sent {
				s.held = append([]byte(nil), payload[:n]...)
				return nil
			}
		}

		switch {
		case err == nil && n > 0:
			continue
		case err == nil, errors.Is(err, pipe.ErrWouldBlock):
			if !s.child.Alive() {
				s.Close(CauseExited, "subprocess exited")
			}
			return nil
		case errors.Is(err, io.EOF):
			s.Close(CauseExited, "subprocess exited")
			return nil
		default:
			s.Close(CauseError, "subprocess pipe error")
			return fmt.Errorf("reading from child: %w", err)
		}
	}
	return nil
}

// send reports false if the transport pushed back.
func (s *Session) send(p []byte) (bool, error) {
	err := s.transport.SendMessage(p)
	switch {
	case err == nil:
		s.metrics.Relayed(metrics.DirectionOutbound, len(p))
		return true, nil
	case errors.Is(err, ErrBackpressure):
		s.metrics.Backpressure(metrics.DirectionOutbound)
		s.log.Debugf("transport is full, holding %d bytes", len(p))
		return false, nil
	default:
		s.Close(CauseTransport, "")
		var transportErr *TransportError
		if errors.As(err, &transportErr) {
			return false, err
		}
		return false, &TransportError{Op: "send", Err: err}
	}
}

// Close terminates the child and, unless the transport is what closed, closes the connection.
// Only the first call has any effect.
func (s *Session) Close(cause Cause, reason string) {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.cause = cause
		s.held = nil
		s.inbound.Reset()

		if s.child != nil {
			if err := s.child.Terminate(); err != nil {
				s.log.Debugf("error terminating child: %s", err)
			}
		}
		if cause != CauseTransport {
			if err := s.transport.CloseConnection(reason); err != nil {
				s.log.Debugf("error closing connection: %s", err)
			}
		}
		if s.opened {
			s.metrics.SessionClosed(string(cause))
		}

		s.log.Infow("session closed", "Cause", cause, "Reason", reason)
		close(s.done)
	})
}
