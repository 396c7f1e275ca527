package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	readLimit = 32768
	// inputChunk is how much of the input Pipe sends per message.
	inputChunk = 1024
)

var errSend = errors.New("sending input failed")

// Mirror is an open mirror connection. Send and Receive may be used concurrently with each other.
type Mirror struct {
	log     *zap.SugaredLogger
	conn    *websocket.Conn
	msgType websocket.MessageType
}

// Send sends p to the child's stdin as one message.
func (m *Mirror) Send(ctx context.Context, p []byte) error {
	return m.conn.Write(ctx, m.msgType, p)
}

// Receive returns the next message of the child's output.
// Once the server closes the connection it returns io.EOF for a normal closure, or the close error.
func (m *Mirror) Receive(ctx context.Context) ([]byte, error) {
	_, b, err := m.conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return nil, io.EOF
		}
		return nil, err
	}
	return b, nil
}

func (m *Mirror) Close() error {
	return m.conn.Close(websocket.StatusNormalClosure, "")
}

// Pipe sends r to the child and writes the child's output to w until the server closes the connection.
// Reaching the end of r doesn't end the session: the child may still produce output.
func (m *Mirror) Pipe(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	inErr := make(chan error, 1)
	outErr := make(chan error, 1)
	go func() { inErr <- m.copyIn(ctx, r) }()
	go func() { outErr <- m.copyOut(ctx, w) }()

	for {
		select {
		case err := <-inErr:
			if errors.Is(err, errSend) {
				// the read side reports why the connection went away
				return <-outErr
			}
			if err != nil {
				m.conn.Close(websocket.StatusInternalError, "input error")
				return err
			}
			m.log.Debug("input done")
			inErr = nil
		case err := <-outErr:
			return err
		}
	}
}

func (m *Mirror) copyIn(ctx context.Context, r io.Reader) error {
	buf := make([]byte, inputChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			sendErr := m.Send(ctx, buf[:n])
			if sendErr != nil {
				m.log.Debugf("error sending input: %s", sendErr)
				return errSend
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
	}
}

func (m *Mirror) copyOut(ctx context.Context, w io.Writer) error {
	for {
		b, err := m.Receive(ctx)
		if errors.Is(err, io.EOF) {
			m.log.Debug("server closed the connection")
			return nil
		}
		if err != nil {
			return fmt.Errorf("receiving output: %w", err)
		}
		_, err = w.Write(b)
		if err != nil {
			return fmt.Errorf("writing output: %w", err)
		}
	}
}
