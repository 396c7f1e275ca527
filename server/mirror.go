package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/wsmirror/internal/metrics"
	"github.com/guseggert/wsmirror/relay"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Subprotocol is the WebSocket subprotocol a client must negotiate to be mirrored.
const Subprotocol = "netcat-protocol"

const (
	// DefaultOutboundQueue bounds the messages waiting to be written to one connection.
	DefaultOutboundQueue = 64

	// maxCloseReason is under the 123 byte limit of a close frame reason.
	maxCloseReason = 100

	writeTimeout = 10 * time.Second
)

// Mirror is the WebSocket handler that relays each connection to its own child process.
type Mirror struct {
	Log     *zap.SugaredLogger
	Driver  *relay.Driver
	Spawn   relay.SpawnFunc
	Config  relay.Config
	Metrics *metrics.Metrics
	// OutboundQueue overrides DefaultOutboundQueue.
	OutboundQueue int
	// Binary sends the child's output as binary messages instead of text.
	Binary bool
}

func (m *Mirror) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	log := m.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	for name, values := range r.Header {
		log.Debugw("handshake header", "Name", name, "Values", values)
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:    []string{Subprotocol},
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	if conn.Subprotocol() != Subprotocol {
		log.Debugw("rejecting conn without subprotocol", "Remote", r.RemoteAddr, "Requested", r.Header.Values("Sec-WebSocket-Protocol"))
		conn.Close(websocket.StatusPolicyViolation, "the "+Subprotocol+" subprotocol is required")
		return
	}

	cfg := m.Config
	if cfg.InboundQueueBytes <= 0 {
		cfg.InboundQueueBytes = relay.DefaultInboundQueueBytes
	}
	// a message that can never fit in the inbound queue is a protocol error
	conn.SetReadLimit(int64(cfg.InboundQueueBytes))

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	msgType := websocket.MessageText
	if m.Binary {
		msgType = websocket.MessageBinary
	}
	queueLen := m.OutboundQueue
	if queueLen <= 0 {
		queueLen = DefaultOutboundQueue
	}
	transport := newWSTransport(ctx, log.Named("transport"), conn, msgType, queueLen)
	go transport.writeLoop()

	session := relay.NewSession(transport, m.Spawn,
		relay.WithConfig(cfg),
		relay.WithSessionLogger(log),
		relay.WithSessionMetrics(m.Metrics),
	)
	log = log.With("Session", session.ID())
	log.Infow("accepted mirror conn", "Remote", r.RemoteAddr)

	err = m.Driver.Establish(ctx, session)
	if err != nil {
		log.Infow("unable to establish session", "Error", err)
		<-transport.done
		return
	}

	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				log.Debug("got normal closure from client")
			case -1:
				log.Debugf("read error: %s", err)
			default:
				log.Debugf("conn closed: %s", err)
			}
			break
		}

		err = m.Driver.Receive(ctx, session, msg)
		switch {
		case err == nil:
		case errors.Is(err, relay.ErrBackpressure):
			log.Debugf("dropped inbound message of %d bytes", len(msg))
		case errors.Is(err, relay.ErrInputClosed), errors.Is(err, relay.ErrClosed):
			log.Debugf("discarded inbound message: %s", err)
		default:
			log.Debugf("unable to deliver inbound message: %s", err)
		}
		if errors.Is(err, relay.ErrDriverStopped) || errors.Is(err, context.Canceled) {
			break
		}
	}

	err = m.Driver.Disconnect(session)
	if err != nil && !errors.Is(err, relay.ErrDriverStopped) {
		log.Debugf("error disconnecting session: %s", err)
	}
	cancel()
	<-transport.done
}

// wsTransport implements relay.Transport. Messages are queued and written by a single writer goroutine.
type wsTransport struct {
	log     *zap.SugaredLogger
	ctx     context.Context
	conn    *websocket.Conn
	msgType websocket.MessageType

	out chan []byte

	closeOnce sync.Once
	closing   chan struct{}
	reason    string

	done   chan struct{}
	errMut sync.Mutex
	err    error
}

func newWSTransport(ctx context.Context, log *zap.SugaredLogger, conn *websocket.Conn, msgType websocket.MessageType, queueLen int) *wsTransport {
	return &wsTransport{
		log:     log,
		ctx:     ctx,
		conn:    conn,
		msgType: msgType,
		out:     make(chan []byte, queueLen),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (t *wsTransport) SendMessage(p []byte) error {
	select {
	case <-t.done:
		return &relay.TransportError{Op: "send", Err: t.writeErr()}
	case <-t.closing:
		return &relay.TransportError{Op: "send", Err: net.ErrClosed}
	default:
	}

	b := make([]byte, len(p))
	copy(b, p)
	select {
	case t.out <- b:
		return nil
	default:
		return relay.ErrBackpressure
	}
}

// CloseConnection starts a normal closure once queued messages are written. It doesn't wait for it.
func (t *wsTransport) CloseConnection(reason string) error {
	t.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		t.reason = reason
		close(t.closing)
	})
	return nil
}

func (t *wsTransport) writeErr() error {
	t.errMut.Lock()
	defer t.errMut.Unlock()
	if t.err == nil {
		return net.ErrClosed
	}
	return t.err
}

func (t *wsTransport) write(p []byte) bool {
	ctx, cancel := context.WithTimeout(t.ctx, writeTimeout)
	defer cancel()
	err := t.conn.Write(ctx, t.msgType, p)
	if err != nil {
		t.log.Debugf("write error: %s", err)
		t.errMut.Lock()
		t.err = err
		t.errMut.Unlock()
		return false
	}
	return true
}

func (t *wsTransport) writeLoop() {
	defer close(t.done)
	for {
		select {
		case <-t.ctx.Done():
			return
		case p := <-t.out:
			if !t.write(p) {
				return
			}
		case <-t.closing:
			t.flush()
			t.log.Debugw("closing conn", "Reason", t.reason)
			err := t.conn.Close(websocket.StatusNormalClosure, t.reason)
			if err != nil {
				t.log.Debugf("error closing conn: %s", err)
			}
			return
		}
	}
}

func (t *wsTransport) flush() {
	for {
		select {
		case p := <-t.out:
			if !t.write(p) {
				return
			}
		default:
			return
		}
	}
}
