package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/guseggert/wsmirror/internal/metrics"
	"github.com/guseggert/wsmirror/pipe"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// fakeChild is an in-memory Child. Each queued output chunk is returned by at most one Read.
type fakeChild struct {
	mut sync.Mutex

	in []byte
	// space is how many more bytes Write accepts, negative for unlimited
	space int
	out   [][]byte
	eof   bool
	dead  bool

	readErr  error
	writeErr error

	reads      int
	writes     int
	terminated int
}

func newFakeChild() *fakeChild {
	return &fakeChild{space: -1}
}

func (c *fakeChild) Read(p []byte) (int, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.reads++
	if c.readErr != nil {
		return 0, c.readErr
	}
	if len(c.out) == 0 {
		if c.eof {
			return 0, io.EOF
		}
		return 0, pipe.ErrWouldBlock
	}
	n := copy(p, c.out[0])
	c.out[0] = c.out[0][n:]
	if len(c.out[0]) == 0 {
		c.out = c.out[1:]
	}
	return n, nil
}

func (c *fakeChild) Write(p []byte) (int, error) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.writes++
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	n := len(p)
	if c.space >= 0 && n > c.space {
		n = c.space
	}
	if c.space >= 0 {
		c.space -= n
	}
	c.in = append(c.in, p[:n]...)
	if n < len(p) {
		return n, pipe.ErrWouldBlock
	}
	return n, nil
}

func (c *fakeChild) Alive() bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return !c.dead
}

func (c *fakeChild) Terminate() error {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.terminated++
	return nil
}

func (c *fakeChild) emit(chunks ...string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	for _, s := range chunks {
		c.out = append(c.out, []byte(s))
	}
}

func (c *fakeChild) received() string {
	c.mut.Lock()
	defer c.mut.Unlock()
	return string(c.in)
}

func (c *fakeChild) ioCount() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.reads + c.writes
}

func (c *fakeChild) terminations() int {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.terminated
}

type fakeTransport struct {
	mut sync.Mutex

	sent    [][]byte
	full    bool
	sendErr error

	closes int
	reason string
}

func (t *fakeTransport) SendMessage(p []byte) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	if t.full {
		return ErrBackpressure
	}
	t.sent = append(t.sent, append([]byte(nil), p...))
	return nil
}

func (t *fakeTransport) CloseConnection(reason string) error {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.closes++
	t.reason = reason
	return nil
}

func (t *fakeTransport) setFull(full bool) {
	t.mut.Lock()
	defer t.mut.Unlock()
	t.full = full
}

func (t *fakeTransport) messages() []string {
	t.mut.Lock()
	defer t.mut.Unlock()
	var msgs []string
	for _, m := range t.sent {
		msgs = append(msgs, string(m))
	}
	return msgs
}

func (t *fakeTransport) closeCount() int {
	t.mut.Lock()
	defer t.mut.Unlock()
	return t.closes
}

func spawnChild(c Child) SpawnFunc {
	return func(ctx context.Context) (Child, error) { return c, nil }
}

func newEstablished(t *testing.T, cfg Config) (*Session, *fakeChild, *fakeTransport) {
	t.Helper()
	child := newFakeChild()
	tr := &fakeTransport{}
	s := NewSession(tr, spawnChild(child), WithConfig(cfg), WithSessionLogger(log))
	require.NoError(t, s.Establish(context.Background()))
	require.Equal(t, StateEstablished, s.State())
	return s, child, tr
}

func TestInboundHello(t *testing.T) {
	s, child, _ := newEstablished(t, Config{})
	require.NoError(t, s.Receive([]byte("hello")))
	assert.Equal(t, "hello", child.received())
}

func TestOutboundWorld(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.emit("world")

	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"world"}, tr.messages())
	assert.Equal(t, StateEstablished, s.State())
}

func TestDrainNothingAvailable(t *testing.T) {
	s, _, tr := newEstablished(t, Config{})

	require.NoError(t, s.Drain())
	assert.Empty(t, tr.messages())
	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, 0, tr.closeCount())
}

func TestChunkBoundariesPreserved(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.emit("a", "bc", "def")

	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"a", "bc", "def"}, tr.messages())
}

func TestLargeOutputIsSplitIntoChunks(t *testing.T) {
	s, child, tr := newEstablished(t, Config{ChunkSize: 4})
	child.emit("abcdefghij")

	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, tr.messages())
}

func TestDrainIsBounded(t *testing.T) {
	s, child, tr := newEstablished(t, Config{MaxDrainChunks: 2})
	child.emit("1", "2", "3", "4", "5")

	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"1", "2"}, tr.messages())

	require.NoError(t, s.Drain())
	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"1", "2", "3", "4", "5"}, tr.messages())
}

func TestChildExitClosesWithinOneTick(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.emit("bye")
	child.mut.Lock()
	child.eof = true
	child.mut.Unlock()

	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"bye"}, tr.messages())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseExited, s.Cause())
	assert.Equal(t, 1, tr.closeCount())
	assert.Equal(t, 1, child.terminations())

	// a transport close arriving afterwards changes nothing
	s.Close(CauseTransport, "")
	require.NoError(t, s.Drain())
	assert.Equal(t, 1, tr.closeCount())
	assert.Equal(t, 1, child.terminations())
	assert.Equal(t, CauseExited, s.Cause())
}

func TestDeadChildWithOpenPipeCloses(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.mut.Lock()
	child.dead = true
	child.mut.Unlock()

	require.NoError(t, s.Drain())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, 1, tr.closeCount())
}

func TestSpawnFailureClosesWithoutIO(t *testing.T) {
	m := metrics.New()
	tr := &fakeTransport{}
	spawnErr := errors.New("no such file")
	s := NewSession(tr, func(ctx context.Context) (Child, error) {
		return nil, spawnErr
	}, WithSessionMetrics(m))

	err := s.Establish(context.Background())
	require.ErrorIs(t, err, spawnErr)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseSpawn, s.Cause())
	assert.Equal(t, 1, tr.closeCount())
	assert.Empty(t, tr.messages())

	assert.ErrorIs(t, s.Receive([]byte("x")), ErrClosed)
	require.NoError(t, s.Drain())
	assert.Empty(t, tr.messages())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.SpawnFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
}

func TestEstablishTwice(t *testing.T) {
	s, _, _ := newEstablished(t, Config{})
	assert.Error(t, s.Establish(context.Background()))
}

func TestReceiveBeforeEstablishIsQueued(t *testing.T) {
	child := newFakeChild()
	s := NewSession(&fakeTransport{}, spawnChild(child))

	require.NoError(t, s.Receive([]byte("early ")))
	assert.Equal(t, "", child.received())

	require.NoError(t, s.Establish(context.Background()))
	require.NoError(t, s.Receive([]byte("late")))
	assert.Equal(t, "early late", child.received())
}

func TestShortWriteIsRetried(t *testing.T) {
	s, child, _ := newEstablished(t, Config{})
	child.mut.Lock()
	child.space = 3
	child.mut.Unlock()

	require.NoError(t, s.Receive([]byte("hello")))
	require.NoError(t, s.Receive([]byte(" world")))
	assert.Equal(t, "hel", child.received())

	child.mut.Lock()
	child.space = -1
	child.mut.Unlock()
	require.NoError(t, s.Drain())
	assert.Equal(t, "hello world", child.received())
}

func TestInboundBackpressureRejectsNewest(t *testing.T) {
	m := metrics.New()
	child := newFakeChild()
	child.space = 0
	tr := &fakeTransport{}
	s := NewSession(tr, spawnChild(child), WithConfig(Config{InboundQueueBytes: 8}), WithSessionMetrics(m))
	require.NoError(t, s.Establish(context.Background()))

	require.NoError(t, s.Receive([]byte("12345")))
	assert.ErrorIs(t, s.Receive([]byte("6789")), ErrBackpressure)
	require.NoError(t, s.Receive([]byte("678")))
	assert.Equal(t, StateEstablished, s.State())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BackpressureHits.WithLabelValues(metrics.DirectionInbound)))

	child.mut.Lock()
	child.space = -1
	child.mut.Unlock()
	require.NoError(t, s.Drain())
	assert.Equal(t, "12345678", child.received())
	assert.Equal(t, 0, tr.closeCount())
}

func TestChildClosedInput(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.mut.Lock()
	child.writeErr = pipe.ErrPeerClosed
	child.mut.Unlock()

	require.NoError(t, s.Receive([]byte("ignored")))
	assert.ErrorIs(t, s.Receive([]byte("more")), ErrInputClosed)
	assert.Equal(t, StateEstablished, s.State())

	// output still flows
	child.emit("still here")
	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"still here"}, tr.messages())
}

func TestWriteErrorClosesSession(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.mut.Lock()
	child.writeErr = &pipe.Error{Op: "write", Err: io.ErrUnexpectedEOF}
	child.mut.Unlock()

	err := s.Receive([]byte("x"))
	var pipeErr *pipe.Error
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseError, s.Cause())
	assert.Equal(t, 1, tr.closeCount())
}

func TestReadErrorClosesSession(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.mut.Lock()
	child.readErr = &pipe.Error{Op: "read", Err: io.ErrUnexpectedEOF}
	child.mut.Unlock()

	err := s.Drain()
	require.Error(t, err)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseError, s.Cause())
	assert.Equal(t, 1, tr.closeCount())
	assert.Equal(t, 1, child.terminations())
}

func TestOutboundBackpressureHoldsChunk(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.emit("one", "two", "three")
	tr.setFull(true)

	require.NoError(t, s.Drain())
	assert.Empty(t, tr.messages())

	// nothing more is read while a chunk is held
	child.mut.Lock()
	assert.Len(t, child.out, 2)
	child.mut.Unlock()

	require.NoError(t, s.Drain())
	assert.Empty(t, tr.messages())

	tr.setFull(false)
	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"one", "two", "three"}, tr.messages())
	assert.Equal(t, StateEstablished, s.State())
}

func TestHeldChunkIsCopied(t *testing.T) {
	s, child, tr := newEstablished(t, Config{ChunkSize: 4})
	child.emit("abcd", "efgh")
	tr.setFull(true)
	require.NoError(t, s.Drain())

	// the frame buffer is reused by the next read, the held chunk must survive it
	tr.setFull(false)
	require.NoError(t, s.Drain())
	assert.Equal(t, []string{"abcd", "efgh"}, tr.messages())
}

func TestTransportSendErrorClosesWithoutCloseConnection(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})
	child.emit("x")
	tr.sendErr = errors.New("connection reset")

	err := s.Drain()
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "send", transportErr.Op)
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseTransport, s.Cause())
	assert.Equal(t, 0, tr.closeCount())
	assert.Equal(t, 1, child.terminations())
}

func TestCloseIdempotent(t *testing.T) {
	s, child, tr := newEstablished(t, Config{})

	s.Close(CauseShutdown, "bye")
	s.Close(CauseShutdown, "bye")
	s.Close(CauseExited, "again")

	assert.Equal(t, 1, tr.closeCount())
	assert.Equal(t, "bye", tr.reason)
	assert.Equal(t, 1, child.terminations())
	assert.Equal(t, CauseShutdown, s.Cause())
	select {
	case <-s.Done():
	default:
		t.Fatal("Done not closed")
	}

	before := child.ioCount()
	assert.ErrorIs(t, s.Receive([]byte("x")), ErrClosed)
	require.NoError(t, s.Drain())
	assert.Equal(t, before, child.ioCount())
}

func TestCloseTest(t *testing.T) {
	s, _, tr := newEstablished(t, Config{CloseAfterTicks: 3})

	require.NoError(t, s.Drain())
	require.NoError(t, s.Drain())
	assert.Equal(t, StateEstablished, s.State())

	require.NoError(t, s.Drain())
	assert.Equal(t, StateClosed, s.State())
	assert.Equal(t, CauseCloseTest, s.Cause())
	assert.Equal(t, 1, tr.closeCount())
}

func TestSessionMetrics(t *testing.T) {
	m := metrics.New()
	child := newFakeChild()
	tr := &fakeTransport{}
	s := NewSession(tr, spawnChild(child), WithSessionMetrics(m))
	require.NoError(t, s.Establish(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	require.NoError(t, s.Receive([]byte("abc")))
	child.emit("defg")
	require.NoError(t, s.Drain())
	s.Close(CauseTransport, "")

	assert.Equal(t, 3.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues(metrics.DirectionInbound)))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.BytesTotal.WithLabelValues(metrics.DirectionOutbound)))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ClosesTotal.WithLabelValues(string(CauseTransport))))
}

func TestSessionIDs(t *testing.T) {
	a := NewSession(&fakeTransport{}, spawnChild(newFakeChild()))
	b := NewSession(&fakeTransport{}, spawnChild(newFakeChild()))
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Len(t, a.ID(), 36)

	c := NewSession(&fakeTransport{}, spawnChild(newFakeChild()), WithID("fixed"))
	assert.Equal(t, "fixed", c.ID())
	assert.Equal(t, Cause(""), c.Cause())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "created", StateCreated.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.True(t, strings.HasPrefix(State(9).String(), "State("))
}

func TestFrameBuffer(t *testing.T) {
	f := NewFrameBuffer(1024)
	p := f.Payload()
	assert.Equal(t, 1024, len(p))
	assert.Equal(t, 1024, cap(p))
	assert.Equal(t, 1024, f.Cap())

	// appending past the payload must not scribble over the tailroom
	p[0] = 'a'
	grown := append(p, 'x')
	grown[0] = 'b'
	assert.Equal(t, byte('a'), f.Payload()[0])
}
