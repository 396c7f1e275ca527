package relay

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/guseggert/wsmirror/internal/metrics"
	"go.uber.org/zap"
)

type eventKind int

const (
	eventRegister eventKind = iota
	eventReceive
	eventDisconnect
)

type event struct {
	kind    eventKind
	session *Session
	msg     []byte
	result  chan error
}

// Driver runs sessions on a single event loop and drains them on every tick.
type Driver struct {
	log          *zap.SugaredLogger
	metrics      *metrics.Metrics
	tickInterval time.Duration

	events chan event
	done   chan struct{}
	active atomic.Int64

	// owned by the Run goroutine
	sessions []*Session
	members  map[*Session]bool
}

type DriverOption func(d *Driver)

func WithTickInterval(interval time.Duration) DriverOption {
	return func(d *Driver) {
		d.tickInterval = interval
	}
}

func WithDriverLogger(l *zap.SugaredLogger) DriverOption {
	return func(d *Driver) {
		d.log = l
	}
}

func WithDriverMetrics(m *metrics.Metrics) DriverOption {
	return func(d *Driver) {
		d.metrics = m
	}
}

func NewDriver(opts ...DriverOption) *Driver {
	d := &Driver{
		log:          zap.NewNop().Sugar(),
		tickInterval: DefaultTickInterval,
		events:       make(chan event),
		done:         make(chan struct{}),
		members:      map[*Session]bool{},
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Len returns the number of live sessions.
func (d *Driver) Len() int { return int(d.active.Load()) }

// Run processes events until ctx is done, then closes every live session.
func (d *Driver) Run(ctx context.Context) error {
	defer close(d.done)

	var ticker *time.Ticker
	var tickC <-chan time.Time
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			tickC = nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil
		case ev := <-d.events:
			d.handle(ev)
		case <-tickC:
			d.tick()
		}

		d.sweep()
		switch {
		case len(d.sessions) > 0 && ticker == nil:
			d.log.Debugf("starting ticker, interval %s", d.tickInterval)
			ticker = time.NewTicker(d.tickInterval)
			tickC = ticker.C
		case len(d.sessions) == 0 && ticker != nil:
			d.log.Debug("no sessions left, stopping ticker")
			stopTicker()
		}
	}
}

func (d *Driver) handle(ev event) {
	var err error
	switch ev.kind {
	case eventRegister:
		if ev.session.State() == StateClosed {
			err = ErrClosed
			break
		}
		d.members[ev.session] = true
		d.sessions = append(d.sessions, ev.session)
		d.active.Add(1)
		d.log.Debugw("registered session", "Session", ev.session.ID())
	case eventReceive:
		if !d.members[ev.session] {
			err = ErrClosed
			break
		}
		err = ev.session.Receive(ev.msg)
	case eventDisconnect:
		if d.members[ev.session] {
			ev.session.Close(CauseTransport, "")
		}
	}
	if ev.result != nil {
		ev.result <- err
	}
}

func (d *Driver) tick() {
	d.metrics.Tick()
	for _, s := range d.sessions {
		if err := s.Drain(); err != nil {
			d.log.Warnw("session failed", "Session", s.ID(), "Error", err)
		}
	}
}

// sweep drops closed sessions, preserving registration order.
func (d *Driver) sweep() {
	live := d.sessions[:0]
	for _, s := range d.sessions {
		if s.State() == StateClosed {
			delete(d.members, s)
			d.active.Add(-1)
			continue
		}
		live = append(live, s)
	}
	for i := len(live); i < len(d.sessions); i++ {
		d.sessions[i] = nil
	}
	d.sessions = live
}

func (d *Driver) shutdown() {
	d.log.Debugf("shutting down %d sessions", len(d.sessions))
	for _, s := range d.sessions {
		s.Close(CauseShutdown, "server shutting down")
	}
	d.sweep()
}

func (d *Driver) post(ctx context.Context, ev event) error {
	ev.result = make(chan error, 1)
	select {
	case d.events <- ev:
	case <-d.done:
		return ErrDriverStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	// the loop always replies once it has taken the event
	return <-ev.result
}

// Establish spawns the session's child on the calling goroutine, then registers the session with the loop.
// On a spawn failure the session is already closed and the error is returned.
func (d *Driver) Establish(ctx context.Context, s *Session) error {
	if err := s.Establish(ctx); err != nil {
		return err
	}
	err := d.post(ctx, event{kind: eventRegister, session: s})
	if err != nil {
		s.Close(CauseShutdown, "server shutting down")
	}
	return err
}

// Receive delivers one inbound message to the session and returns the session's verdict on it.
func (d *Driver) Receive(ctx context.Context, s *Session, msg []byte) error {
	return d.post(ctx, event{kind: eventReceive, session: s, msg: msg})
}

// Disconnect tells the loop the session's transport is gone.
func (d *Driver) Disconnect(s *Session) error {
	return d.post(context.Background(), event{kind: eventDisconnect, session: s})
}
