package server

import (
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/guseggert/wsmirror/internal/metrics"
	"github.com/guseggert/wsmirror/process"
	"github.com/guseggert/wsmirror/relay"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultCommand is the child each connection is mirrored to unless configured otherwise.
var DefaultCommand = []string{"nc", "-l", "-p", "2000"}

//go:embed static/test.html
var static embed.FS

// Server serves the mirror endpoint, its test page, status and metrics.
type Server struct {
	logger *zap.SugaredLogger

	listenAddr   string
	tlsConfig    *tls.Config
	resourcePath string
	command      []string
	manager      *process.Manager

	sessionConfig relay.Config
	tickInterval  time.Duration
	outboundQueue int
	binary        bool

	metrics *metrics.Metrics
	driver  *relay.Driver
	mirror  *Mirror

	startedAt time.Time

	mut        sync.Mutex
	listener   net.Listener
	httpServer *http.Server
	cancel     context.CancelFunc
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l.Named("server").Sugar()
	}
}

// WithTLSConfig serves HTTPS and WSS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

// WithResourcePath serves test.html and favicon.ico from dir instead of the embedded page.
func WithResourcePath(dir string) Option {
	return func(s *Server) {
		s.resourcePath = dir
	}
}

// WithCommand sets the child every connection is mirrored to.
func WithCommand(command string, args ...string) Option {
	return func(s *Server) {
		s.command = append([]string{command}, args...)
	}
}

func WithProcessManager(m *process.Manager) Option {
	return func(s *Server) {
		s.manager = m
	}
}

func WithSessionConfig(cfg relay.Config) Option {
	return func(s *Server) {
		s.sessionConfig = cfg
	}
}

func WithTickInterval(d time.Duration) Option {
	return func(s *Server) {
		s.tickInterval = d
	}
}

func WithOutboundQueue(n int) Option {
	return func(s *Server) {
		s.outboundQueue = n
	}
}

func WithBinary(binary bool) Option {
	return func(s *Server) {
		s.binary = binary
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	s := &Server{
		logger:       logger.Named("server").Sugar(),
		listenAddr:   "0.0.0.0:7681",
		command:      DefaultCommand,
		tickInterval: relay.DefaultTickInterval,
	}
	for _, o := range opts {
		o(s)
	}
	if len(s.command) == 0 || s.command[0] == "" {
		return nil, errors.New("no command to mirror")
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.manager == nil {
		s.manager = &process.Manager{}
	}
	if s.manager.Log == nil {
		s.manager.Log = s.logger.Named("process")
	}

	s.driver = relay.NewDriver(
		relay.WithTickInterval(s.tickInterval),
		relay.WithDriverLogger(s.logger.Named("driver")),
		relay.WithDriverMetrics(s.metrics),
	)
	command, args := s.command[0], s.command[1:]
	s.mirror = &Mirror{
		Log:    s.logger.Named("mirror"),
		Driver: s.driver,
		Spawn: func(ctx context.Context) (relay.Child, error) {
			h, err := s.manager.Spawn(ctx, command, args...)
			if err != nil {
				return nil, err
			}
			return h, nil
		},
		Config:        s.sessionConfig,
		Metrics:       s.metrics,
		OutboundQueue: s.outboundQueue,
		Binary:        s.binary,
	}
	return s, nil
}

// Listen binds the listen address. Run calls it if it hasn't been called.
func (s *Server) Listen() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener != nil {
		return nil
	}
	l, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.listener = l
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// URL returns the mirror endpoint's URL, or "" before Listen.
func (s *Server) URL() string {
	addr := s.Addr()
	if addr == nil {
		return ""
	}
	scheme := "ws"
	if s.tlsConfig != nil {
		scheme = "wss"
	}
	host := addr.String()
	if tcpAddr, ok := addr.(*net.TCPAddr); ok && tcpAddr.IP.IsUnspecified() {
		host = net.JoinHostPort("localhost", fmt.Sprint(tcpAddr.Port))
	}
	return scheme + "://" + host + "/"
}

func (s *Server) router() http.Handler {
	router := httprouter.New()
	router.GET("/", s.root)
	router.GET("/favicon.ico", s.favicon)
	router.GET("/status", s.status)
	router.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	return router
}

// Run serves until ctx is done or Stop is called, then closes every session.
func (s *Server) Run(ctx context.Context) error {
	err := s.Listen()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mut.Lock()
	s.startedAt = time.Now()
	s.cancel = cancel
	s.httpServer = &http.Server{
		Handler: s.router(),
		ConnState: func(c net.Conn, state http.ConnState) {
			if state == http.StateNew {
				s.logger.Debugw("accepted connection", "Remote", c.RemoteAddr())
			}
		},
	}
	httpServer := s.httpServer
	listener := s.listener
	s.mut.Unlock()

	s.logger.Infow("serving", "Addr", listener.Addr(), "TLS", s.tlsConfig != nil, "Command", s.command)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.driver.Run(groupCtx)
	})
	group.Go(func() error {
		defer cancel()
		err := httpServer.Serve(listener)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-groupCtx.Done()
		return httpServer.Close()
	})
	return group.Wait()
}

// Stop stops a running server.
func (s *Server) Stop() error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.cancel == nil {
		return errors.New("server is not running")
	}
	s.cancel()
	return nil
}

// Sessions returns the number of live mirror sessions.
func (s *Server) Sessions() int { return s.driver.Len() }

func (s *Server) root(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		s.mirror.ServeHTTP(w, r)
		return
	}
	s.serveResource(w, r, "test.html", "text/html; charset=utf-8")
}

func (s *Server) favicon(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	if s.resourcePath == "" {
		http.NotFound(w, r)
		return
	}
	s.serveResource(w, r, "favicon.ico", "image/x-icon")
}

func (s *Server) serveResource(w http.ResponseWriter, r *http.Request, name, contentType string) {
	var (
		b   []byte
		err error
	)
	if s.resourcePath != "" {
		b, err = os.ReadFile(filepath.Join(s.resourcePath, name))
	} else {
		b, err = static.ReadFile("static/" + name)
	}
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.NotFound(w, r)
			return
		}
		s.logger.Debugf("error reading %s: %s", name, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentType)
	_, err = w.Write(b)
	if err != nil {
		s.logger.Debugf("error sending %s: %s", name, err)
	}
}

type StatusResponse struct {
	Sessions  int
	StartedAt string
}

func (s *Server) status(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.mut.Lock()
	startedAt := s.startedAt
	s.mut.Unlock()

	response := StatusResponse{
		Sessions:  s.driver.Len(),
		StartedAt: startedAt.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		s.logger.Debugf("error marshaling status response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}
