package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatrelay/auth"
	"chatrelay/blob"
	"chatrelay/db"
	"chatrelay/gateway"
	"chatrelay/metrics"
	"chatrelay/presence"
	"chatrelay/query"
	"chatrelay/router"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type Server struct {
	db       *db.DB
	blobs    *blob.Store
	config   *ServerConfig
	tracker  *presence.Tracker
	router   *router.Router
	gateway  *gateway.Gateway
	auth     *auth.Service
	query    *query.Service
	metrics  *metrics.Metrics
	log      *zap.Logger
	upgrader websocket.Upgrader
	httpSrv  *http.Server

	// ctx outlives every connection; cancelled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conns   map[string]*wsConn
	closing bool
	// handlers counts running handleWS calls; Shutdown waits for them so
	// disconnect bookkeeping finishes before the stores close.
	handlers sync.WaitGroup

	shutdownOnce sync.Once
	done         chan struct{}
	started      time.Time
}

type ServerConfig struct {
	Addr            string
	ReadTimeout     time.Duration // pong wait on the event channel
	WriteTimeout    time.Duration
	PingInterval    time.Duration
	ShutdownTimeout time.Duration
	SendQueue       int
	AllowedOrigins  []string
	MaxUpload       int64
	Delivery        router.Policy
	Gateway         gateway.Options
	DeriveUsers     bool
}

func New(database *db.DB, blobs *blob.Store, tokens *auth.Tokens, config *ServerConfig, log *zap.Logger, m *metrics.Metrics) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	if config.SendQueue <= 0 {
		config.SendQueue = 256
	}
	if config.PingInterval <= 0 {
		config.PingInterval = 25 * time.Second
	}
	if config.ReadTimeout <= config.PingInterval {
		config.ReadTimeout = config.PingInterval * 2
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	tracker := presence.NewTracker(database, log)
	rt := router.New(tracker, config.Delivery, log, m)

	s := &Server{
		db:      database,
		blobs:   blobs,
		config:  config,
		tracker: tracker,
		router:  rt,
		auth:    auth.NewService(database, tokens),
		query:   query.New(database, tracker, config.DeriveUsers),
		metrics: m,
		log:     log,
		ctx:     ctx,
		cancel:  cancel,
		conns:   make(map[string]*wsConn),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	var verifier gateway.TokenVerifier
	if tokens.Enabled() {
		verifier = tokens
	}
	s.gateway = gateway.New(ctx, gateway.Deps{
		Store:   database,
		Tracker: tracker,
		Router:  rt,
		Tokens:  verifier,
		Log:     log,
		Metrics: m,
	}, config.Gateway)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.httpSrv = &http.Server{
		Addr:              config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	return s.Serve(listener)
}

func (s *Server) Serve(listener net.Listener) error {
	s.log.Info("server_started", zap.String("addr", listener.Addr().String()))
	err := s.httpSrv.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown tells every connected client why the server is going away, waits
// for their sessions to close, then stops accepting requests. It returns once
// everything is down; later calls wait for the first one.
func (s *Server) Shutdown(reason string, completionTime time.Time) {
	s.shutdownOnce.Do(func() {
		defer close(s.done)
		s.shutdown(reason, completionTime)
	})
	<-s.done
}

// Done is closed when Shutdown has finished.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

func (s *Server) shutdown(reason string, completionTime time.Time) {
	if reason == "" {
		reason = "maintenance"
	}
	text := reason
	if !completionTime.IsZero() {
		text += "|" + completionTime.UTC().Format(time.RFC3339)
	}
	s.log.Info("server_shutdown", zap.String("reason", reason), zap.Time("completion", completionTime))

	s.mu.Lock()
	s.closing = true
	conns := make([]*wsConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, text)
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	drained := make(chan struct{})
	go func() {
		s.handlers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.log.Warn("sessions_not_drained", zap.Int("connections", len(conns)))
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.log.Warn("http_shutdown_failed", zap.Error(err))
	}
	s.cancel()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.originAllowed(origin)
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.config.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// addConn registers c unless the server is shutting down.
func (s *Server) addConn(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.conns[c.id] = c
	s.handlers.Add(1)
	return true
}

func (s *Server) removeConn(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c.id)
	s.mu.Unlock()
	s.handlers.Done()
}

// GetStats returns server statistics as a formatted string
func (s *Server) GetStats() string {
	st := s.tracker.Stats()
	return "connections=" + strconv.Itoa(st.Connections) +
		",identified=" + strconv.Itoa(st.Identified) +
		",users=" + strings.Join(st.Users, ";") +
		",uptime=" + time.Since(s.started).Truncate(time.Second).String()
}
