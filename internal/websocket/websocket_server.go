package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/logging"
	"github.com/luciancaetano/socketgate/internal/protocol"
	"github.com/luciancaetano/socketgate/internal/topics"
)

const (
	DefaultWSPath       = "/ws"
	DefaultSendBuffer   = 256
	DefaultReadTimeout  = 60 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 54 * time.Second
	HealthPath          = "/healthz"

	// inbound frames queued per connection before the read loop blocks
	inboxSize = 64
)

// CheckOriginFn validates the origin of a websocket handshake.
type CheckOriginFn = func(r *http.Request) bool

// PublicPath mounts the files under Dir at the URL prefix Prefix.
type PublicPath struct {
	Dir    string
	Prefix string
}

type ServerConfig struct {
	Addr            string
	WSPath          string
	PublicPaths     []PublicPath
	RateLimitConfig *RateLimitConfig
	CheckOrigin     CheckOriginFn

	// ReadTimeout is the read deadline; every message and pong extends it.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	SendBuffer   int

	// MaxMessageSize caps inbound frames. Defaults to the protocol limit.
	MaxMessageSize int64

	Logger *logging.ColoredLogger
}

// RateLimitConfig defines rate limiting configuration for clients
type RateLimitConfig struct {
	// MessagesPerSecond defines how many messages a client can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration
// Allows 100 messages per second with burst of 200
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

// Server is the default socketgate.Transport: websocket connections on one
// path, plain HTTP everywhere else.
type Server struct {
	cfg      ServerConfig
	logger   *logging.ColoredLogger
	topics   *topics.Manager
	upgrader websocket.Upgrader

	clients sync.Map // map[*Client]struct{}
	active  atomic.Int64

	mu       sync.RWMutex
	running  bool
	stop     chan struct{}
	server   *http.Server
	listener net.Listener
}

var _ socketgate.Transport = (*Server)(nil)

// New creates a websocket transport. Zero fields of cfg take their defaults;
// a nil RateLimitConfig means DefaultRateLimitConfig().
func New(cfg ServerConfig) *Server {
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = DefaultWSPath
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultSendBuffer
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = protocol.MaxFrameSize
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}

	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		topics: topics.New(cfg.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// ParseMessage decodes a raw frame. Undecodable frames are logged and
// resolve to an empty channel with an empty object as data.
func (s *Server) ParseMessage(raw []byte) socketgate.Message {
	channel, data, err := protocol.Decode(raw)
	if err != nil {
		s.logger.ComponentWarn(logging.ComponentWebsocket, "undecodable message",
			zap.Int("bytes", len(raw)),
			zap.Error(err))
		return socketgate.Message{Channel: channel, Data: protocol.EmptyData}
	}
	return socketgate.Message{Channel: channel, Data: data}
}

// Send encodes {channel, data} and queues it on conn.
func (s *Server) Send(conn socketgate.Conn, channel string, data any) error {
	if conn == nil {
		return socketgate.ErrConnNotFound
	}
	frame, err := protocol.Encode(channel, data)
	if err != nil {
		return fmt.Errorf("encode %q: %w", channel, err)
	}
	return conn.Send(conn.Context(), frame)
}

// Publish encodes {channel, data} once and fans it out to topic.
func (s *Server) Publish(topic, channel string, data any) error {
	if topic == "" {
		return socketgate.ErrInvalidTopic
	}
	frame, err := protocol.Encode(channel, data)
	if err != nil {
		return fmt.Errorf("encode %q: %w", channel, err)
	}
	s.topics.Publish(context.Background(), topic, frame)
	return nil
}

// Subscribe adds conn to topic.
func (s *Server) Subscribe(conn socketgate.Conn, topic string) error {
	if conn == nil {
		return socketgate.ErrConnNotFound
	}
	if err := s.topics.Subscribe(conn, topic); err != nil {
		if errors.Is(err, topics.ErrEmptyTopic) {
			return socketgate.ErrInvalidTopic
		}
		return err
	}
	return nil
}

// Unsubscribe removes conn from topic.
func (s *Server) Unsubscribe(conn socketgate.Conn, topic string) error {
	if conn == nil {
		return socketgate.ErrConnNotFound
	}
	s.topics.Unsubscribe(conn.ID(), topic)
	return nil
}

// UnsubscribeAll drops every subscription of the connection id.
func (s *Server) UnsubscribeAll(id string) {
	s.topics.UnsubscribeAll(id)
}

// Topics returns the topic index, for introspection.
func (s *Server) Topics() *topics.Manager {
	return s.topics
}

// ConnectionCount returns the number of open websocket connections.
func (s *Server) ConnectionCount() int {
	return int(s.active.Load())
}

// Handler builds the HTTP routes: the websocket endpoint, the health check
// and, for every other path, request-handler dispatch falling through to the
// public paths.
func (s *Server) Handler(events socketgate.Events) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get(HealthPath, s.handleHealth)
	r.Get(s.cfg.WSPath, func(w http.ResponseWriter, req *http.Request) {
		s.handleWebSocket(events, w, req)
	})
	r.Handle("/*", events.HandleRequest(newStaticHandler(s.cfg.PublicPaths)))

	return r
}

// Serve binds the listener and starts serving in the background. A context
// cancelled while serving shuts the server down.
func (s *Server) Serve(ctx context.Context, events socketgate.Events) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return socketgate.ErrAlreadyRunning
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.Handler(events),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.running = true
	s.stop = make(chan struct{})
	srv, stop := s.server, s.stop
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.ComponentError(logging.ComponentWebsocket, "server stopped unexpectedly",
				zap.Error(err))
		}
	}()

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = s.shutdown(stopCtx, stop)
		case <-stop:
		}
	}()

	s.logger.ComponentInfo(logging.ComponentWebsocket, "listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("ws_path", s.cfg.WSPath))
	return nil
}

// Addr returns the bound listener address, or "" when not serving.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown closes every connection and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.shutdown(ctx, nil)
}

// shutdown stops the current run, or only the given run when stop is non-nil.
func (s *Server) shutdown(ctx context.Context, stop chan struct{}) error {
	s.mu.Lock()
	if !s.running || (stop != nil && stop != s.stop) {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	srv := s.server
	s.mu.Unlock()

	s.CloseAll(ctx)

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// CloseAll closes every open websocket connection. Hijacked connections are
// not tracked by http.Server, so Shutdown alone would leave them open.
func (s *Server) CloseAll(ctx context.Context) {
	s.clients.Range(func(key, _ any) bool {
		if client, ok := key.(*Client); ok {
			_ = client.CloseWithCode(ctx, websocket.CloseGoingAway, "server shutting down")
		}
		return true
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"connections": s.ConnectionCount(),
	})
}

// handleWebSocket upgrades the request, announces the connection and starts
// its read loop.
func (s *Server) handleWebSocket(events socketgate.Events, w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		s.logger.ComponentWarn(logging.ComponentWebsocket, "upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	client := NewClient(conn, r.RemoteAddr, clientOptions{
		rateLimit:    s.cfg.RateLimitConfig,
		sendBuffer:   s.cfg.SendBuffer,
		pingInterval: s.cfg.PingInterval,
		writeTimeout: s.cfg.WriteTimeout,
		logger:       s.logger,
	})
	s.clients.Store(client, struct{}{})
	s.active.Add(1)

	if _, err := events.HandleOpen(client); err != nil {
		s.logger.ComponentWarn(logging.ComponentWebsocket, "open handling failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
	}

	go s.handleClient(events, client)
}

// handleClient reads messages from a connected client until it goes away.
// Messages are dispatched in arrival order on one goroutine per connection,
// and the close event runs only after every queued message was dispatched.
func (s *Server) handleClient(events socketgate.Events, client *Client) {
	inbox := make(chan []byte, inboxSize)
	dispatched := make(chan struct{})
	go func() {
		defer close(dispatched)
		for data := range inbox {
			events.HandleMessage(client, data)
		}
	}()

	defer func() {
		_ = client.Close(context.Background())
		close(inbox)
		<-dispatched
		events.HandleClose(client)
		s.clients.Delete(client)
		s.active.Add(-1)
	}()

	client.conn.SetReadLimit(s.cfg.MaxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	})

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.ComponentWarn(logging.ComponentWebsocket, "unexpected close",
					zap.String("conn_id", client.ID()),
					zap.Error(err))
			}
			return
		}

		_ = client.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))

		if !client.CheckRateLimit() {
			s.logger.ComponentWarn(logging.ComponentWebsocket, "rate limit exceeded",
				zap.String("conn_id", client.ID()),
				zap.String("remote_addr", client.RemoteAddr()))
			_ = client.CloseWithCode(context.Background(), websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		select {
		case inbox <- data:
		case <-client.Context().Done():
			return
		}
	}
}
