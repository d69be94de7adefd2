package ws

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/logging"
	"github.com/luciancaetano/socketgate/internal/router"
	"github.com/luciancaetano/socketgate/internal/websocket"
)

type RateLimitConfig = websocket.RateLimitConfig
type CheckOriginFn = websocket.CheckOriginFn
type PublicPath = websocket.PublicPath
type ServerConfig = websocket.ServerConfig

// Server is a Gateway served over websockets, with introspection helpers.
type Server struct {
	socketgate.Gateway

	router    *router.Router
	transport *websocket.Server
}

// Option configures New.
type Option func(*options)

type options struct {
	logger *logging.ColoredLogger
}

// WithLogger logs through l instead of discarding output.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = logging.Wrap(l)
		}
	}
}

// New creates a websocket gateway. Register handlers, then call Start, or
// mount Handler() into an existing server.
//
// Example:
//
//	gw := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins()))
//	gw.RegisterSocketHandler("ping", socketgate.SocketFunc(
//	    func(_ any, conn socketgate.Conn, data json.RawMessage) error {
//	        return gw.Send(conn, "pong", data)
//	    }), nil)
//	if err := gw.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
func New(cfg ServerConfig, opts ...Option) *Server {
	o := options{logger: cfg.Logger}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = logging.NewNop()
	}
	cfg.Logger = o.logger

	transport := websocket.New(cfg)
	r := router.New(transport, router.WithLogger(o.logger))

	return &Server{
		Gateway:   r,
		router:    r,
		transport: transport,
	}
}

// NewWithTransport creates a gateway over any transport binding.
func NewWithTransport(t socketgate.Transport, logger *zap.Logger) socketgate.Gateway {
	if logger == nil {
		return router.New(t)
	}
	return router.New(t, router.WithLogger(logging.Wrap(logger)))
}

// NewConfig returns a configuration listening on addr with defaults for
// everything else.
func NewConfig(addr string, rateLimitConfig *RateLimitConfig, checkOrigin CheckOriginFn) ServerConfig {
	return websocket.ServerConfig{
		Addr:            addr,
		RateLimitConfig: rateLimitConfig,
		CheckOrigin:     checkOrigin,
	}
}

// Addr returns the bound listener address once started.
func (s *Server) Addr() string {
	return s.transport.Addr()
}

// Conn returns the live connection with the given id.
func (s *Server) Conn(id string) (socketgate.Conn, bool) {
	return s.router.Conn(id)
}

// ConnectionCount returns the number of live connections.
func (s *Server) ConnectionCount() int {
	return s.router.ConnectionCount()
}

// SubscriberCount returns the number of connections subscribed to topic.
func (s *Server) SubscriberCount(topic string) int {
	return s.transport.Topics().SubscriberCount(topic)
}

// Topics returns the topics conn is subscribed to, sorted.
func (s *Server) Topics(conn socketgate.Conn) []string {
	if conn == nil {
		return nil
	}
	return s.transport.Topics().Topics(conn.ID())
}

// AllOrigins returns the default checkOrigin function that allows all origins
func AllOrigins() CheckOriginFn {
	return func(r *http.Request) bool {
		return true
	}
}

// DefaultRateLimitConfig returns the default rate limit configuration
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}
