// Package client connects Go programs to a socketgate gateway.
//
// A Client holds at most one websocket at a time and dials it lazily: the
// first Send after the socket closed opens a new one. While the socket is
// open a keep-alive pings the server on the "keep-alive" channel until the
// user has been idle for the idle timeout.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/keepalive"
	"github.com/luciancaetano/socketgate/internal/logging"
	"github.com/luciancaetano/socketgate/internal/protocol"
	"github.com/luciancaetano/socketgate/internal/registry"
)

var ErrClosed = errors.New("client closed")

// MessageHandler handles messages arriving on a registered channel.
type MessageHandler interface {
	HandleMessage(scope any, data json.RawMessage) error
}

// CloseHandler is told when the socket closes.
type CloseHandler interface {
	HandleClose(scope any)
}

type messageFunc struct {
	fn func(scope any, data json.RawMessage) error
}

func (f *messageFunc) HandleMessage(scope any, data json.RawMessage) error { return f.fn(scope, data) }

// MessageFunc adapts fn to a MessageHandler. Keep the returned value to
// unregister it later.
func MessageFunc(fn func(scope any, data json.RawMessage) error) MessageHandler {
	return &messageFunc{fn: fn}
}

type closeFunc struct {
	fn func(scope any)
}

func (f *closeFunc) HandleClose(scope any) { f.fn(scope) }

// CloseFunc adapts fn to a CloseHandler. Keep the returned value to detach
// it later.
func CloseFunc(fn func(scope any)) CloseHandler {
	return &closeFunc{fn: fn}
}

type messageKey struct {
	channel string
	handler MessageHandler
	scope   any
}

type closeKey struct {
	handler CloseHandler
	scope   any
}

// Options controls the keep-alive of the socket.
type Options struct {
	// KeepAlive is the idle timeout after which pings stop. Zero means
	// the default of 300s; a negative value disables keep-alive.
	KeepAlive time.Duration

	// KeepAlivePing is the ping cadence. Zero means the default of 30s.
	KeepAlivePing time.Duration
}

func (o Options) resolve() (idle, ping time.Duration) {
	idle = keepalive.DefaultIdleTimeout
	switch {
	case o.KeepAlive > 0:
		idle = o.KeepAlive
	case o.KeepAlive < 0:
		idle = 0
	}
	ping = keepalive.DefaultPingInterval
	if o.KeepAlivePing > 0 {
		ping = o.KeepAlivePing
	}
	return idle, ping
}

// session is one open socket and the goroutine reading it.
type session struct {
	conn      *websocket.Conn
	keepAlive *keepalive.KeepAlive
	writeMu   sync.Mutex
	done      chan struct{}
}

func (s *session) write(frame []byte, timeout time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Client talks to one gateway over a socket and plain HTTP.
type Client struct {
	baseURL      *url.URL
	wsURL        string
	httpClient   *http.Client
	dialer       *websocket.Dialer
	logger       *logging.ColoredLogger
	writeTimeout time.Duration
	settle       time.Duration

	messageHandlers *registry.Registry[messageKey]
	closeHandlers   *registry.Registry[closeKey]

	dialMu sync.Mutex

	mu      sync.RWMutex
	token   string
	options Options
	session *session
	id      string
}

// Option configures New.
type Option func(*Client)

// WithHTTPClient sets the client used by Request.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger logs through l.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = logging.Wrap(l)
		}
	}
}

// WithToken sets the initial token. The default is a random uuid.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithOptions sets the initial keep-alive options.
func WithOptions(o Options) Option {
	return func(c *Client) { c.options = o }
}

// WithWSPath sets the websocket path, "/ws" by default.
func WithWSPath(path string) Option {
	return func(c *Client) {
		u := *c.baseURL
		u.Scheme = websocketScheme(u.Scheme)
		u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
		c.wsURL = u.String()
	}
}

// withSettleWindow shortens the keep-alive settle window in tests.
func withSettleWindow(d time.Duration) Option {
	return func(c *Client) { c.settle = d }
}

func websocketScheme(scheme string) string {
	if scheme == "https" {
		return "wss"
	}
	return "ws"
}

// New creates a client for the gateway at baseURL, e.g.
// "http://localhost:8080". No connection is made until the first Send.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		baseURL:         u,
		httpClient:      http.DefaultClient,
		dialer:          &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		logger:          logging.NewNop(),
		writeTimeout:    10 * time.Second,
		settle:          keepalive.DefaultSettleWindow,
		messageHandlers: registry.New[messageKey](),
		closeHandlers:   registry.New[closeKey](),
		token:           uuid.New().String(),
	}
	WithWSPath("/ws")(c)

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func validate(h any, scope any) error {
	if h == nil {
		return socketgate.ErrNilHandler
	}
	if !registry.Comparable(h, scope) {
		return socketgate.ErrHandlerNotComparable
	}
	return nil
}

// RegisterSocketHandler adds h for messages on channel.
func (c *Client) RegisterSocketHandler(channel string, h MessageHandler, scope any) error {
	if err := validate(h, scope); err != nil {
		return fmt.Errorf("register socket handler %q: %w", channel, err)
	}
	c.messageHandlers.Set(messageKey{channel: channel, handler: h, scope: scope})
	return nil
}

// UnregisterSocketHandler removes the (channel, h, scope) entry.
func (c *Client) UnregisterSocketHandler(channel string, h MessageHandler, scope any) error {
	if err := validate(h, scope); err != nil {
		return fmt.Errorf("unregister socket handler %q: %w", channel, err)
	}
	c.messageHandlers.Delete(messageKey{channel: channel, handler: h, scope: scope})
	return nil
}

// AttachClose adds h to the handlers run when the socket closes.
func (c *Client) AttachClose(h CloseHandler, scope any) error {
	if err := validate(h, scope); err != nil {
		return fmt.Errorf("attach close handler: %w", err)
	}
	c.closeHandlers.Set(closeKey{handler: h, scope: scope})
	return nil
}

// DetachClose removes the (h, scope) close handler.
func (c *Client) DetachClose(h CloseHandler, scope any) error {
	if err := validate(h, scope); err != nil {
		return fmt.Errorf("detach close handler: %w", err)
	}
	c.closeHandlers.Delete(closeKey{handler: h, scope: scope})
	return nil
}

// SetToken replaces the token sent with requests and the socket handshake.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Token returns the current token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// ID returns the id the server announced for the current socket, or ""
// before the announcement or while no socket is open.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// Connected reports whether a socket is open.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Touch records user activity, keeping the session from going idle.
func (c *Client) Touch() {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s != nil && s.keepAlive != nil {
		s.keepAlive.Activity()
	}
}

// Connect opens the socket if it is not open yet.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.getSession(ctx)
	return err
}

// getSession returns the open socket, dialing one if needed. Concurrent
// callers share a single dial.
func (c *Client) getSession(ctx context.Context) (*session, error) {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	c.dialMu.Lock()
	defer c.dialMu.Unlock()

	c.mu.RLock()
	s = c.session
	token := c.token
	idle, ping := c.options.resolve()
	c.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	header := http.Header{}
	if token != "" {
		header.Set(socketgate.HeaderAuthorization, token)
	}

	conn, _, err := c.dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		c.logger.ComponentError(logging.ComponentClient, "could not connect the websocket",
			zap.String("url", c.wsURL),
			zap.Error(err))
		return nil, fmt.Errorf("dial %s: %w", c.wsURL, err)
	}

	s = &session{conn: conn, done: make(chan struct{})}
	if idle > 0 {
		s.keepAlive = keepalive.New(func() { c.ping(s) }, ping, idle,
			keepalive.WithSettleWindow(c.settle),
			keepalive.WithLogger(c.logger))
	}

	c.mu.Lock()
	c.session = s
	c.id = ""
	c.mu.Unlock()

	c.logger.ComponentInfo(logging.ComponentClient, "websocket connected",
		zap.String("url", c.wsURL),
		zap.Bool("keep_alive", s.keepAlive != nil))

	go c.readLoop(s)
	return s, nil
}

// ping sends the keep-alive message on s. It never dials and is not
// counted as activity.
func (c *Client) ping(s *session) {
	frame, err := protocol.Encode(socketgate.ChannelKeepAlive, nil)
	if err != nil {
		return
	}
	if err := s.write(frame, c.writeTimeout); err != nil {
		c.logger.ComponentDebug(logging.ComponentClient, "keep-alive ping failed", zap.Error(err))
	}
}

// Send sends {channel, data}, opening the socket first if needed.
func (c *Client) Send(ctx context.Context, channel string, data any) error {
	frame, err := protocol.Encode(channel, data)
	if err != nil {
		return err
	}

	s, err := c.getSession(ctx)
	if err != nil {
		return err
	}
	if s.keepAlive != nil {
		s.keepAlive.Activity()
	}
	if err := s.write(frame, c.writeTimeout); err != nil {
		return fmt.Errorf("send on %q: %w", channel, err)
	}
	return nil
}

// readLoop dispatches inbound messages until the socket closes, then
// releases the session and runs the close handlers.
func (c *Client) readLoop(s *session) {
	defer func() {
		if s.keepAlive != nil {
			s.keepAlive.Stop()
		}
		_ = s.conn.Close()

		c.mu.Lock()
		if c.session == s {
			c.session = nil
			c.id = ""
		}
		c.mu.Unlock()

		c.closeHandlers.ForEach(func(k closeKey) {
			c.invokeClose(k)
		})
		close(s.done)
	}()

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.ComponentWarn(logging.ComponentClient, "websocket closed unexpectedly", zap.Error(err))
			}
			return
		}

		channel, data, err := protocol.Decode(raw)
		if err != nil {
			c.logger.ComponentWarn(logging.ComponentClient, "undecodable message", zap.Error(err))
			continue
		}

		if channel == socketgate.ChannelSocketID {
			var hello struct {
				ID string `json:"id"`
			}
			if json.Unmarshal(data, &hello) == nil {
				c.mu.Lock()
				if c.session == s {
					c.id = hello.ID
				}
				c.mu.Unlock()
			}
		}

		c.messageHandlers.ForEach(func(k messageKey) {
			if k.channel == channel {
				c.invokeMessage(k, data)
			}
		})
	}
}

func (c *Client) invokeMessage(k messageKey, data json.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.ComponentError(logging.ComponentClient, "socket handler panicked",
				zap.String("channel", k.channel),
				zap.Any("panic", p))
		}
	}()
	if err := k.handler.HandleMessage(k.scope, data); err != nil {
		c.logger.ComponentWarn(logging.ComponentClient, "socket handler failed",
			zap.String("channel", k.channel),
			zap.Error(err))
	}
}

func (c *Client) invokeClose(k closeKey) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.ComponentError(logging.ComponentClient, "close handler panicked",
				zap.Any("panic", p))
		}
	}()
	k.handler.HandleClose(k.scope)
}

// Close closes the socket, if open, and waits for the close handlers to run.
func (c *Client) Close(ctx context.Context) error {
	c.mu.RLock()
	s := c.session
	c.mu.RUnlock()
	if s == nil {
		return nil
	}

	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.writeMu.Unlock()

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		_ = s.conn.Close()
		return ctx.Err()
	}
}

// SetOptions replaces the keep-alive options, closes the current socket
// and opens a new one with the new settings.
func (c *Client) SetOptions(ctx context.Context, o Options) error {
	if err := c.Close(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	c.options = o
	c.mu.Unlock()

	_, err := c.getSession(ctx)
	return err
}
