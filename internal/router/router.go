// Package router turns connection lifecycle events and HTTP requests into
// handler invocations. It is independent of the transport: any
// socketgate.Transport can be plugged in.
package router

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/logging"
	"github.com/luciancaetano/socketgate/internal/protocol"
	"github.com/luciancaetano/socketgate/internal/registry"
)

// socketKey is the registration signature (channel, handler, scope).
type socketKey struct {
	channel string
	handler socketgate.SocketHandler
	scope   any
}

// requestKey is the registration signature (method, path, handler, scope).
type requestKey struct {
	method  string
	path    string
	handler socketgate.RequestHandler
	scope   any
}

var (
	_ socketgate.Gateway = (*Router)(nil)
	_ socketgate.Events  = (*Router)(nil)
)

// Router implements socketgate.Gateway over a Transport and receives the
// transport's events.
type Router struct {
	transport socketgate.Transport
	logger    *logging.ColoredLogger
	newID     func() string

	socketHandlers  *registry.Registry[socketKey]
	requestHandlers *registry.Registry[requestKey]

	mu      sync.RWMutex
	live    map[string]socketgate.Conn
	closing map[string]struct{}

	// runMu serializes Start and Stop, transport calls included.
	runMu   sync.Mutex
	running bool
	stopped chan struct{} // closed when the current run ends
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithIDGenerator replaces the uuid generator used for connection identities.
func WithIDGenerator(fn func() string) Option {
	return func(r *Router) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// New creates a router bound to transport.
func New(transport socketgate.Transport, opts ...Option) *Router {
	r := &Router{
		transport:       transport,
		logger:          logging.NewNop(),
		newID:           func() string { return uuid.New().String() },
		socketHandlers:  registry.New[socketKey](),
		requestHandlers: registry.New[requestKey](),
		live:            make(map[string]socketgate.Conn),
		closing:         make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start starts serving through the transport. Cancelling ctx stops the
// gateway as Stop does.
func (r *Router) Start(ctx context.Context) error {
	if r == nil || r.transport == nil {
		return socketgate.ErrNotInitialized
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()

	if r.running {
		return socketgate.ErrAlreadyRunning
	}
	if err := r.transport.Serve(ctx, r); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}
	r.running = true
	run := make(chan struct{})
	r.stopped = run

	go func() {
		select {
		case <-ctx.Done():
			stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = r.stop(stopCtx, run)
		case <-run:
		}
	}()

	r.logger.ComponentInfo(logging.ComponentRouter, "gateway started")
	return nil
}

// Stop shuts the transport down.
func (r *Router) Stop(ctx context.Context) error {
	if r == nil || r.transport == nil {
		return socketgate.ErrNotInitialized
	}
	return r.stop(ctx, nil)
}

// stop ends the current run, or only the given run when run is non-nil.
func (r *Router) stop(ctx context.Context, run chan struct{}) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()

	if !r.running || (run != nil && run != r.stopped) {
		return nil
	}
	r.running = false
	close(r.stopped)

	r.logger.ComponentInfo(logging.ComponentRouter, "gateway stopping",
		zap.Int("connections", r.ConnectionCount()))
	return r.transport.Shutdown(ctx)
}

// Handler returns the transport's HTTP handler routed to this router.
func (r *Router) Handler() http.Handler {
	if r == nil || r.transport == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, socketgate.ErrNotInitialized.Error(), http.StatusServiceUnavailable)
		})
	}
	return r.transport.Handler(r)
}

func validateHandler(h any, scope any) error {
	if h == nil {
		return socketgate.ErrNilHandler
	}
	if !registry.Comparable(h, scope) {
		return socketgate.ErrHandlerNotComparable
	}
	return nil
}

// RegisterSocketHandler adds a (channel, h, scope) entry.
func (r *Router) RegisterSocketHandler(channel string, h socketgate.SocketHandler, scope any) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if err := validateHandler(h, scope); err != nil {
		return fmt.Errorf("register socket handler %q: %w", channel, err)
	}
	r.socketHandlers.Set(socketKey{channel: channel, handler: h, scope: scope})
	return nil
}

// UnregisterSocketHandler removes a (channel, h, scope) entry.
func (r *Router) UnregisterSocketHandler(channel string, h socketgate.SocketHandler, scope any) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if err := validateHandler(h, scope); err != nil {
		return fmt.Errorf("unregister socket handler %q: %w", channel, err)
	}
	r.socketHandlers.Delete(socketKey{channel: channel, handler: h, scope: scope})
	return nil
}

// RegisterRequestHandler adds a (method, path, h, scope) entry.
func (r *Router) RegisterRequestHandler(method, path string, h socketgate.RequestHandler, scope any) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if err := validateHandler(h, scope); err != nil {
		return fmt.Errorf("register request handler %s %s: %w", method, path, err)
	}
	r.requestHandlers.Set(requestKey{method: method, path: path, handler: h, scope: scope})
	return nil
}

// UnregisterRequestHandler removes a (method, path, h, scope) entry.
func (r *Router) UnregisterRequestHandler(method, path string, h socketgate.RequestHandler, scope any) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if err := validateHandler(h, scope); err != nil {
		return fmt.Errorf("unregister request handler %s %s: %w", method, path, err)
	}
	r.requestHandlers.Delete(requestKey{method: method, path: path, handler: h, scope: scope})
	return nil
}

// HandleOpen draws a collision-free identity for conn, attaches it and
// announces it on the socketId channel.
func (r *Router) HandleOpen(conn socketgate.Conn) (string, error) {
	if r == nil {
		return "", socketgate.ErrNotInitialized
	}

	r.mu.Lock()
	id := r.newID()
	for {
		if _, taken := r.live[id]; !taken {
			break
		}
		id = r.newID()
	}
	r.live[id] = conn
	r.mu.Unlock()

	conn.AssignID(id)

	r.logger.ComponentInfo(logging.ComponentRouter, "connection opened",
		zap.String("conn_id", id),
		zap.String("remote_addr", conn.RemoteAddr()))

	if err := r.transport.Send(conn, socketgate.ChannelSocketID, map[string]string{"id": id}); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "failed to announce connection id",
			zap.String("conn_id", id),
			zap.Error(err))
		return id, fmt.Errorf("announce id: %w", err)
	}
	return id, nil
}

// HandleClose delivers the synthetic close event, then releases the
// connection's identity and subscriptions. Only the first call per
// connection has any effect.
func (r *Router) HandleClose(conn socketgate.Conn) {
	if r == nil || conn == nil {
		return
	}
	id := conn.ID()

	r.mu.Lock()
	if _, ok := r.live[id]; !ok {
		r.mu.Unlock()
		return
	}
	if _, ok := r.closing[id]; ok {
		r.mu.Unlock()
		return
	}
	r.closing[id] = struct{}{}
	r.mu.Unlock()

	r.dispatch(conn, socketgate.Message{Channel: socketgate.ChannelClose, Data: protocol.EmptyData})

	r.mu.Lock()
	delete(r.live, id)
	delete(r.closing, id)
	r.mu.Unlock()

	r.transport.UnsubscribeAll(id)

	r.logger.ComponentInfo(logging.ComponentRouter, "connection closed",
		zap.String("conn_id", id))
}

// HandleMessage decodes raw through the transport and dispatches it.
// Messages for a connection that is closing or already closed are dropped.
func (r *Router) HandleMessage(conn socketgate.Conn, raw []byte) {
	if r == nil || conn == nil {
		return
	}
	if !r.accepting(conn.ID()) {
		r.logger.ComponentDebug(logging.ComponentRouter, "dropping message for closed connection",
			zap.String("conn_id", conn.ID()))
		return
	}
	r.dispatch(conn, r.transport.ParseMessage(raw))
}

// accepting reports whether id is live and not closing. Callers that need
// the answer to hold across a transport call must hold mu themselves.
func (r *Router) accepting(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.acceptingLocked(id)
}

func (r *Router) acceptingLocked(id string) bool {
	if _, ok := r.live[id]; !ok {
		return false
	}
	_, closing := r.closing[id]
	return !closing
}

// dispatch invokes every socket handler registered on msg.Channel, in
// registration order.
func (r *Router) dispatch(conn socketgate.Conn, msg socketgate.Message) {
	r.socketHandlers.ForEach(func(k socketKey) {
		if k.channel != msg.Channel {
			return
		}
		r.invokeSocket(k, conn, msg)
	})
}

func (r *Router) invokeSocket(k socketKey, conn socketgate.Conn, msg socketgate.Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ComponentError(logging.ComponentRouter, "socket handler panicked",
				zap.String("conn_id", conn.ID()),
				zap.String("channel", msg.Channel),
				zap.Any("panic", p))
		}
	}()

	if err := k.handler.ServeSocket(k.scope, conn, msg.Data); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "socket handler failed",
			zap.String("conn_id", conn.ID()),
			zap.String("channel", msg.Channel),
			zap.Error(err))
	}
}

type outcome int

const (
	skipped outcome = iota
	succeeded
	failed
)

// HandleRequest runs every request handler whose method matches
// (case-insensitive) and whose path is a prefix of the request path,
// concurrently. next runs when no handler matched or every matched handler
// failed.
func (r *Router) HandleRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r == nil {
			next.ServeHTTP(w, req)
			return
		}

		token := BearerToken(req)
		shared := &sharedResponse{w: w}

		results := registry.MapAsync(r.requestHandlers, func(k requestKey) outcome {
			if !strings.EqualFold(k.method, req.Method) || !strings.HasPrefix(req.URL.Path, k.path) {
				return skipped
			}
			return r.invokeRequest(k, shared.writer(), req, token)
		})

		matched := 0
		for _, res := range results {
			switch res {
			case succeeded:
				return
			case failed:
				matched++
			}
		}

		if matched > 0 {
			r.logger.ComponentDebug(logging.ComponentRouter, "all request handlers failed, falling through",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Int("handlers", matched))
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Router) invokeRequest(k requestKey, w http.ResponseWriter, req *http.Request, token string) (res outcome) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.ComponentError(logging.ComponentRouter, "request handler panicked",
				zap.String("method", req.Method),
				zap.String("path", req.URL.Path),
				zap.Any("panic", p))
			res = failed
		}
	}()

	if err := k.handler.ServeRequest(k.scope, w, req, token); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "request handler failed",
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.Error(err))
		return failed
	}
	return succeeded
}

// Publish sends {channel, data} to every subscriber of topic.
func (r *Router) Publish(topic, channel string, data any) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if err := r.transport.Publish(topic, channel, data); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "publish failed",
			zap.String("topic", topic),
			zap.String("channel", channel),
			zap.Error(err))
		return err
	}
	return nil
}

// Send sends {channel, data} to conn.
func (r *Router) Send(conn socketgate.Conn, channel string, data any) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if conn == nil {
		return socketgate.ErrConnNotFound
	}
	if err := r.transport.Send(conn, channel, data); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "send failed",
			zap.String("conn_id", conn.ID()),
			zap.String("channel", channel),
			zap.Error(err))
		return err
	}
	return nil
}

// Subscribe adds conn to topic. A connection that is closing or closed
// cannot subscribe.
func (r *Router) Subscribe(conn socketgate.Conn, topic string) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if conn == nil {
		return socketgate.ErrConnNotFound
	}

	// held across the transport call so HandleClose cannot release the
	// identity between the check and the subscription
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.acceptingLocked(conn.ID()) {
		return fmt.Errorf("subscribe %s to %s: %w", conn.ID(), topic, socketgate.ErrConnNotFound)
	}
	if err := r.transport.Subscribe(conn, topic); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "subscribe failed",
			zap.String("topic", topic),
			zap.Error(err))
		return err
	}
	return nil
}

// Unsubscribe removes conn from topic.
func (r *Router) Unsubscribe(conn socketgate.Conn, topic string) error {
	if r == nil {
		return socketgate.ErrNotInitialized
	}
	if err := r.transport.Unsubscribe(conn, topic); err != nil {
		r.logger.ComponentWarn(logging.ComponentRouter, "unsubscribe failed",
			zap.String("topic", topic),
			zap.Error(err))
		return err
	}
	return nil
}

// Conn returns the live connection with the given id.
func (r *Router) Conn(id string) (socketgate.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.live[id]
	return conn, ok
}

// ConnectionCount returns the number of live identities.
func (r *Router) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

// BearerToken returns the Authorization value of req with a leading
// "Bearer " scheme stripped, or "" when the header is absent.
func BearerToken(req *http.Request) string {
	auth := strings.TrimSpace(req.Header.Get(socketgate.HeaderAuthorization))
	if auth == "" {
		return ""
	}
	if len(auth) > len("bearer ") && strings.EqualFold(auth[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(auth[len("bearer "):])
	}
	return auth
}

// sharedResponse serializes writes from request handlers running
// concurrently on the same request.
type sharedResponse struct {
	mu sync.Mutex
	w  http.ResponseWriter
}

// handlerWriter is one handler's view of the shared response. Headers are
// private to the handler until its first write, when they are copied onto
// the shared response.
type handlerWriter struct {
	shared    *sharedResponse
	header    http.Header
	committed bool
}

func (s *sharedResponse) writer() *handlerWriter {
	return &handlerWriter{shared: s, header: make(http.Header)}
}

func (h *handlerWriter) Header() http.Header {
	return h.header
}

// commit must be called with shared.mu held.
func (h *handlerWriter) commit() {
	if h.committed {
		return
	}
	h.committed = true
	dst := h.shared.w.Header()
	for k, vs := range h.header {
		dst[k] = append([]string(nil), vs...)
	}
}

func (h *handlerWriter) Write(b []byte) (int, error) {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	h.commit()
	return h.shared.w.Write(b)
}

func (h *handlerWriter) WriteHeader(code int) {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	h.commit()
	h.shared.w.WriteHeader(code)
}

func (h *handlerWriter) Flush() {
	h.shared.mu.Lock()
	defer h.shared.mu.Unlock()
	h.commit()
	if f, ok := h.shared.w.(http.Flusher); ok {
		f.Flush()
	}
}
