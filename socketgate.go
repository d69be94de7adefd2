package socketgate

import (
	"context"
	"encoding/json"
	"net/http"
)

// Gateway is the public surface of a running socket gateway.
//
// A Gateway multiplexes two transports onto one dispatch layer: persistent
// duplex sockets, whose JSON messages are routed by channel, and plain HTTP
// requests, which are routed by method and path prefix. Connections can be
// subscribed to topics and receive everything published to them.
//
// Example usage:
//
//	import "github.com/luciancaetano/socketgate/ws"
//
//	gw := ws.New(ws.NewConfig(":8080"))
//
//	gw.RegisterSocketHandler("ping", socketgate.SocketFunc(
//	    func(_ any, conn socketgate.Conn, data json.RawMessage) error {
//	        return gw.Send(conn, "pong", data)
//	    }), nil)
//
//	gw.Start(ctx)
type Gateway interface {
	// Start binds the transport and begins serving until Stop is called or
	// ctx is cancelled. Calling Start on a gateway that is already running
	// returns ErrAlreadyRunning.
	Start(ctx context.Context) error

	// Stop closes every live connection and shuts the transport down.
	Stop(ctx context.Context) error

	// Handler returns the HTTP handler serving sockets, requests and
	// static files, without binding a listener. Use it to embed the
	// gateway into an existing server or an httptest.Server.
	Handler() http.Handler

	// RegisterSocketHandler adds h for messages arriving on channel. The
	// entry is keyed by (channel, h, scope); registering the same triple
	// twice keeps a single entry.
	//
	// Handlers run sequentially for one message, each isolated from the
	// others: a returned error or a panic is logged and dispatch
	// continues with the next handler.
	RegisterSocketHandler(channel string, h SocketHandler, scope any) error

	// UnregisterSocketHandler removes the (channel, h, scope) entry. It is
	// not an error if no such entry exists.
	UnregisterSocketHandler(channel string, h SocketHandler, scope any) error

	// RegisterRequestHandler adds h for HTTP requests whose method equals
	// method (case-insensitive) and whose path starts with path.
	//
	// All matching handlers of a request run concurrently. The request is
	// considered handled when at least one of them returns nil; otherwise
	// it falls through to static file serving.
	RegisterRequestHandler(method, path string, h RequestHandler, scope any) error

	// UnregisterRequestHandler removes the (method, path, h, scope) entry.
	UnregisterRequestHandler(method, path string, h RequestHandler, scope any) error

	// Publish sends {channel, data} to every connection subscribed to topic.
	// A failing subscriber never prevents delivery to the others.
	Publish(topic, channel string, data any) error

	// Send sends {channel, data} to a single connection.
	Send(conn Conn, channel string, data any) error

	// Subscribe adds conn to topic. Subscribing twice is a no-op. A
	// connection that is closing or closed gets ErrConnNotFound.
	Subscribe(conn Conn, topic string) error

	// Unsubscribe removes conn from topic. It is not an error if conn was
	// not subscribed.
	Unsubscribe(conn Conn, topic string) error
}

// Conn represents one live duplex connection.
//
// The gateway assigns every connection a unique identifier when it opens
// and announces it to the peer on the ChannelSocketID channel. The
// identifier is only reused after the previous owner has fully closed.
type Conn interface {
	// ID returns the identifier assigned when the connection opened.
	ID() string

	// AssignID attaches the gateway-assigned identifier. It is called
	// exactly once, before any handler observes the connection.
	AssignID(id string)

	// RemoteAddr returns the peer's network address, e.g. "192.168.1.100:54321".
	RemoteAddr() string

	// Context returns the connection's lifecycle context. It is cancelled
	// when the connection closes.
	Context() context.Context

	// Send queues an already encoded frame for delivery. It never blocks
	// on a slow peer: when the outbound buffer is full the frame is
	// rejected with ErrSendBufferFull.
	Send(ctx context.Context, data []byte) error

	// Close closes the connection with a normal closure code.
	Close(ctx context.Context) error

	// CloseWithCode closes the connection with a specific close code and reason.
	CloseWithCode(ctx context.Context, code int, reason string) error

	// IsAlive reports whether the connection is still open.
	IsAlive() bool
}

// Message is the envelope of every duplex message, in both directions:
//
//	{"channel": "ping", "data": {"a": "b"}}
type Message struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// SocketHandler handles messages arriving on a registered channel.
//
// scope is the value given at registration (nil when none was given). It
// plays the role of a bound receiver, letting a single handler value serve
// several owners.
type SocketHandler interface {
	ServeSocket(scope any, conn Conn, data json.RawMessage) error
}

// RequestHandler handles HTTP requests matching a registered method and
// path prefix. token is the caller's Authorization value, or "" when the
// request carried none.
type RequestHandler interface {
	ServeRequest(scope any, w http.ResponseWriter, r *http.Request, token string) error
}

type socketFunc struct {
	fn func(scope any, conn Conn, data json.RawMessage) error
}

func (f *socketFunc) ServeSocket(scope any, conn Conn, data json.RawMessage) error {
	return f.fn(scope, conn, data)
}

// SocketFunc adapts fn to a SocketHandler. Every call returns a distinct
// handler, so keep the returned value to unregister it later.
func SocketFunc(fn func(scope any, conn Conn, data json.RawMessage) error) SocketHandler {
	return &socketFunc{fn: fn}
}

type requestFunc struct {
	fn func(scope any, w http.ResponseWriter, r *http.Request, token string) error
}

func (f *requestFunc) ServeRequest(scope any, w http.ResponseWriter, r *http.Request, token string) error {
	return f.fn(scope, w, r, token)
}

// RequestFunc adapts fn to a RequestHandler. Every call returns a distinct
// handler, so keep the returned value to unregister it later.
func RequestFunc(fn func(scope any, w http.ResponseWriter, r *http.Request, token string) error) RequestHandler {
	return &requestFunc{fn: fn}
}

// Events receives connection lifecycle events from a Transport. The router
// implements it; a transport calls it and never dispatches on its own.
type Events interface {
	// HandleOpen assigns an identity to a freshly accepted connection and
	// announces it to the peer. It must complete before the transport
	// delivers any message for conn.
	HandleOpen(conn Conn) (string, error)

	// HandleMessage decodes raw and dispatches it to socket handlers. A
	// transport delivers one connection's messages in order, and all of
	// them before HandleClose for that connection.
	HandleMessage(conn Conn, raw []byte)

	// HandleClose dispatches the synthetic close event and retires the
	// connection's identity and subscriptions.
	HandleClose(conn Conn)

	// HandleRequest wraps next with request-handler dispatch. next is
	// called when no registered handler claims the request.
	HandleRequest(next http.Handler) http.Handler
}

// Transport is the capability set a concrete binding supplies to the
// router: message decoding, sending, topic membership and serving.
type Transport interface {
	// ParseMessage decodes a raw inbound frame. Undecodable frames yield a
	// Message with an empty object as Data rather than an error.
	ParseMessage(raw []byte) Message

	Send(conn Conn, channel string, data any) error
	Publish(topic, channel string, data any) error
	Subscribe(conn Conn, topic string) error
	Unsubscribe(conn Conn, topic string) error

	// UnsubscribeAll drops every subscription held by the connection id.
	UnsubscribeAll(id string)

	// Handler builds the HTTP handler routing to events.
	Handler(events Events) http.Handler

	// Serve binds a listener and starts serving events. It returns once
	// the listener is up, or with the startup error.
	Serve(ctx context.Context, events Events) error

	// Shutdown closes every connection and stops the listener.
	Shutdown(ctx context.Context) error
}
