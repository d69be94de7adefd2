// Package socketgate multiplexes persistent websocket connections and plain
// HTTP requests onto one handler dispatch layer with topic publish/subscribe.
//
// # Architecture
//
// Every duplex message, in both directions, is a JSON envelope:
//
//	{"channel": "ping", "data": {"a": "b"}}
//
// Socket handlers are registered per channel and receive every message on
// it. Request handlers are registered per method and path prefix; all
// matching handlers of a request run concurrently, and a request no handler
// claims falls through to static file serving.
//
// When a connection opens it is assigned a unique id, which is sent to the
// peer on the "socketId" channel before anything else. When it closes, a
// synthetic message on the "close" channel is dispatched to local handlers
// and the connection leaves every topic it had joined.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/socketgate"
//	    "github.com/luciancaetano/socketgate/ws"
//	)
//
//	gw := ws.New(ws.NewConfig(":8080", ws.DefaultRateLimitConfig(), ws.AllOrigins()))
//
//	gw.RegisterSocketHandler("ping", socketgate.SocketFunc(
//	    func(_ any, conn socketgate.Conn, data json.RawMessage) error {
//	        return gw.Send(conn, "pong", data)
//	    }), nil)
//
//	gw.RegisterRequestHandler("GET", "/data", socketgate.RequestFunc(
//	    func(_ any, w http.ResponseWriter, r *http.Request, token string) error {
//	        return json.NewEncoder(w).Encode(map[string]string{"token": token})
//	    }), nil)
//
//	if err := gw.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// # Handler Identity
//
// A registration is keyed by all of its fields, handler and scope included,
// so registering the same triple twice keeps one entry and unregistering
// needs the same values. SocketFunc and RequestFunc return a new handler on
// every call; keep the returned value to unregister it. Handlers and scopes
// must be comparable, which rules out bare maps, slices and funcs as scope.
//
// # Errors
//
// A handler that returns an error or panics is logged and never affects
// other handlers. Misuse, such as starting a running gateway, is reported
// immediately with one of the sentinel errors in this package.
//
// # Clients
//
// The client package connects Go programs to a gateway, with lazy
// reconnection and an activity-aware keep-alive.
package socketgate
