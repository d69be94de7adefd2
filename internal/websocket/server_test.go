package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/router"
)

// TestDefaultRateLimitConfig tests the default rate limit configuration
func TestDefaultRateLimitConfig(t *testing.T) {
	t.Parallel()

	config := DefaultRateLimitConfig()

	if config == nil {
		t.Fatal("DefaultRateLimitConfig() returned nil")
	}
	if !config.Enabled {
		t.Error("Expected rate limiting to be enabled by default")
	}
	if config.MessagesPerSecond != 100 {
		t.Errorf("MessagesPerSecond = %v, want 100", config.MessagesPerSecond)
	}
	if config.Burst != 200 {
		t.Errorf("Burst = %v, want 200", config.Burst)
	}
}

// TestNoRateLimit tests the no rate limit configuration
func TestNoRateLimit(t *testing.T) {
	t.Parallel()

	config := NoRateLimit()

	if config == nil {
		t.Fatal("NoRateLimit() returned nil")
	}
	if config.Enabled {
		t.Error("Expected rate limiting to be disabled")
	}
}

// TestNewServerDefaults tests that zero config fields take their defaults
func TestNewServerDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		cfg       ServerConfig
		wantPath  string
		wantBurst int
		wantBuf   int
	}{
		{
			name:      "zero config",
			cfg:       ServerConfig{Addr: ":8080"},
			wantPath:  DefaultWSPath,
			wantBurst: 200,
			wantBuf:   DefaultSendBuffer,
		},
		{
			name: "custom values",
			cfg: ServerConfig{
				Addr:            ":8081",
				WSPath:          "/socket",
				SendBuffer:      16,
				RateLimitConfig: &RateLimitConfig{MessagesPerSecond: 10, Burst: 20, Enabled: true},
			},
			wantPath:  "/socket",
			wantBurst: 20,
			wantBuf:   16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			server := New(tt.cfg)

			if server.cfg.WSPath != tt.wantPath {
				t.Errorf("WSPath = %q, want %q", server.cfg.WSPath, tt.wantPath)
			}
			if server.cfg.RateLimitConfig.Burst != tt.wantBurst {
				t.Errorf("Burst = %d, want %d", server.cfg.RateLimitConfig.Burst, tt.wantBurst)
			}
			if server.cfg.SendBuffer != tt.wantBuf {
				t.Errorf("SendBuffer = %d, want %d", server.cfg.SendBuffer, tt.wantBuf)
			}
			if server.running {
				t.Error("new server should not be running")
			}
			if server.upgrader.ReadBufferSize != 1024 {
				t.Errorf("upgrader.ReadBufferSize = %v, want 1024", server.upgrader.ReadBufferSize)
			}
		})
	}
}

// TestCheckOriginFunction tests custom origin checking
func TestCheckOriginFunction(t *testing.T) {
	t.Parallel()

	rejectAll := func(r *http.Request) bool { return false }

	_, ts := newTestServer(t, ServerConfig{CheckOrigin: rejectAll, RateLimitConfig: NoRateLimit()})

	header := http.Header{}
	header.Set("Origin", "http://evil.example")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts), header)
	if err == nil {
		t.Fatal("dial should fail when the origin is rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("handshake response = %v, want 403", resp)
	}
}

func newTestServer(t *testing.T, cfg ServerConfig) (*router.Router, *httptest.Server) {
	t.Helper()
	r := router.New(New(cfg))
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)
	return r, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + DefaultWSPath
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(ts), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) socketgate.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg socketgate.Message
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func readID(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := readMessage(t, conn)
	if msg.Channel != socketgate.ChannelSocketID {
		t.Fatalf("first message channel = %q, want %q", msg.Channel, socketgate.ChannelSocketID)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		t.Fatalf("decode socketId payload: %v", err)
	}
	return payload.ID
}

// TestSocketRoundTrip tests socketId announcement and channel dispatch
func TestSocketRoundTrip(t *testing.T) {
	t.Parallel()

	r, ts := newTestServer(t, ServerConfig{})
	r.RegisterSocketHandler("ping", socketgate.SocketFunc(func(_ any, conn socketgate.Conn, data json.RawMessage) error {
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		body["id"] = conn.ID()
		return r.Send(conn, "pong", body)
	}), nil)

	conn := dial(t, ts)
	id := readID(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"ping","data":{"a":"b"}}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readMessage(t, conn)
	if msg.Channel != "pong" {
		t.Fatalf("channel = %q, want pong", msg.Channel)
	}
	var got map[string]string
	if err := json.Unmarshal(msg.Data, &got); err != nil {
		t.Fatalf("decode pong: %v", err)
	}
	if got["a"] != "b" || got["id"] != id {
		t.Errorf("pong data = %v, want a=b id=%s", got, id)
	}
}

// TestUndecodableFrameKeepsConnection tests that garbage frames do not end the session
func TestUndecodableFrameKeepsConnection(t *testing.T) {
	t.Parallel()

	r, ts := newTestServer(t, ServerConfig{})
	r.RegisterSocketHandler("echo", socketgate.SocketFunc(func(_ any, conn socketgate.Conn, data json.RawMessage) error {
		return r.Send(conn, "echo", data)
	}), nil)

	conn := dial(t, ts)
	readID(t, conn)

	_ = conn.WriteMessage(websocket.TextMessage, []byte("{{{"))
	_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"echo","data":[1]}`))

	msg := readMessage(t, conn)
	if msg.Channel != "echo" || string(msg.Data) != "[1]" {
		t.Errorf("got %+v, want echo [1]", msg)
	}
}

// TestCloseRunsHandlersAndDropsSubscriptions tests server-side cleanup on disconnect
func TestCloseRunsHandlersAndDropsSubscriptions(t *testing.T) {
	t.Parallel()

	transport := New(ServerConfig{})
	r := router.New(transport)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)

	joined := make(chan struct{}, 1)
	closed := make(chan string, 1)
	r.RegisterSocketHandler("join", socketgate.SocketFunc(func(_ any, conn socketgate.Conn, _ json.RawMessage) error {
		if err := r.Subscribe(conn, "room"); err != nil {
			return err
		}
		joined <- struct{}{}
		return nil
	}), nil)
	r.RegisterSocketHandler(socketgate.ChannelClose, socketgate.SocketFunc(func(_ any, conn socketgate.Conn, _ json.RawMessage) error {
		closed <- conn.ID()
		return nil
	}), nil)

	conn := dial(t, ts)
	id := readID(t, conn)
	_ = conn.WriteJSON(socketgate.Message{Channel: "join", Data: json.RawMessage(`{}`)})

	select {
	case <-joined:
	case <-time.After(2 * time.Second):
		t.Fatal("join handler not invoked")
	}
	if transport.Topics().SubscriberCount("room") != 1 {
		t.Fatal("subscription not recorded")
	}

	conn.Close()

	select {
	case got := <-closed:
		if got != id {
			t.Errorf("close handler got %q, want %q", got, id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for transport.Topics().SubscriberCount("room") != 0 || r.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection state not cleaned up after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestPublishReachesSubscribersOnly tests topic fan-out over real sockets
func TestPublishReachesSubscribersOnly(t *testing.T) {
	t.Parallel()

	r, ts := newTestServer(t, ServerConfig{})
	var subscribed atomic.Int32
	r.RegisterSocketHandler("join", socketgate.SocketFunc(func(_ any, conn socketgate.Conn, _ json.RawMessage) error {
		defer subscribed.Add(1)
		return r.Subscribe(conn, "news")
	}), nil)

	a, b, outsider := dial(t, ts), dial(t, ts), dial(t, ts)
	for _, c := range []*websocket.Conn{a, b, outsider} {
		readID(t, c)
	}
	_ = a.WriteJSON(socketgate.Message{Channel: "join"})
	_ = b.WriteJSON(socketgate.Message{Channel: "join"})

	deadline := time.Now().Add(2 * time.Second)
	for subscribed.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("subscriptions not completed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := r.Publish("news", "headline", map[string]string{"t": "x"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	for _, c := range []*websocket.Conn{a, b} {
		msg := readMessage(t, c)
		if msg.Channel != "headline" || string(msg.Data) != `{"t":"x"}` {
			t.Errorf("subscriber got %+v", msg)
		}
	}

	_ = outsider.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	if _, _, err := outsider.ReadMessage(); err == nil {
		t.Error("non-subscriber received a publish")
	}
}

// TestRateLimitClosesConnection tests the policy-violation close
func TestRateLimitClosesConnection(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, ServerConfig{
		RateLimitConfig: &RateLimitConfig{MessagesPerSecond: rate.Limit(1), Burst: 1, Enabled: true},
	})

	conn := dial(t, ts)
	readID(t, conn)

	for i := 0; i < 3; i++ {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"channel":"x","data":{}}`))
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
			t.Errorf("read error = %v, want policy violation close", err)
		}
		return
	}
}

// TestHealthEndpoint tests the health route and its connection count
func TestHealthEndpoint(t *testing.T) {
	t.Parallel()

	_, ts := newTestServer(t, ServerConfig{})
	conn := dial(t, ts)
	readID(t, conn)

	resp, err := http.Get(ts.URL + HealthPath)
	if err != nil {
		t.Fatalf("GET %s: %v", HealthPath, err)
	}
	defer resp.Body.Close()

	var body struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if resp.StatusCode != http.StatusOK || body.Status != "ok" || body.Connections != 1 {
		t.Errorf("health = %d %+v, want 200 ok 1", resp.StatusCode, body)
	}
}

// TestRequestHandlersAndStaticFallthrough tests request dispatch over HTTP
func TestRequestHandlersAndStaticFallthrough(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>hi</h1>"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "data"), []byte("static data"), 0o644); err != nil {
		t.Fatal(err)
	}

	r, ts := newTestServer(t, ServerConfig{PublicPaths: []PublicPath{{Dir: dir, Prefix: "/"}}})
	r.RegisterRequestHandler("get", "/data/blob", socketgate.RequestFunc(func(_ any, w http.ResponseWriter, _ *http.Request, token string) error {
		w.Header().Set("Content-Type", "application/json")
		return json.NewEncoder(w).Encode(map[string]string{"token": token})
	}), nil)
	r.RegisterRequestHandler("GET", "/data", socketgate.RequestFunc(func(any, http.ResponseWriter, *http.Request, string) error {
		return errors.New("not mine")
	}), nil)

	tests := []struct {
		name       string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "handled", path: "/data/blob", wantStatus: http.StatusOK, wantBody: `{"token":"tok123"}` + "\n"},
		{name: "all failed falls to static", path: "/data", wantStatus: http.StatusOK, wantBody: "static data"},
		{name: "unmatched static file", path: "/index.html", wantStatus: http.StatusOK, wantBody: "<h1>hi</h1>"},
		{name: "missing file", path: "/nope.txt", wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, ts.URL+tt.path, nil)
			req.Header.Set("Authorization", "tok123")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if tt.wantBody != "" && string(body) != tt.wantBody {
				t.Errorf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

// TestServeAndShutdown tests the listener lifecycle
func TestServeAndShutdown(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{Addr: "127.0.0.1:0"})
	r := router.New(srv)
	ctx := context.Background()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := srv.Serve(ctx, r); !errors.Is(err, socketgate.ErrAlreadyRunning) {
		t.Errorf("second Serve() error = %v, want ErrAlreadyRunning", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+DefaultWSPath, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readID(t, conn)

	stopCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Errorf("read after shutdown = %v, want going-away close", err)
	}
}

// TestServeBindFailure tests that a bind error is returned synchronously
func TestServeBindFailure(t *testing.T) {
	t.Parallel()

	first := New(ServerConfig{Addr: "127.0.0.1:0"})
	r1 := router.New(first)
	if err := r1.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer r1.Stop(context.Background())

	second := router.New(New(ServerConfig{Addr: first.Addr()}))
	if err := second.Start(context.Background()); err == nil {
		t.Error("Start() on a taken address should fail")
	}
}

// TestParseMessage tests decoding including the empty-payload fallback
func TestParseMessage(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{})
	tests := []struct {
		raw         string
		wantChannel string
		wantData    string
	}{
		{raw: `{"channel":"a","data":{"x":1}}`, wantChannel: "a", wantData: `{"x":1}`},
		{raw: `{"channel":"a"}`, wantChannel: "a", wantData: `{}`},
		{raw: `not json`, wantChannel: "", wantData: `{}`},
		{raw: `{"data":{}}`, wantChannel: "", wantData: `{}`},
	}

	for _, tt := range tests {
		msg := srv.ParseMessage([]byte(tt.raw))
		if msg.Channel != tt.wantChannel || string(msg.Data) != tt.wantData {
			t.Errorf("ParseMessage(%s) = %q %s, want %q %s", tt.raw, msg.Channel, msg.Data, tt.wantChannel, tt.wantData)
		}
	}
}

// BenchmarkNewServer benchmarks server creation
func BenchmarkNewServer(b *testing.B) {
	cfg := ServerConfig{Addr: ":8080", RateLimitConfig: DefaultRateLimitConfig()}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = New(cfg)
	}
}

// TestMessagesDispatchInOrder tests that one connection's messages reach
// handlers in arrival order.
func TestMessagesDispatchInOrder(t *testing.T) {
	t.Parallel()

	r, ts := newTestServer(t, ServerConfig{RateLimitConfig: NoRateLimit()})
	const total = 100
	got := make(chan int, total)
	r.RegisterSocketHandler("seq", socketgate.SocketFunc(func(_ any, _ socketgate.Conn, data json.RawMessage) error {
		var n int
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		got <- n
		return nil
	}), nil)

	conn := dial(t, ts)
	readID(t, conn)
	for i := 0; i < total; i++ {
		frame, _ := json.Marshal(map[string]any{"channel": "seq", "data": i})
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for want := 0; want < total; want++ {
		select {
		case n := <-got:
			if n != want {
				t.Fatalf("message %d dispatched at position %d", n, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d of %d messages dispatched", want, total)
		}
	}
}

// TestSlowJoinBeforeDisconnect tests that a subscription made by a handler
// still running when the peer leaves is removed by the close cleanup.
func TestSlowJoinBeforeDisconnect(t *testing.T) {
	t.Parallel()

	transport := New(ServerConfig{})
	r := router.New(transport)
	ts := httptest.NewServer(r.Handler())
	t.Cleanup(ts.Close)

	started := make(chan struct{}, 1)
	closed := make(chan struct{}, 1)
	r.RegisterSocketHandler("join", socketgate.SocketFunc(func(_ any, conn socketgate.Conn, _ json.RawMessage) error {
		started <- struct{}{}
		time.Sleep(100 * time.Millisecond)
		return r.Subscribe(conn, "room")
	}), nil)
	r.RegisterSocketHandler(socketgate.ChannelClose, socketgate.SocketFunc(func(any, socketgate.Conn, json.RawMessage) error {
		closed <- struct{}{}
		return nil
	}), nil)

	conn := dial(t, ts)
	readID(t, conn)
	_ = conn.WriteJSON(socketgate.Message{Channel: "join", Data: json.RawMessage(`{}`)})

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("join handler not invoked")
	}
	conn.Close()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close handler not invoked")
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.ConnectionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("connection still live after close")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := transport.Topics().SubscriberCount("room"); n != 0 {
		t.Errorf("room has %d subscribers after the peer left, want 0", n)
	}
}

// TestServeStopsOnCancel tests that cancelling the serve context shuts the
// server down and the gateway can start again.
func TestServeStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := New(ServerConfig{Addr: "127.0.0.1:0"})
	r := router.New(srv)
	ctx, cancel := context.WithCancel(context.Background())

	if err := r.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	deadline := time.Now().Add(3 * time.Second)
	for {
		err := r.Start(context.Background())
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("Start() after cancel error = %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = r.Stop(context.Background())
}
