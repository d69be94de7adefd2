package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/protocol"
	"github.com/luciancaetano/socketgate/internal/topics"
)

type fakeConn struct {
	mu     sync.Mutex
	id     string
	frames [][]byte
	closed bool
}

func (c *fakeConn) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

func (c *fakeConn) AssignID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

func (c *fakeConn) RemoteAddr() string       { return "127.0.0.1:1" }
func (c *fakeConn) Context() context.Context { return context.Background() }

func (c *fakeConn) Send(_ context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return socketgate.ErrConnectionClosed
	}
	c.frames = append(c.frames, data)
	return nil
}

func (c *fakeConn) Close(ctx context.Context) error { return c.CloseWithCode(ctx, 1000, "") }

func (c *fakeConn) CloseWithCode(context.Context, int, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) messages() []socketgate.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]socketgate.Message, 0, len(c.frames))
	for _, f := range c.frames {
		var m socketgate.Message
		_ = json.Unmarshal(f, &m)
		out = append(out, m)
	}
	return out
}

// fakeTransport is an in-memory binding backed by the real topic manager.
type fakeTransport struct {
	topics   *topics.Manager
	serveErr error

	mu     sync.Mutex
	served int
	down   int
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{topics: topics.New(nil)}
}

func (t *fakeTransport) ParseMessage(raw []byte) socketgate.Message {
	channel, data, err := protocol.Decode(raw)
	if err != nil {
		return socketgate.Message{Data: protocol.EmptyData}
	}
	return socketgate.Message{Channel: channel, Data: data}
}

func (t *fakeTransport) Send(conn socketgate.Conn, channel string, data any) error {
	frame, err := protocol.Encode(channel, data)
	if err != nil {
		return err
	}
	return conn.Send(context.Background(), frame)
}

func (t *fakeTransport) Publish(topic, channel string, data any) error {
	frame, err := protocol.Encode(channel, data)
	if err != nil {
		return err
	}
	t.topics.Publish(context.Background(), topic, frame)
	return nil
}

func (t *fakeTransport) Subscribe(conn socketgate.Conn, topic string) error {
	return t.topics.Subscribe(conn, topic)
}

func (t *fakeTransport) Unsubscribe(conn socketgate.Conn, topic string) error {
	if conn == nil {
		return errors.New("nil conn")
	}
	t.topics.Unsubscribe(conn.ID(), topic)
	return nil
}

func (t *fakeTransport) UnsubscribeAll(id string) { t.topics.UnsubscribeAll(id) }

func (t *fakeTransport) Handler(events socketgate.Events) http.Handler {
	return events.HandleRequest(http.NotFoundHandler())
}

func (t *fakeTransport) Serve(context.Context, socketgate.Events) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.serveErr != nil {
		return t.serveErr
	}
	t.served++
	return nil
}

func (t *fakeTransport) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.down++
	return nil
}

// frame builds a raw inbound envelope.
func frame(channel string, data any) []byte {
	b, _ := protocol.Encode(channel, data)
	return b
}
