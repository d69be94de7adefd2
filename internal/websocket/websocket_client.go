package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/socketgate"
	"github.com/luciancaetano/socketgate/internal/logging"
)

// clientOptions carries the per-connection settings derived from ServerConfig.
type clientOptions struct {
	rateLimit    *RateLimitConfig
	sendBuffer   int
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *logging.ColoredLogger
}

// Client is the server side of one websocket connection. It implements
// socketgate.Conn.
type Client struct {
	id          string
	conn        *websocket.Conn
	remoteAddr  string
	ctx         context.Context
	cancel      context.CancelFunc
	sendCh      chan []byte
	mu          sync.RWMutex
	closed      bool
	rateLimiter *rate.Limiter // Rate limiter for incoming messages
	opts        clientOptions
}

var _ socketgate.Conn = (*Client)(nil)

// NewClient wraps an upgraded connection and starts its write pump.
func NewClient(conn *websocket.Conn, remoteAddr string, opts clientOptions) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	if opts.sendBuffer <= 0 {
		opts.sendBuffer = DefaultSendBuffer
	}
	if opts.logger == nil {
		opts.logger = logging.NewNop()
	}

	client := &Client{
		conn:        conn,
		remoteAddr:  remoteAddr,
		ctx:         ctx,
		cancel:      cancel,
		sendCh:      make(chan []byte, opts.sendBuffer),
		rateLimiter: newRateLimiter(opts.rateLimit),
		opts:        opts,
	}

	go client.writePump()

	return client
}

// ID returns the identifier assigned by the gateway.
func (c *Client) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

// AssignID attaches the gateway-assigned identifier.
func (c *Client) AssignID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// RemoteAddr returns the client's remote network address
func (c *Client) RemoteAddr() string {
	return c.remoteAddr
}

// Context returns the client's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send queues an encoded frame. It does not wait for a slow peer: a full
// buffer rejects the frame with ErrSendBufferFull.
func (c *Client) Send(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return socketgate.ErrConnectionClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case c.sendCh <- data:
		return nil
	default:
		return socketgate.ErrSendBufferFull
	}
}

// Close closes the client connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode closes the connection with a close code and optional reason
func (c *Client) CloseWithCode(_ context.Context, code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.cancel()

	message := websocket.FormatCloseMessage(code, reason)
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, message, deadline)

	close(c.sendCh)
	return c.conn.Close()
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// newRateLimiter returns nil when rate limiting is disabled.
func newRateLimiter(cfg *RateLimitConfig) *rate.Limiter {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	return rate.NewLimiter(cfg.MessagesPerSecond, cfg.Burst)
}

// CheckRateLimit reports whether one more inbound message is allowed.
func (c *Client) CheckRateLimit() bool {
	if c.rateLimiter == nil {
		return true
	}
	return c.rateLimiter.Allow()
}

// writePump pumps messages from the send channel to the websocket connection
// and pings the peer every pingInterval.
func (c *Client) writePump() {
	var tick <-chan time.Time
	if c.opts.pingInterval > 0 {
		ticker := time.NewTicker(c.opts.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}
	defer c.conn.Close()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.opts.logger.ComponentDebug(logging.ComponentWebsocket, "write failed",
					zap.String("conn_id", c.ID()),
					zap.Error(err))
				return
			}

		case <-tick:
			c.setWriteDeadline()
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) setWriteDeadline() {
	if c.opts.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))
	}
}
