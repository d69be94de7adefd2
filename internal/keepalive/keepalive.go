// Package keepalive keeps an idle duplex connection alive while its user is
// active, and stops pinging once the user has gone idle.
//
// Two timers run on independent clocks: the ping timer fires every ping
// interval and sends a ping, the logoff timer fires after the idle timeout.
// Activity extends the logoff timer; if the session had already been
// declared idle, activity restarts both timers from scratch.
package keepalive

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/luciancaetano/socketgate/internal/logging"
)

// Defaults for the client keep-alive surface.
const (
	DefaultIdleTimeout  = 300 * time.Second
	DefaultPingInterval = 30 * time.Second
)

// KeepAlive drives periodic pings until the idle timeout elapses without
// activity.
type KeepAlive struct {
	ping   func()
	logger *logging.ColoredLogger

	pingTimer   *Timer
	logoffTimer *Timer

	mu           sync.Mutex
	shouldLogoff bool
	stopped      bool
}

// Option configures a KeepAlive.
type Option func(*options)

type options struct {
	window time.Duration
	logger *logging.ColoredLogger
}

// WithSettleWindow sets the settle window of both timers.
func WithSettleWindow(d time.Duration) Option {
	return func(o *options) { o.window = d }
}

// WithLogger sets the logger.
func WithLogger(l *logging.ColoredLogger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// New starts both timers. ping is called on its own goroutine every
// pingInterval until the session goes idle or Stop is called.
func New(ping func(), pingInterval, idleTimeout time.Duration, opts ...Option) *KeepAlive {
	o := options{window: DefaultSettleWindow, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}

	k := &KeepAlive{ping: ping, logger: o.logger}
	k.logoffTimer = NewTimer(idleTimeout, k.checkTimeout, WithTimerSettleWindow(o.window))
	k.pingTimer = NewTimer(pingInterval, k.doPing, WithTimerSettleWindow(o.window))

	k.logoffTimer.Start()
	k.pingTimer.Start()
	return k
}

// Activity records user activity.
func (k *KeepAlive) Activity() {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stopped {
		return
	}
	if k.shouldLogoff {
		k.shouldLogoff = false
		k.pingTimer.Start()
		k.logoffTimer.Start()
		k.logger.ComponentDebug(logging.ComponentKeepAlive, "session resumed after idle")
		return
	}
	k.logoffTimer.Reset()
}

// ShouldLogoff reports whether the idle timeout has elapsed without activity.
func (k *KeepAlive) ShouldLogoff() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.shouldLogoff
}

// Stop clears both timers and ignores further activity.
func (k *KeepAlive) Stop() {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopped = true
	k.pingTimer.Clear()
	k.logoffTimer.Clear()
}

func (k *KeepAlive) checkTimeout(wasReset bool) {
	if wasReset {
		return
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stopped {
		return
	}
	k.pingTimer.Clear()
	k.logoffTimer.Clear()
	k.shouldLogoff = true
	k.logger.ComponentDebug(logging.ComponentKeepAlive, "idle timeout reached, pings stopped")
}

func (k *KeepAlive) doPing(bool) {
	k.mu.Lock()
	if k.shouldLogoff || k.stopped {
		k.mu.Unlock()
		return
	}
	k.mu.Unlock()

	k.safePing()

	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.shouldLogoff && !k.stopped {
		k.pingTimer.Start()
	}
}

func (k *KeepAlive) safePing() {
	defer func() {
		if r := recover(); r != nil {
			k.logger.ComponentError(logging.ComponentKeepAlive, "ping panicked", zap.Any("panic", r))
		}
	}()
	if k.ping != nil {
		k.ping()
	}
}
