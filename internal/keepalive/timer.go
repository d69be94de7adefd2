package keepalive

import (
	"sync"
	"time"
)

// DefaultSettleWindow is how close to its expiry a reset may land before the
// restarted run falls back to the full duration.
const DefaultSettleWindow = time.Second

// Timer is a countdown that runs to completion and can be extended while it
// runs.
//
// Reset does not reschedule the pending expiry. When the run expires after
// one or more resets, the callback gets wasReset=true and the timer re-arms
// itself so that the next expiry lands one duration after the last reset.
// A run that expires without a reset calls back with wasReset=false and
// stays stopped.
//
// e.g. a 10s timer reset after 8s calls back at 10s (true) and at 18s
// (false, unless reset again).
type Timer struct {
	duration time.Duration
	window   time.Duration
	callback func(wasReset bool)

	mu        sync.Mutex
	timer     *time.Timer
	gen       uint64
	startedAt time.Time
	resetAt   time.Time
	wasReset  bool
	running   bool
}

// TimerOption configures a Timer.
type TimerOption func(*Timer)

// WithTimerSettleWindow overrides DefaultSettleWindow.
func WithTimerSettleWindow(d time.Duration) TimerOption {
	return func(t *Timer) {
		if d >= 0 {
			t.window = d
		}
	}
}

// NewTimer creates a stopped timer. callback runs on its own goroutine and
// may call back into the timer.
func NewTimer(d time.Duration, callback func(wasReset bool), opts ...TimerOption) *Timer {
	t := &Timer{
		duration: d,
		window:   DefaultSettleWindow,
		callback: callback,
	}
	for _, opt := range opts {
		opt(t)
	}
	now := time.Now()
	t.startedAt = now
	t.resetAt = now
	return t
}

// Start arms the timer for its full duration, cancelling any pending run.
func (t *Timer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wasReset = false
	t.arm(t.duration)
}

// Reset marks the current run as extended, counting from now.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.wasReset = true
	t.resetAt = time.Now()
}

// Clear cancels the pending expiry.
func (t *Timer) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.wasReset = false
	t.running = false
}

// Running reports whether an expiry is pending.
func (t *Timer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// arm must be called with mu held.
func (t *Timer) arm(d time.Duration) {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
	}
	gen := t.gen
	t.timer = time.AfterFunc(d, func() { t.expire(gen) })
	t.running = true
	t.startedAt = time.Now()
	t.resetAt = t.startedAt
}

// remaining returns the restart duration after a reset run, measured at
// expiry time now, so that the next expiry lands one full duration after
// the last reset.
func (t *Timer) remaining(now time.Time) time.Duration {
	if now.Sub(t.resetAt) < t.window {
		return t.duration
	}
	d := t.resetAt.Add(t.duration).Sub(now)
	if d <= 0 {
		return t.duration
	}
	return d
}

func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen {
		// cleared or re-armed since this expiry was scheduled
		t.mu.Unlock()
		return
	}
	wasReset := t.wasReset
	if wasReset {
		t.wasReset = false
		t.arm(t.remaining(time.Now()))
	} else {
		t.timer = nil
		t.running = false
	}
	t.mu.Unlock()

	if t.callback != nil {
		t.callback(wasReset)
	}
}
