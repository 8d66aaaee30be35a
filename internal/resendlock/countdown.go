package resendlock

import (
	"context"
	"sync"
	"time"
)

// CountdownOption configures a Countdown.
type CountdownOption func(*Countdown)

// WithTickInterval changes the tick period. Each tick still counts as one
// second; tests use a short interval to run quickly.
func WithTickInterval(d time.Duration) CountdownOption {
	return func(c *Countdown) {
		if d > 0 {
			c.interval = d
		}
	}
}

// Countdown is the live seconds counter shown next to a disabled resend
// button. It anchors on the persisted lock and then decrements locally once
// per tick. Stopping it never touches the persisted lock.
type Countdown struct {
	session    *Session
	subjectKey string
	interval   time.Duration

	mu        sync.Mutex
	remaining int
	out       chan int
	cancel    context.CancelFunc
	done      chan struct{}
	anchored  chan struct{}
}

// NewCountdown returns a stopped countdown for subjectKey.
func NewCountdown(session *Session, subjectKey string, opts ...CountdownOption) *Countdown {
	c := &Countdown{
		session:    session,
		subjectKey: subjectKey,
		interval:   time.Second,
		anchored:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start anchors on the persisted lock and emits the remaining seconds
// immediately and after every tick. The channel closes when the counter
// reaches zero, ctx is cancelled or Stop is called. Calling Start on a running
// countdown returns the existing channel; once it has finished, Start begins a
// fresh countdown on a new channel.
func (c *Countdown) Start(ctx context.Context) <-chan int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runningLocked() {
		return c.out
	}
	if c.cancel != nil {
		c.cancel()
	}
	select {
	case <-c.anchored:
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.out = make(chan int, 1)
	c.done = make(chan struct{})
	c.remaining = c.session.Resync(ctx, c.subjectKey)

	go c.run(ctx, c.out, c.done, c.remaining)
	return c.out
}

func (c *Countdown) runningLocked() bool {
	if c.done == nil {
		return false
	}
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *Countdown) run(ctx context.Context, out chan<- int, done chan<- struct{}, first int) {
	defer close(done)
	defer close(out)

	if !emit(ctx, out, first) || first == 0 {
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		var n int
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.remaining > 0 {
				c.remaining--
			}
			n = c.remaining
			c.mu.Unlock()
		case <-c.anchored:
			ticker.Reset(c.interval)
			c.mu.Lock()
			n = c.remaining
			c.mu.Unlock()
		}
		if !emit(ctx, out, n) || n == 0 {
			return
		}
	}
}

func emit(ctx context.Context, out chan<- int, n int) bool {
	select {
	case out <- n:
		return true
	case <-ctx.Done():
		return false
	}
}

// Foreground re-reads the persisted lock and resets the local counter to it.
// Call it when the app returns to the foreground, since the local ticker does
// not run while suspended. It returns the new remaining seconds.
func (c *Countdown) Foreground(ctx context.Context) int {
	secs := c.session.Resync(ctx, c.subjectKey)

	c.mu.Lock()
	c.remaining = secs
	running := c.runningLocked()
	c.mu.Unlock()

	if running {
		select {
		case c.anchored <- struct{}{}:
		default:
		}
	}
	return secs
}

// Remaining returns the current value of the local counter.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Stop halts the countdown and waits for its goroutine to exit. A later Start
// begins again from the persisted lock.
func (c *Countdown) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
