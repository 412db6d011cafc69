package schedule

import (
	"sync"
	"time"
)

// Throttler limits calls to fn to at most one per interval.
//
// A call arriving after the interval has elapsed since the last invocation
// runs fn immediately on the caller's goroutine and drops any pending trailing
// invocation. A call arriving inside the window records its argument and
// moves the trailing invocation to one interval after itself, so a burst
// ends in a single trailing call carrying the most recent argument. Every
// trailing invocation is at least one interval after the previous one.
//
// The zero value is not usable - use NewThrottler.
type Throttler[T any] struct {
	clock    Clock
	interval time.Duration
	fn       func(T)

	mu       sync.Mutex
	last     time.Time
	fired    bool
	timer    Timer
	gen      uint64
	trailing bool
	arg      T
	stopped  bool
}

// NewThrottler creates a throttler. A nil clock means [System].
func NewThrottler[T any](clock Clock, interval time.Duration, fn func(T)) *Throttler[T] {
	return &Throttler[T]{clock: orSystem(clock), interval: interval, fn: fn}
}

// Call invokes fn now or schedules the trailing invocation.
func (t *Throttler[T]) Call(arg T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}

	now := t.clock.Now()
	elapsed := now.Sub(t.last)
	if !t.fired || elapsed >= t.interval {
		t.stopTimerLocked()
		t.trailing = false
		t.last = now
		t.fired = true
		t.mu.Unlock()
		t.fn(arg)
		return
	}

	t.stopTimerLocked()
	t.arg = arg
	t.trailing = true
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.interval, func() { t.fire(gen) })
	t.mu.Unlock()
}

// Cancel drops the trailing invocation, if any.
func (t *Throttler[T]) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopTimerLocked()
	t.clearLocked()
}

// Pending reports whether a trailing invocation is scheduled.
func (t *Throttler[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.trailing
}

// Stop cancels any trailing invocation and disables the throttler.
func (t *Throttler[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.stopTimerLocked()
	t.clearLocked()
}

func (t *Throttler[T]) fire(gen uint64) {
	t.mu.Lock()
	if t.stopped || gen != t.gen || !t.trailing {
		t.mu.Unlock()
		return
	}
	arg := t.arg
	t.clearLocked()
	t.timer = nil
	t.last = t.clock.Now()
	t.mu.Unlock()

	t.fn(arg)
}

func (t *Throttler[T]) stopTimerLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttler[T]) clearLocked() {
	var zero T
	t.arg = zero
	t.trailing = false
}
