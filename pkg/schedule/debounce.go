package schedule

import (
	"sync"
	"time"
)

// Debouncer delays calls to fn until delay has passed without a new call,
// then invokes fn once with the most recent argument.
//
// The zero value is not usable - use NewDebouncer.
type Debouncer[T any] struct {
	clock Clock
	delay time.Duration
	fn    func(T)

	mu      sync.Mutex
	timer   Timer
	gen     uint64
	pending bool
	arg     T
	stopped bool
}

// NewDebouncer creates a debouncer. A nil clock means [System].
func NewDebouncer[T any](clock Clock, delay time.Duration, fn func(T)) *Debouncer[T] {
	return &Debouncer[T]{clock: orSystem(clock), delay: delay, fn: fn}
}

// Call records arg and restarts the quiet period. Calls after Stop are
// ignored.
func (d *Debouncer[T]) Call(arg T) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopTimerLocked()
	d.arg = arg
	d.pending = true
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() { d.fire(gen) })
}

// Cancel drops the pending call, if any.
func (d *Debouncer[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopTimerLocked()
	d.clearLocked()
}

// Flush runs the pending call now instead of waiting for the timer. It
// reports whether a call was pending.
func (d *Debouncer[T]) Flush() bool {
	d.mu.Lock()
	if !d.pending || d.stopped {
		d.mu.Unlock()
		return false
	}
	d.stopTimerLocked()
	arg := d.arg
	d.clearLocked()
	d.mu.Unlock()

	d.fn(arg)
	return true
}

// Pending reports whether a call is waiting for its quiet period to end.
func (d *Debouncer[T]) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Stop cancels any pending call and disables the debouncer. fn is not invoked
// after Stop returns.
func (d *Debouncer[T]) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	d.stopTimerLocked()
	d.clearLocked()
}

func (d *Debouncer[T]) fire(gen uint64) {
	d.mu.Lock()
	if d.stopped || gen != d.gen || !d.pending {
		d.mu.Unlock()
		return
	}
	arg := d.arg
	d.clearLocked()
	d.timer = nil
	d.mu.Unlock()

	d.fn(arg)
}

// stopTimerLocked stops the current timer and invalidates any callback that
// already started but has not yet taken the lock.
func (d *Debouncer[T]) stopTimerLocked() {
	d.gen++
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

func (d *Debouncer[T]) clearLocked() {
	var zero T
	d.arg = zero
	d.pending = false
}
