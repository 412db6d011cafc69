package transport

import "sync"

// Listeners is an ordered set of callbacks. Implementations of [Channel] use
// it for their OnConnect and OnDisconnect registrations. The zero value is
// ready to use.
type Listeners[F any] struct {
	mu      sync.Mutex
	next    uint64
	entries []listener[F]
}

type listener[F any] struct {
	id uint64
	fn F
}

// Add registers fn and returns a function that removes it.
func (l *Listeners[F]) Add(fn F) (remove func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	id := l.next
	l.entries = append(l.entries, listener[F]{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, e := range l.entries {
				if e.id == id {
					l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
					return
				}
			}
		})
	}
}

// Snapshot returns the registered callbacks in registration order. Callers
// invoke them without holding any lock.
func (l *Listeners[F]) Snapshot() []F {
	l.mu.Lock()
	defer l.mu.Unlock()
	fns := make([]F, len(l.entries))
	for i, e := range l.entries {
		fns[i] = e.fn
	}
	return fns
}

// Clear removes every callback.
func (l *Listeners[F]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
}

// Len returns the number of registered callbacks.
func (l *Listeners[F]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
