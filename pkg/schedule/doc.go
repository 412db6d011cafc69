// Package schedule provides the two rate limiters used by the collaboration
// engine: a trailing-edge [Debouncer] for snapshot publishing and a
// [Throttler] for cursor updates.
//
// Both run their callback on a timer goroutine obtained from a [Clock]. Tests
// substitute the manual clock from package schedtest and advance time
// explicitly, so no test depends on wall-clock sleeps.
//
// Callbacks are never invoked while the limiter holds its own lock. A
// callback may therefore call back into the same limiter.
package schedule
