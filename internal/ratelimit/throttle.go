// Package ratelimit bounds how often ephemeral state is emitted.
package ratelimit

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Throttle is a trailing-edge fixed-window limiter. The first Submit opens a
// window of the configured interval; when it closes, the most recently
// submitted value is emitted once. Values superseded inside a window are
// dropped, never queued.
type Throttle[T any] struct {
	mu       sync.Mutex
	clock    clock.Clock
	interval time.Duration
	emit     func(T)

	pending    T
	hasPending bool
	timer      *clock.Timer
	generation uint64
	stopped    bool
}

func NewThrottle[T any](interval time.Duration, clk clock.Clock, emit func(T)) *Throttle[T] {
	if clk == nil {
		clk = clock.New()
	}
	return &Throttle[T]{
		clock:    clk,
		interval: interval,
		emit:     emit,
	}
}

// Submit records v as the value to emit at the end of the current window.
func (t *Throttle[T]) Submit(v T) {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.pending = v
	t.hasPending = true
	if t.interval <= 0 {
		t.mu.Unlock()
		t.Flush()
		return
	}
	if t.timer == nil {
		t.generation++
		generation := t.generation
		t.timer = t.clock.AfterFunc(t.interval, func() { t.fire(generation) })
	}
	t.mu.Unlock()
}

// Flush emits the pending value immediately and closes the window.
func (t *Throttle[T]) Flush() {
	t.mu.Lock()
	v, ok := t.take()
	t.mu.Unlock()
	if ok {
		t.emit(v)
	}
}

// Pending reports whether a value is waiting for its window to close.
func (t *Throttle[T]) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hasPending
}

// Stop cancels the window and drops the pending value. Later submits are ignored.
func (t *Throttle[T]) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	t.take()
}

func (t *Throttle[T]) fire(generation uint64) {
	t.mu.Lock()
	if generation != t.generation || t.timer == nil {
		t.mu.Unlock()
		return
	}
	v, ok := t.take()
	t.mu.Unlock()
	if ok {
		t.emit(v)
	}
}

// take must be called with mu held.
func (t *Throttle[T]) take() (T, bool) {
	var zero T
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
		t.generation++
	}
	if !t.hasPending {
		return zero, false
	}
	v := t.pending
	t.pending = zero
	t.hasPending = false
	return v, true
}
