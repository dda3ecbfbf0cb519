// Package timer provides single-shot timers keyed by ride or request id.
// A key holds at most one pending timer; every timer either fires exactly
// once or is cancelled exactly once.
package timer

import (
	"sync"
	"time"
)

// Scheduler schedules and cancels keyed single-shot callbacks.
type Scheduler interface {
	// Schedule arms fn to run after d. A pending timer under the same key
	// is cancelled first.
	Schedule(key string, d time.Duration, fn func())
	// Cancel stops the timer under key. Returns false if none was pending.
	Cancel(key string) bool
	// CancelAll stops every pending timer.
	CancelAll()
}

// Wall runs timers on the wall clock.
type Wall struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func New() *Wall {
	return &Wall{timers: make(map[string]*time.Timer)}
}

func (w *Wall) Schedule(key string, d time.Duration, fn func()) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.timers[key]; ok {
		prev.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		w.mu.Lock()
		// A timer that lost its slot was cancelled or replaced between
		// firing and acquiring the lock; it must not run.
		if w.timers[key] != t {
			w.mu.Unlock()
			return
		}
		delete(w.timers, key)
		w.mu.Unlock()
		fn()
	})
	w.timers[key] = t
}

func (w *Wall) Cancel(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	t, ok := w.timers[key]
	if !ok {
		return false
	}
	delete(w.timers, key)
	t.Stop()
	return true
}

func (w *Wall) CancelAll() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for key, t := range w.timers {
		t.Stop()
		delete(w.timers, key)
	}
}

// Manual fires timers only when told to, so tests and simulations can
// drive time deterministically.
type Manual struct {
	mu      sync.Mutex
	pending map[string]func()
}

func NewManual() *Manual {
	return &Manual{pending: make(map[string]func())}
}

func (m *Manual) Schedule(key string, d time.Duration, fn func()) {
	m.mu.Lock()
	m.pending[key] = fn
	m.mu.Unlock()
}

func (m *Manual) Cancel(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	delete(m.pending, key)
	return ok
}

func (m *Manual) CancelAll() {
	m.mu.Lock()
	m.pending = make(map[string]func())
	m.mu.Unlock()
}

// Fire runs and removes the callback under key, if one is pending.
func (m *Manual) Fire(key string) bool {
	m.mu.Lock()
	fn, ok := m.pending[key]
	delete(m.pending, key)
	m.mu.Unlock()
	if ok {
		fn()
	}
	return ok
}

// Pending reports whether a timer is armed under key.
func (m *Manual) Pending(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[key]
	return ok
}
