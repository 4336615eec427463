// Package ratewindow implements a sliding time window event counter. The same type
// backs the interceptor throttle and the server circuit breaker.
package ratewindow

import (
	"sync"
	"time"
)

// Window counts events in the trailing Window duration and reports when more than
// Max have been recorded.
type Window struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events []time.Time
	now    func() time.Time
}

// New creates a window allowing max events per window.
func New(max int, window time.Duration) *Window {
	return &Window{max: max, window: window, now: time.Now}
}

// WithClock overrides the time source. Intended for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Record adds an event at the current time and reports whether the window is now
// exceeded.
func (w *Window) Record() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.evict(now)
	w.events = append(w.events, now)
	return w.max > 0 && len(w.events) > w.max
}

// Count returns the number of events inside the window.
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(w.now())
	return len(w.events)
}

// Exceeded reports whether more than max events are inside the window.
func (w *Window) Exceeded() bool {
	return w.max > 0 && w.Count() > w.max
}

// Reset clears all recorded events.
func (w *Window) Reset() {
	w.mu.Lock()
	w.events = w.events[:0]
	w.mu.Unlock()
}

// Configure changes the limits. Recorded events are kept.
func (w *Window) Configure(max int, window time.Duration) {
	w.mu.Lock()
	w.max = max
	w.window = window
	w.mu.Unlock()
}

// Limits returns the configured max and window.
func (w *Window) Limits() (int, time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.max, w.window
}

// evict drops events older than the window. Caller holds mu.
func (w *Window) evict(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
