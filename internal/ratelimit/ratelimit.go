// Package ratelimit implements a fixed-window request counter keyed by
// fingerprint hash. It is an approximate limiter (fixed window, not
// strictly sliding) and per-instance by design: the goal is abuse
// mitigation, not billing-grade accuracy.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Limiter counts requests per key inside a fixed window. Safe for
// concurrent use; updates are atomic per key under one mutex.
type Limiter struct {
	windowSize time.Duration
	max        int

	mu      sync.Mutex
	windows map[string]*window

	now func() time.Time // injectable clock for tests
}

func NewLimiter(windowSize time.Duration, max int) *Limiter {
	return &Limiter{
		windowSize: windowSize,
		max:        max,
		windows:    make(map[string]*window),
		now:        time.Now,
	}
}

// Allow reports whether a request for key fits inside the current window.
// The first max requests in a window succeed; the next is rejected until
// the window elapses and the counter resets.
func (l *Limiter) Allow(key string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.windowSize {
		l.windows[key] = &window{start: now, count: 1}
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Cleanup drops entries older than twice the window to bound memory.
func (l *Limiter) Cleanup() {
	now := l.now()
	cutoff := 2 * l.windowSize

	l.mu.Lock()
	defer l.mu.Unlock()
	for key, w := range l.windows {
		if now.Sub(w.start) >= cutoff {
			delete(l.windows, key)
		}
	}
}

// StartCleanup runs Cleanup on an interval until stop is closed.
func (l *Limiter) StartCleanup(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.Cleanup()
			}
		}
	}()
}

// Size returns the number of tracked keys.
func (l *Limiter) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}
