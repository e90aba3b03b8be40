package ratelimit

import (
	"sync"
	"time"
)

const (
	defaultLimit  = 30
	defaultWindow = time.Minute
)

// Limiter is a sliding-window admission gate keyed by destination.
// Every successful TryAcquire is remembered for one window; a destination
// never has more than limit remembered acquisitions at any instant.
type Limiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	now     func() time.Time
	windows map[string][]time.Time
}

// Option customizes a Limiter.
type Option func(*Limiter)

// WithClock replaces the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter admitting at most limit acquisitions per destination
// within any rolling window.
func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = defaultLimit
	}
	if window <= 0 {
		window = defaultWindow
	}
	l := &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: make(map[string][]time.Time),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryAcquire reports whether a request against destination may proceed now.
// It never blocks.
func (l *Limiter) TryAcquire(destination string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := prune(l.windows[destination], now.Add(-l.window))
	if len(hits) >= l.limit {
		l.windows[destination] = hits
		return false
	}
	l.windows[destination] = append(hits, now)
	return true
}

// RetryAfter returns how long until destination frees a slot; zero when a
// slot is available now.
func (l *Limiter) RetryAfter(destination string) time.Duration {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := prune(l.windows[destination], now.Add(-l.window))
	l.windows[destination] = hits
	if len(hits) < l.limit {
		return 0
	}
	return hits[0].Add(l.window).Sub(now)
}

// Compact drops destinations whose windows are empty.
func (l *Limiter) Compact() int {
	cutoff := l.now().Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for dest, hits := range l.windows {
		hits = prune(hits, cutoff)
		if len(hits) == 0 {
			delete(l.windows, dest)
			removed++
			continue
		}
		l.windows[dest] = hits
	}
	return removed
}

// prune drops timestamps at or before cutoff; hits are kept in ascending order.
func prune(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
