package ratelimit

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTryAcquireBurstAdmitsAtMostLimit(t *testing.T) {
	clock := newFakeClock()
	l := New(30, time.Minute, WithClock(clock.Now))

	admitted := 0
	for range 300 {
		if l.TryAcquire("host-a") {
			admitted++
		}
	}
	assert.Equal(t, 30, admitted)
	assert.False(t, l.TryAcquire("host-a"))
	assert.True(t, l.TryAcquire("host-b"), "destinations are independent")
}

func TestTryAcquireRollingWindow(t *testing.T) {
	const (
		limit  = 5
		window = 10 * time.Second
	)
	clock := newFakeClock()
	l := New(limit, window, WithClock(clock.Now))

	var admittedAt []time.Time
	// 10N attempts spread over several windows with a step that does not divide the window
	for range 10 * limit * 4 {
		if l.TryAcquire("dest") {
			admittedAt = append(admittedAt, clock.Now())
		}
		clock.Advance(700 * time.Millisecond)
	}
	require.NotEmpty(t, admittedAt)

	for i, start := range admittedAt {
		inWindow := 0
		for _, ts := range admittedAt[i:] {
			if ts.Sub(start) < window {
				inWindow++
			}
		}
		assert.LessOrEqual(t, inWindow, limit, "window starting at %s", start)
	}
}

func TestAcquisitionsExpire(t *testing.T) {
	clock := newFakeClock()
	l := New(2, time.Minute, WithClock(clock.Now))

	require.True(t, l.TryAcquire("d"))
	clock.Advance(30 * time.Second)
	require.True(t, l.TryAcquire("d"))
	require.False(t, l.TryAcquire("d"))

	assert.Equal(t, 30*time.Second, l.RetryAfter("d"))

	clock.Advance(30 * time.Second)
	assert.True(t, l.TryAcquire("d"), "first acquisition left the window")
	assert.False(t, l.TryAcquire("d"))

	clock.Advance(2 * time.Minute)
	assert.Equal(t, time.Duration(0), l.RetryAfter("d"))
}

func TestTryAcquireConcurrentBurst(t *testing.T) {
	l := New(10, time.Hour)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				if l.TryAcquire("shared") {
					admitted.Add(1)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(10), admitted.Load())
}

func TestCompactDropsIdleDestinations(t *testing.T) {
	clock := newFakeClock()
	l := New(3, time.Second, WithClock(clock.Now))
	l.TryAcquire("a")
	l.TryAcquire("b")
	clock.Advance(2 * time.Second)
	l.TryAcquire("c")

	assert.Equal(t, 2, l.Compact())
	assert.Len(t, l.windows, 1)
}

func TestNewAppliesDefaults(t *testing.T) {
	l := New(0, 0)
	assert.Equal(t, defaultLimit, l.limit)
	assert.Equal(t, defaultWindow, l.window)
}
