package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clipbatch/internal/ratelimit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeUnits(n int, destination string) []Unit {
	units := make([]Unit, n)
	for i := range units {
		units[i] = Unit{ID: fmt.Sprintf("u%d", i), Ref: fmt.Sprintf("https://%s/%d.mp4", destination, i), Destination: destination}
	}
	return units
}

func fastOptions(exec Executor) Options {
	return Options{
		BaseBackoff:      time.Millisecond,
		MaxBackoff:       4 * time.Millisecond,
		RateLimitBackoff: time.Millisecond,
		Execute:          exec,
	}
}

func TestSubmitNeverExceedsMaxConcurrent(t *testing.T) {
	q := New(6, nil, Options{})

	var inFlight, peak atomic.Int64
	exec := func(ctx context.Context, u Unit) (Output, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		inFlight.Add(-1)
		return Output{FileSizeBytes: 10}, nil
	}

	var progressCalls int
	var lastCompleted, lastTotal int
	opts := fastOptions(exec)
	opts.MaxConcurrent = 3
	opts.OnProgress = func(completed, total int) {
		progressCalls++
		lastCompleted, lastTotal = completed, total
	}

	results, err := q.Submit(context.Background(), makeUnits(20, "a.example"), opts)
	require.NoError(t, err)
	require.Len(t, results, 20)
	for _, r := range results {
		assert.True(t, r.Success, r.UnitID)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Equal(t, 20, progressCalls)
	assert.Equal(t, 20, lastCompleted)
	assert.Equal(t, 20, lastTotal)
}

func TestProcessWideCapacitySpansSubmissions(t *testing.T) {
	q := New(2, nil, Options{})

	var inFlight, peak atomic.Int64
	exec := func(ctx context.Context, u Unit) (Output, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return Output{}, nil
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			opts := fastOptions(exec)
			opts.MaxConcurrent = 2
			_, err := q.Submit(context.Background(), makeUnits(8, "b.example"), opts)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, 0, q.State().ActiveDownloads)
}

func TestTransientFailuresAreRetried(t *testing.T) {
	q := New(2, nil, Options{})
	var calls atomic.Int64
	exec := func(ctx context.Context, u Unit) (Output, error) {
		if calls.Add(1) < 3 {
			return Output{}, errors.New("connection reset")
		}
		return Output{FileSizeBytes: 42, DurationSeconds: 7}, nil
	}

	results, err := q.Submit(context.Background(), makeUnits(1, "c.example"), fastOptions(exec))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 3, results[0].Attempts)
	assert.Equal(t, int64(42), results[0].FileSizeBytes)
	assert.InDelta(t, 7.0, results[0].DurationSeconds, 0.001)
}

func TestExhaustedRetriesDoNotAbortSiblings(t *testing.T) {
	q := New(3, nil, Options{})
	exec := func(ctx context.Context, u Unit) (Output, error) {
		if u.ID == "u1" {
			return Output{}, errors.New("timeout talking to origin")
		}
		return Output{FileSizeBytes: 1}, nil
	}

	results, err := q.Submit(context.Background(), makeUnits(4, "d.example"), fastOptions(exec))
	require.NoError(t, err)
	for _, r := range results {
		if r.UnitID == "u1" {
			assert.False(t, r.Success)
			assert.Equal(t, defaultMaxAttempts, r.Attempts)
			assert.Contains(t, r.Error, "timeout")
			continue
		}
		assert.True(t, r.Success, r.UnitID)
	}
}

func TestPermanentFailureIsNotRetried(t *testing.T) {
	q := New(1, nil, Options{})
	var calls atomic.Int64
	exec := func(ctx context.Context, u Unit) (Output, error) {
		calls.Add(1)
		return Output{}, fmt.Errorf("fetch: %w", Permanent(errors.New("http 404")))
	}

	results, err := q.Submit(context.Background(), makeUnits(1, "e.example"), fastOptions(exec))
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Equal(t, 1, results[0].Attempts)
	assert.Equal(t, int64(1), calls.Load())
}

type alternatingLimiter struct {
	mu     sync.Mutex
	calls  int
	denied int
}

func (l *alternatingLimiter) TryAcquire(string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls%2 == 1 {
		l.denied++
		return false
	}
	return true
}

func TestRateLimitedUnitsAreRequeued(t *testing.T) {
	limiter := &alternatingLimiter{}
	q := New(2, limiter, Options{})

	var executed atomic.Int64
	exec := func(ctx context.Context, u Unit) (Output, error) {
		executed.Add(1)
		return Output{}, nil
	}

	results, err := q.Submit(context.Background(), makeUnits(5, "f.example"), fastOptions(exec))
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Success)
		assert.Equal(t, 1, r.Attempts, "a denial is not an attempt")
	}
	assert.Equal(t, int64(5), executed.Load())
	assert.GreaterOrEqual(t, limiter.denied, 5)
}

func TestCallbacksFireInCompletionOrder(t *testing.T) {
	q := New(3, nil, Options{})
	gates := map[string]chan struct{}{
		"u0": make(chan struct{}),
		"u1": make(chan struct{}),
		"u2": make(chan struct{}),
	}
	exec := func(ctx context.Context, u Unit) (Output, error) {
		<-gates[u.ID]
		return Output{}, nil
	}

	completed := make(chan string, 3)
	opts := fastOptions(exec)
	opts.OnUnitComplete = func(r Result) { completed <- r.UnitID }

	done := make(chan []Result, 1)
	go func() {
		results, err := q.Submit(context.Background(), makeUnits(3, "g.example"), opts)
		assert.NoError(t, err)
		done <- results
	}()

	var order []string
	for _, id := range []string{"u2", "u0", "u1"} {
		close(gates[id])
		select {
		case got := <-completed:
			order = append(order, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for %s", id)
		}
	}
	assert.Equal(t, []string{"u2", "u0", "u1"}, order)

	results := <-done
	assert.Equal(t, "u0", results[0].UnitID, "results stay in submission order")
	assert.Equal(t, "u2", results[2].UnitID)
}

func TestCancellationAbortsSubmission(t *testing.T) {
	q := New(1, nil, Options{})
	started := make(chan struct{})
	release := make(chan struct{})
	exec := func(ctx context.Context, u Unit) (Output, error) {
		if u.ID == "u0" {
			close(started)
			<-release
		}
		return Output{FileSizeBytes: 5}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	type submitResult struct {
		results []Result
		err     error
	}
	done := make(chan submitResult, 1)
	go func() {
		results, err := q.Submit(ctx, makeUnits(3, "h.example"), fastOptions(exec))
		done <- submitResult{results, err}
	}()

	<-started
	assert.Equal(t, 1, q.State().ActiveDownloads)
	cancel()
	close(release)

	var got submitResult
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not return after cancellation")
	}
	require.ErrorIs(t, got.err, context.Canceled)
	require.Len(t, got.results, 3)
	assert.True(t, got.results[0].Success, "admitted unit runs to completion")
	for _, r := range got.results[1:] {
		assert.False(t, r.Success)
		assert.Equal(t, ErrCancelled.Error(), r.Error)
	}
}

func TestSubmitEdgeCases(t *testing.T) {
	q := New(2, nil, Options{})

	results, err := q.Submit(context.Background(), nil, fastOptions(func(context.Context, Unit) (Output, error) {
		return Output{}, nil
	}))
	require.NoError(t, err)
	assert.Empty(t, results)

	_, err = q.Submit(context.Background(), makeUnits(1, "x"), Options{})
	assert.ErrorIs(t, err, ErrNoExecutor)
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("attempt_%d", c.attempts), func(t *testing.T) {
			assert.Equal(t, c.want, backoff(time.Second, 8*time.Second, c.attempts))
		})
	}
}

func TestIsPermanent(t *testing.T) {
	assert.False(t, IsPermanent(errors.New("plain")))
	assert.True(t, IsPermanent(Permanent(errors.New("gone"))))
	assert.True(t, IsPermanent(fmt.Errorf("wrapped: %w", Permanent(errors.New("gone")))))
	assert.NoError(t, Permanent(nil))
}

func TestExecutorPanicIsAPermanentUnitFailure(t *testing.T) {
	q := New(2, nil, Options{})
	var calls atomic.Int64
	exec := func(ctx context.Context, u Unit) (Output, error) {
		calls.Add(1)
		if u.ID == "u0" {
			panic("boom")
		}
		return Output{}, nil
	}

	results, err := q.Submit(context.Background(), makeUnits(2, "a.example"), fastOptions(exec))
	require.NoError(t, err)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "executor panic: boom")
	assert.Equal(t, 1, results[0].Attempts)
	assert.True(t, results[1].Success)
	assert.Equal(t, int64(2), calls.Load())
}

func TestSlidingWindowLimiterPacesDestination(t *testing.T) {
	const window = 60 * time.Millisecond
	q := New(4, ratelimit.New(2, window), Options{})

	var mu sync.Mutex
	var starts []time.Time
	exec := func(ctx context.Context, u Unit) (Output, error) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		return Output{}, nil
	}

	begin := time.Now()
	results, err := q.Submit(context.Background(), makeUnits(4, "g.example"), fastOptions(exec))
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Success)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, starts, 4)
	late := 0
	for _, s := range starts {
		if s.Sub(begin) >= window-5*time.Millisecond {
			late++
		}
	}
	assert.GreaterOrEqual(t, late, 2, "only two units fit in the first window")
}
