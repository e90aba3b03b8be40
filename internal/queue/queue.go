package queue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

const (
	defaultMaxConcurrent    = 3
	defaultMaxAttempts      = 3
	defaultBaseBackoff      = time.Second
	defaultMaxBackoff       = 8 * time.Second
	defaultRateLimitBackoff = 500 * time.Millisecond
)

// Queue admits download units under a process-wide concurrency cap and a
// per-destination rate limiter. A single Queue is shared by all batches.
type Queue struct {
	capacity int64
	slots    *semaphore.Weighted
	limiter  Limiter
	defaults Options
	active   atomic.Int64
}

// New creates a queue with the given process-wide capacity. limiter may be nil.
// Zero fields of defaults are filled with built-in values and apply to every
// Submit call that leaves them unset.
func New(capacity int, limiter Limiter, defaults Options) *Queue {
	if capacity <= 0 {
		capacity = defaultMaxConcurrent
	}
	if defaults.MaxConcurrent <= 0 || defaults.MaxConcurrent > capacity {
		defaults.MaxConcurrent = capacity
	}
	if defaults.MaxAttempts <= 0 {
		defaults.MaxAttempts = defaultMaxAttempts
	}
	if defaults.BaseBackoff <= 0 {
		defaults.BaseBackoff = defaultBaseBackoff
	}
	if defaults.MaxBackoff <= 0 {
		defaults.MaxBackoff = defaultMaxBackoff
	}
	if defaults.RateLimitBackoff <= 0 {
		defaults.RateLimitBackoff = defaultRateLimitBackoff
	}
	return &Queue{
		capacity: int64(capacity),
		slots:    semaphore.NewWeighted(int64(capacity)),
		limiter:  limiter,
		defaults: defaults,
	}
}

// State returns the current load of the queue.
func (q *Queue) State() State {
	active := int(q.active.Load())
	return State{
		MaxConcurrent:   int(q.capacity),
		ActiveDownloads: active,
		Load:            float64(active) / float64(q.capacity),
	}
}

type attempt struct {
	index  int
	unit   Unit
	number int
}

type outcome struct {
	attempt
	out Output
	err error
}

type submission struct {
	opts     Options
	pending  chan attempt
	outcomes chan outcome
	quit     chan struct{}
	results  []Result
	final    []bool
	done     int
}

// Submit runs every unit and returns one Result per unit in submission order.
// Unit failures are isolated and reported in the results; only ctx
// cancellation aborts the submission, in which case units that never
// finished are reported as failed and ctx.Err() is returned. Units already
// executing when ctx is cancelled run to completion.
func (q *Queue) Submit(ctx context.Context, units []Unit, opts Options) ([]Result, error) {
	opts = q.withDefaults(opts)
	if opts.Execute == nil {
		return nil, ErrNoExecutor
	}
	total := len(units)
	if total == 0 {
		return []Result{}, nil
	}

	workers := min(opts.MaxConcurrent, total)
	s := &submission{
		opts:     opts,
		pending:  make(chan attempt, total),
		outcomes: make(chan outcome, workers),
		quit:     make(chan struct{}),
		results:  make([]Result, total),
		final:    make([]bool, total),
	}
	for i, unit := range units {
		s.pending <- attempt{index: i, unit: unit}
	}

	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.worker(ctx, s)
		}()
	}

	for s.done < total {
		select {
		case o := <-s.outcomes:
			if s.retry(o) {
				continue
			}
			s.finalize(o)
		case <-ctx.Done():
			s.abort(&wg, units)
			return s.results, ctx.Err()
		}
	}

	close(s.quit)
	wg.Wait()
	return s.results, nil
}

func (q *Queue) withDefaults(opts Options) Options {
	if opts.MaxConcurrent <= 0 || opts.MaxConcurrent > int(q.capacity) {
		opts.MaxConcurrent = q.defaults.MaxConcurrent
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.defaults.MaxAttempts
	}
	if opts.BaseBackoff <= 0 {
		opts.BaseBackoff = q.defaults.BaseBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = q.defaults.MaxBackoff
	}
	if opts.RateLimitBackoff <= 0 {
		opts.RateLimitBackoff = q.defaults.RateLimitBackoff
	}
	if opts.Execute == nil {
		opts.Execute = q.defaults.Execute
	}
	return opts
}

// worker pulls units until the submission ends. A unit holds a process-wide
// slot only while it executes; rate-limited units give the slot back and are
// re-queued after a backoff.
func (q *Queue) worker(ctx context.Context, s *submission) {
	execCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-s.quit:
			return
		case <-ctx.Done():
			return
		case a := <-s.pending:
			if err := q.slots.Acquire(ctx, 1); err != nil {
				return
			}
			if q.limiter != nil && !q.limiter.TryAcquire(a.unit.Destination) {
				q.slots.Release(1)
				delay := q.rateLimitDelay(a.unit.Destination, s.opts.RateLimitBackoff)
				log.Debug().Str("unit_id", a.unit.ID).Str("destination", a.unit.Destination).Dur("backoff", delay).Msg("rate limited, requeueing unit")
				s.requeue(a, delay)
				continue
			}

			q.active.Add(1)
			a.number++
			out, err := execute(execCtx, s.opts.Execute, a.unit)
			q.active.Add(-1)
			q.slots.Release(1)

			s.outcomes <- outcome{attempt: a, out: out, err: err}
		}
	}
}

// rateLimitDelay waits at least floor, longer when the limiter knows when
// destination frees up.
func (q *Queue) rateLimitDelay(destination string, floor time.Duration) time.Duration {
	if ra, ok := q.limiter.(interface {
		RetryAfter(destination string) time.Duration
	}); ok {
		return max(floor, ra.RetryAfter(destination))
	}
	return floor
}

// execute runs fn, turning a panic into a permanent unit failure.
func execute(ctx context.Context, fn Executor, unit Unit) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("unit_id", unit.ID).Interface("panic", r).Msg("unit executor panicked")
			err = Permanent(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return fn(ctx, unit)
}

// requeue puts a back on the pending channel after delay. pending has room
// for every unit, so the send never blocks.
func (s *submission) requeue(a attempt, delay time.Duration) {
	time.AfterFunc(delay, func() {
		select {
		case <-s.quit:
		case s.pending <- a:
		}
	})
}

func (s *submission) retry(o outcome) bool {
	if o.err == nil || IsPermanent(o.err) || o.number >= s.opts.MaxAttempts {
		return false
	}
	delay := backoff(s.opts.BaseBackoff, s.opts.MaxBackoff, o.number)
	log.Warn().
		Str("unit_id", o.unit.ID).
		Int("attempt", o.number).
		Int("max_attempts", s.opts.MaxAttempts).
		Dur("backoff", delay).
		Err(o.err).
		Msg("unit attempt failed, retrying")
	s.requeue(o.attempt, delay)
	return true
}

func (s *submission) finalize(o outcome) {
	if s.final[o.index] {
		return
	}
	res := Result{UnitID: o.unit.ID, Attempts: o.number}
	if o.err != nil {
		res.Error = o.err.Error()
		log.Warn().Str("unit_id", o.unit.ID).Int("attempts", o.number).Err(o.err).Msg("unit failed")
	} else {
		res.Success = true
		res.Path = o.out.Path
		res.Filename = o.out.Filename
		res.FileSizeBytes = o.out.FileSizeBytes
		res.DurationSeconds = o.out.DurationSeconds
	}
	s.record(o.index, res)
}

func (s *submission) record(index int, res Result) {
	s.results[index] = res
	s.final[index] = true
	s.done++
	if s.opts.OnUnitComplete != nil {
		s.opts.OnUnitComplete(res)
	}
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(s.done, len(s.results))
	}
}

// abort stops admission, waits for in-flight units and reports every unit
// that did not finish as cancelled.
func (s *submission) abort(wg *sync.WaitGroup, units []Unit) {
	close(s.quit)

	drained := make(chan struct{})
	go func() {
		wg.Wait()
		close(drained)
	}()

wait:
	for {
		select {
		case o := <-s.outcomes:
			s.finalize(o)
		case <-drained:
			break wait
		}
	}
	for len(s.outcomes) > 0 {
		s.finalize(<-s.outcomes)
	}

	for i, unit := range units {
		if !s.final[i] {
			s.record(i, Result{UnitID: unit.ID, Error: ErrCancelled.Error()})
		}
	}
}

// backoff returns base doubled per completed attempt, capped at limit.
func backoff(base, limit time.Duration, attempts int) time.Duration {
	delay := base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return min(delay, limit)
}
