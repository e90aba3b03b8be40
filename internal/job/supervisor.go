package job

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Supervisor applies lifecycle policy on top of a Store: stuck detection and
// timeout enforcement at read time, and eviction of finished jobs.
type Supervisor struct {
	store  Store
	policy Policy
	now    func() time.Time

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	hooks   []func(Job)
	evicts  []func(id string)

	// terminal hooks started by Status
	pending sync.WaitGroup
}

// NewSupervisor wraps store; zero policy fields take their defaults.
func NewSupervisor(store Store, policy Policy) *Supervisor {
	return &Supervisor{
		store:   store,
		policy:  policy.normalized(),
		now:     time.Now,
		cancels: make(map[string]context.CancelFunc),
	}
}

// UseClock replaces the time source. Intended for test setup only.
func (s *Supervisor) UseClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Supervisor) clock() time.Time {
	s.mu.Lock()
	now := s.now
	s.mu.Unlock()
	return now()
}

// Policy returns the effective thresholds.
func (s *Supervisor) Policy() Policy { return s.policy }

// Store exposes the underlying store.
func (s *Supervisor) Store() Store { return s.store }

// Track associates the producer's cancel func with id; it is called once the
// job reaches a terminal state.
func (s *Supervisor) Track(id string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[id] = cancel
	s.mu.Unlock()
}

// OnTerminal registers fn to run once per terminal transition. Hooks for a
// timeout observed by Status run on their own goroutine; see WaitHooks.
func (s *Supervisor) OnTerminal(fn func(Job)) {
	s.mu.Lock()
	s.hooks = append(s.hooks, fn)
	s.mu.Unlock()
}

// OnEvict registers fn to run for every id removed by Sweep.
func (s *Supervisor) OnEvict(fn func(id string)) {
	s.mu.Lock()
	s.evicts = append(s.evicts, fn)
	s.mu.Unlock()
}

// Status returns the view a poller should see for id. A processing job past
// its timeout is failed as a side effect; a processing job idle past the
// stuck threshold at high progress is annotated but left unchanged.
func (s *Supervisor) Status(id string) View {
	current, ok := s.store.Get(id)
	if !ok {
		return View{Job: Job{ID: id, Status: StatusNotFound}}
	}
	if current.Status != StatusProcessing {
		return View{Job: current}
	}

	now := s.clock()
	if age := now.Sub(current.StartTime); age > s.policy.Timeout {
		if failed, applied := s.finish(id, StatusFailed, nil, ErrTimeout.Error(), true); applied {
			log.Warn().Str("job_id", id).Dur("age", age).Dur("timeout", s.policy.Timeout).Msg("job timed out")
			return View{Job: failed}
		}
		// lost a race with the producer's own terminal transition
		if latest, ok := s.store.Get(id); ok {
			return View{Job: latest}
		}
		return View{Job: Job{ID: id, Status: StatusNotFound}}
	}

	view := View{Job: current}
	idle := now.Sub(current.LastUpdate)
	if current.Progress >= s.policy.StuckProgress && idle > s.policy.StuckIdle {
		view.Stuck = true
		view.StuckDuration = idle
	}
	return view
}

// Complete records a successful outcome.
func (s *Supervisor) Complete(id string, result any) bool {
	_, applied := s.finish(id, StatusCompleted, result, "", false)
	return applied
}

// Fail records a job-level failure.
func (s *Supervisor) Fail(id string, reason string) bool {
	return s.FailWithDetail(id, reason, nil)
}

// FailWithDetail records a job-level failure and keeps detail on the job
// for terminal hooks.
func (s *Supervisor) FailWithDetail(id string, reason string, detail any) bool {
	_, applied := s.finish(id, StatusFailed, detail, reason, false)
	return applied
}

// WaitHooks blocks until terminal hooks started by Status have returned.
func (s *Supervisor) WaitHooks() {
	s.pending.Wait()
}

func (s *Supervisor) finish(id string, status Status, payload any, errMsg string, detached bool) (Job, bool) {
	finished, applied := s.store.Finish(id, status, payload, errMsg)
	if !applied {
		return Job{}, false
	}

	grace := s.policy.FailedGrace
	if status == StatusCompleted {
		grace = s.policy.CompletedGrace
	}
	s.store.ScheduleEviction(id, grace)

	s.mu.Lock()
	cancel := s.cancels[id]
	delete(s.cancels, id)
	hooks := append([]func(Job){}, s.hooks...)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !detached {
		runHooks(hooks, finished)
		return finished, true
	}
	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		runHooks(hooks, finished)
	}()
	return finished, true
}

func runHooks(hooks []func(Job), j Job) {
	for _, hook := range hooks {
		hook(j)
	}
}

// Sweep evicts finished jobs whose grace period has passed.
func (s *Supervisor) Sweep() []string {
	evicted := s.store.Sweep(s.clock())
	if len(evicted) == 0 {
		return nil
	}
	log.Debug().Strs("job_ids", evicted).Msg("evicted finished jobs")

	s.mu.Lock()
	evicts := append([]func(string){}, s.evicts...)
	s.mu.Unlock()
	for _, id := range evicted {
		for _, fn := range evicts {
			fn(id)
		}
	}
	return evicted
}

// Run sweeps on a single ticker until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.policy.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Sweep()
		case <-ctx.Done():
			return
		}
	}
}
