package job

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store keeps job records. Implementations must be safe for concurrent use:
// readers observe a record either before or after an update, never a
// partial merge.
type Store interface {
	Create(id string) (Job, error)
	// Update merges patch into a live, non-terminal record and refreshes
	// LastUpdate. Unknown ids and terminal records are tolerated as no-ops.
	Update(id string, patch Patch)
	// Finish moves a processing record into a terminal status. payload becomes
	// Result on completion and Detail on failure. It reports false when the
	// record is unknown or already terminal.
	Finish(id string, status Status, payload any, errMsg string) (Job, bool)
	// Get misses records whose eviction deadline has passed, swept or not.
	Get(id string) (Job, bool)
	Delete(id string)
	// ScheduleEviction arms deletion of id after delay, replacing any earlier deadline.
	ScheduleEviction(id string, delay time.Duration)
	// Sweep deletes every record whose eviction deadline lies strictly before now.
	Sweep(now time.Time) []string
}

type record struct {
	job     Job
	evictAt time.Time
}

func (r *record) expired(now time.Time) bool {
	return !r.evictAt.IsZero() && now.After(r.evictAt)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*record
	now     func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*record),
		now:     time.Now,
	}
}

// UseClock replaces the time source. Intended for test setup only.
func (s *MemoryStore) UseClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *MemoryStore) Create(id string) (Job, error) {
	if id == "" {
		return Job{}, ErrEmptyID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; exists {
		return Job{}, ErrAlreadyExists
	}
	now := s.now()
	created := Job{
		ID:         id,
		Status:     StatusProcessing,
		StartTime:  now,
		LastUpdate: now,
	}
	s.records[id] = &record{job: created}
	return created, nil
}

func (s *MemoryStore) Update(id string, patch Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		log.Warn().Str("job_id", id).Msg("update for unknown job ignored")
		return
	}
	if rec.job.Status.Terminal() {
		log.Debug().Str("job_id", id).Str("status", string(rec.job.Status)).Msg("late update for finished job ignored")
		return
	}
	if patch.Progress != nil {
		rec.job.Progress = max(rec.job.Progress, clampPercent(*patch.Progress))
	}
	if patch.Message != nil {
		rec.job.Message = *patch.Message
	}
	rec.job.LastUpdate = s.now()
}

func (s *MemoryStore) Finish(id string, status Status, payload any, errMsg string) (Job, bool) {
	if !status.Terminal() {
		return Job{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok || rec.job.Status.Terminal() {
		return Job{}, false
	}
	rec.job.Status = status
	rec.job.LastUpdate = s.now()
	if status == StatusCompleted {
		rec.job.Progress = 100
		rec.job.Result = payload
		rec.job.Detail = nil
		rec.job.Error = ""
	} else {
		rec.job.Result = nil
		rec.job.Detail = payload
		rec.job.Error = errMsg
	}
	return rec.job, true
}

func (s *MemoryStore) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok || rec.expired(s.now()) {
		return Job{}, false
	}
	return rec.job, true
}

func (s *MemoryStore) Delete(id string) {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
}

func (s *MemoryStore) ScheduleEviction(id string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.evictAt = s.now().Add(delay)
}

func (s *MemoryStore) Sweep(now time.Time) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []string
	for id, rec := range s.records {
		if !rec.expired(now) {
			continue
		}
		delete(s.records, id)
		evicted = append(evicted, id)
	}
	return evicted
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}
