package batch

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"clipbatch/internal/archive"
	"clipbatch/internal/job"
	"clipbatch/internal/queue"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Manager accepts batch requests and runs each one as a tracked job.
type Manager struct {
	mu             sync.RWMutex
	dataDir        string
	maxClips       int
	semaphore      chan struct{}
	supervisor     *job.Supervisor
	store          job.Store
	queue          *queue.Queue
	orchestrator   *Orchestrator
	retriever      Retriever
	buildArchive   archive.Builder
	onProgress     func(jobID string, percent int, message string)
	onUnitComplete func(jobID string, result queue.Result)
	workersWG      sync.WaitGroup
	baseCtx        context.Context
}

// NewManager wires a manager to the process-wide supervisor and queue.
func NewManager(supervisor *job.Supervisor, q *queue.Queue, opts Options) *Manager {
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.MaxConcurrentBatches <= 0 {
		opts.MaxConcurrentBatches = defaultMaxConcurrentBatches
	}
	if opts.MaxClipsPerBatch <= 0 {
		opts.MaxClipsPerBatch = defaultMaxClipsPerBatch
	}
	m := &Manager{
		dataDir:        opts.DataDir,
		maxClips:       opts.MaxClipsPerBatch,
		semaphore:      make(chan struct{}, opts.MaxConcurrentBatches),
		supervisor:     supervisor,
		store:          supervisor.Store(),
		queue:          q,
		orchestrator:   NewOrchestrator(q, opts.Eligibility),
		retriever:      opts.Retriever,
		buildArchive:   archive.Build,
		onProgress:     opts.OnProgress,
		onUnitComplete: opts.OnUnitComplete,
		baseCtx:        context.Background(),
	}
	supervisor.OnEvict(m.removeJobDir)
	return m
}

// IsBusy reports whether the maximum number of batches is being processed.
func (m *Manager) IsBusy() bool {
	return len(m.semaphore) >= cap(m.semaphore)
}

// QueueState returns the load of the shared download queue.
func (m *Manager) QueueState() queue.State {
	return m.queue.State()
}

// GetStatus returns what a poller should see for jobID.
func (m *Manager) GetStatus(jobID string) job.View {
	return m.supervisor.Status(jobID)
}

// StartBatch validates req, creates its job and starts processing in the
// background. The returned job id is immediately pollable. ctx only bounds
// admission; the batch itself runs on the manager's base context.
func (m *Manager) StartBatch(ctx context.Context, req Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err //nolint:wrapcheck
	}
	jobID := strings.TrimSpace(req.JobID)
	if jobID == "" {
		jobID = uuid.NewString()
	} else if !validJobID.MatchString(jobID) {
		return "", fmt.Errorf("%w: %q", ErrInvalidJobID, jobID)
	}
	units, err := m.buildUnits(req.Clips)
	if err != nil {
		return "", err
	}

	select {
	case m.semaphore <- struct{}{}:
	default:
		return "", ErrBusy
	}
	if _, err := m.store.Create(jobID); err != nil {
		<-m.semaphore
		return "", fmt.Errorf("create job: %w", err)
	}

	taskCtx, cancel := context.WithCancel(m.baseContext())
	m.supervisor.Track(jobID, cancel)
	log.Info().Str("job_id", jobID).Int("clips", len(units)).Msg("batch accepted")

	m.workersWG.Add(1)
	go func() {
		defer m.workersWG.Done()
		defer func() { <-m.semaphore }()
		defer cancel()
		m.process(taskCtx, jobID, units, req.MaxConcurrent)
	}()
	return jobID, nil
}

// ArchivePath returns the packaged archive of a completed job.
func (m *Manager) ArchivePath(jobID string) (string, error) {
	view := m.supervisor.Status(jobID)
	switch view.Status {
	case job.StatusNotFound:
		return "", job.ErrNotFound
	case job.StatusCompleted:
		if outcome, ok := view.Result.(Outcome); ok && outcome.ArchivePath != "" {
			return outcome.ArchivePath, nil
		}
	}
	return "", ErrNotReady
}

// SetBaseContext sets the context batches run under. Intended to be set at
// process startup and cancelled during shutdown.
func (m *Manager) SetBaseContext(ctx context.Context) {
	m.mu.Lock()
	m.baseCtx = ctx
	m.mu.Unlock()
}

func (m *Manager) baseContext() context.Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.baseCtx == nil {
		return context.Background()
	}
	return m.baseCtx
}

// WaitAll blocks until all in-flight batches finish or the context is done.
// Returns true if all batches finished, false if timed out.
func (m *Manager) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		m.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// UseArchiveBuilder allows tests to inject a fake archive builder.
// Not safe for concurrent mutation with running batches; intended for test setup only.
func (m *Manager) UseArchiveBuilder(builder archive.Builder) {
	m.mu.Lock()
	m.buildArchive = builder
	m.mu.Unlock()
}

// UseRetriever replaces the retrieval collaborator. Intended for test setup only.
func (m *Manager) UseRetriever(retriever Retriever) {
	m.mu.Lock()
	m.retriever = retriever
	m.mu.Unlock()
}

func (m *Manager) collaborators() (Retriever, archive.Builder) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	builder := m.buildArchive
	if builder == nil {
		builder = archive.Build
	}
	return m.retriever, builder
}

var validJobID = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// buildUnits validates clips and converts them into queue units keyed by
// destination host.
func (m *Manager) buildUnits(clips []Clip) ([]queue.Unit, error) {
	if len(clips) == 0 {
		return nil, ErrNoClips
	}
	if len(clips) > m.maxClips {
		return nil, fmt.Errorf("%w: max %d per batch", ErrTooManyClips, m.maxClips)
	}

	units := make([]queue.Unit, 0, len(clips))
	seen := make(map[string]struct{}, len(clips))
	for i, clip := range clips {
		rawURL := strings.TrimSpace(clip.URL)
		parsed, err := url.Parse(rawURL)
		if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Hostname() == "" {
			return nil, newErrInvalidClip(i, "url must be an absolute http(s) url")
		}
		if clip.Start < 0 || clip.End < 0 {
			return nil, newErrInvalidClip(i, "negative clip bounds")
		}
		if clip.End > 0 && clip.Start >= clip.End {
			return nil, newErrInvalidClip(i, "start must be before end")
		}

		unitID := strings.TrimSpace(clip.ID)
		if unitID == "" {
			unitID = fmt.Sprintf("clip-%d", i+1)
		}
		if _, dup := seen[unitID]; dup {
			return nil, newErrInvalidClip(i, "duplicate clip id "+unitID)
		}
		seen[unitID] = struct{}{}

		units = append(units, queue.Unit{
			ID:          unitID,
			Ref:         rawURL,
			Destination: destination(parsed),
			Constraints: queue.Constraints{
				Quality:      clip.Quality,
				Format:       clip.Format,
				StartSeconds: clip.Start,
				EndSeconds:   clip.End,
			},
		})
	}
	return units, nil
}

// destination is the rate-limit key of a clip: its host without a leading www.
func destination(u *url.URL) string {
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func (m *Manager) jobDir(jobID string) string {
	return filepath.Join(m.dataDir, "jobs", jobID)
}

func (m *Manager) removeJobDir(jobID string) {
	if err := os.RemoveAll(m.jobDir(jobID)); err != nil {
		log.Warn().Str("job_id", jobID).Err(err).Msg("remove job dir failed")
	}
}
