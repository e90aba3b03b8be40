package batch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"clipbatch/internal/archive"
	fileutil "clipbatch/internal/file"
	"clipbatch/internal/job"
	"clipbatch/internal/queue"

	"github.com/rs/zerolog/log"
)

type progressUpdate struct {
	percent int
	message string
}

// process runs one batch to a terminal state. Progress flows through a
// bounded channel to a single consumer so the job record has one writer.
func (m *Manager) process(ctx context.Context, jobID string, units []queue.Unit, maxConcurrent int) {
	updates := make(chan progressUpdate, progressBuffer)
	drained := make(chan struct{})
	go m.consumeProgress(jobID, updates, drained)

	report := func(percent int, message string) {
		select {
		case updates <- progressUpdate{percent: percent, message: message}:
		case <-ctx.Done():
		}
	}
	outcome, err := m.runBatch(ctx, jobID, units, maxConcurrent, report)
	close(updates)
	<-drained

	if err != nil {
		var detail any
		if outcome.TotalRequested > 0 {
			detail = outcome
		}
		if m.supervisor.FailWithDetail(jobID, err.Error(), detail) {
			log.Warn().
				Str("job_id", jobID).
				Int("failed", outcome.Failed).
				Int("excluded", outcome.Excluded).
				Err(err).
				Msg("batch failed")
		}
		return
	}
	if m.supervisor.Complete(jobID, outcome) {
		log.Info().
			Str("job_id", jobID).
			Int("succeeded", outcome.Succeeded).
			Int("failed", outcome.Failed).
			Int("excluded", outcome.Excluded).
			Msg("batch completed")
	}
}

func (m *Manager) consumeProgress(jobID string, updates <-chan progressUpdate, drained chan<- struct{}) {
	defer close(drained)
	for u := range updates {
		m.store.Update(jobID, job.Progress(u.percent, u.message))
		if m.onProgress != nil {
			m.onProgress(jobID, u.percent, u.message)
		}
	}
}

func (m *Manager) runBatch(ctx context.Context, jobID string, units []queue.Unit, maxConcurrent int, report func(int, string)) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("job_id", jobID).Interface("panic", r).Msg("batch producer panicked")
			err = fmt.Errorf("%w: %v", ErrProducerPanic, r)
		}
	}()

	retriever, buildArchive := m.collaborators()
	if retriever == nil {
		return Outcome{}, errors.New("no retriever configured")
	}

	jobDirectory := m.jobDir(jobID)
	if err := fileutil.EnsureDir(jobDirectory); err != nil {
		return Outcome{}, fmt.Errorf("create job dir: %w", err)
	}

	report(0, fmt.Sprintf("downloading %d clips", len(units)))
	summary, err := m.orchestrator.Run(ctx, units, RunOptions{
		MaxConcurrent: maxConcurrent,
		Execute: func(ctx context.Context, unit queue.Unit) (queue.Output, error) {
			return retriever.Retrieve(ctx, unit, jobDirectory)
		},
		OnProgress: report,
		OnUnitComplete: func(res queue.Result) {
			if m.onUnitComplete != nil {
				m.onUnitComplete(jobID, res)
			}
		},
	})
	if err != nil {
		return Outcome{Summary: summary}, err
	}

	report(packagingProgress, fmt.Sprintf("packaging %d clips", summary.Succeeded))
	entries := make([]archive.Entry, 0, len(summary.Eligible))
	for _, res := range summary.Eligible {
		entries = append(entries, archive.Entry{Name: res.Filename, Path: res.Path})
	}
	archivePath := filepath.Join(jobDirectory, archiveName)
	archiveResults, err := buildArchive(ctx, archivePath, entries)
	if err != nil {
		return Outcome{Summary: summary}, fmt.Errorf("build archive: %w", err)
	}
	for i, res := range archiveResults {
		if res.Err != "" && i < len(summary.Eligible) {
			log.Warn().Str("job_id", jobID).Str("unit_id", summary.Eligible[i].UnitID).Str("error", res.Err).Msg("clip left out of archive")
		}
	}

	outcome = Outcome{Summary: summary, Archive: archiveName, ArchivePath: archivePath}
	if err := fileutil.WriteJSONAtomic(filepath.Join(jobDirectory, manifestName), outcome); err != nil {
		return Outcome{Summary: summary}, fmt.Errorf("write manifest: %w", err)
	}
	return outcome, nil
}
