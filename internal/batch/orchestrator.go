package batch

import (
	"context"
	"fmt"

	"clipbatch/internal/queue"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

// Orchestrator drives a batch of units through the shared queue and turns
// the per-unit results into a Summary.
type Orchestrator struct {
	queue       *queue.Queue
	eligibility Eligibility
}

func NewOrchestrator(q *queue.Queue, eligibility Eligibility) *Orchestrator {
	if eligibility.MaxFileSizeBytes <= 0 {
		eligibility.MaxFileSizeBytes = defaultMaxFileSizeBytes
	}
	if eligibility.MaxDurationSeconds <= 0 {
		eligibility.MaxDurationSeconds = defaultMaxDurationSeconds
	}
	return &Orchestrator{queue: q, eligibility: eligibility}
}

// RunOptions configures one Run call. OnProgress receives percentages already
// scaled into the download phase of a job and never decreasing.
type RunOptions struct {
	MaxConcurrent  int
	Execute        queue.Executor
	OnProgress     func(percent int, message string)
	OnUnitComplete func(queue.Result)
}

// Run submits units and aggregates the results. It returns ErrNothingSucceeded
// alongside the summary when no unit is eligible for packaging, and the
// context error when the submission was cancelled.
func (o *Orchestrator) Run(ctx context.Context, units []queue.Unit, opts RunOptions) (Summary, error) {
	reported := 0
	results, err := o.queue.Submit(ctx, units, queue.Options{
		MaxConcurrent:  opts.MaxConcurrent,
		Execute:        opts.Execute,
		OnUnitComplete: opts.OnUnitComplete,
		OnProgress: func(completed, total int) {
			percent := max(reported, completed*downloadProgressCeiling/total)
			reported = percent
			if opts.OnProgress != nil {
				opts.OnProgress(percent, fmt.Sprintf("downloaded %d/%d clips", completed, total))
			}
		},
	})
	if err != nil {
		return Summary{}, fmt.Errorf("submit batch: %w", err)
	}

	summary := o.summarize(results)
	log.Info().
		Int("total", summary.TotalRequested).
		Int("succeeded", summary.Succeeded).
		Int("failed", summary.Failed).
		Int("excluded", summary.Excluded).
		Str("total_size", humanize.IBytes(uint64(summary.TotalBytes))).
		Msg("batch downloads finished")

	if summary.Succeeded == 0 {
		return summary, fmt.Errorf("%w: %d failed, %d excluded", ErrNothingSucceeded, summary.Failed, summary.Excluded)
	}
	return summary, nil
}

func (o *Orchestrator) summarize(results []queue.Result) Summary {
	summary := Summary{
		TotalRequested: len(results),
		Eligible:       make([]queue.Result, 0, len(results)),
	}
	for _, res := range results {
		if !res.Success {
			summary.Failed++
			summary.Failures = append(summary.Failures, res)
			continue
		}
		if reason, ok := o.eligible(res); !ok {
			summary.Excluded++
			summary.Exclusions = append(summary.Exclusions, Exclusion{
				UnitID:          res.UnitID,
				Filename:        res.Filename,
				FileSizeBytes:   res.FileSizeBytes,
				DurationSeconds: res.DurationSeconds,
				Reason:          reason,
			})
			continue
		}
		summary.Succeeded++
		summary.TotalBytes += res.FileSizeBytes
		summary.Eligible = append(summary.Eligible, res)
	}
	return summary
}

func (o *Orchestrator) eligible(res queue.Result) (string, bool) {
	if res.FileSizeBytes > o.eligibility.MaxFileSizeBytes {
		return fmt.Sprintf("file size %s exceeds limit of %s",
			humanize.IBytes(uint64(res.FileSizeBytes)), humanize.IBytes(uint64(o.eligibility.MaxFileSizeBytes))), false
	}
	if res.DurationSeconds > o.eligibility.MaxDurationSeconds {
		return fmt.Sprintf("duration %.0fs exceeds limit of %.0fs", res.DurationSeconds, o.eligibility.MaxDurationSeconds), false
	}
	return "", true
}
