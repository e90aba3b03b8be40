package batch

import (
	"context"

	"clipbatch/internal/queue"
)

// Clip is one requested item of a batch.
type Clip struct {
	ID      string  `json:"id,omitempty"`
	URL     string  `json:"url"`
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
	Quality string  `json:"quality,omitempty"`
	Format  string  `json:"format,omitempty"`
}

// Request describes a batch to start. JobID and MaxConcurrent are optional.
type Request struct {
	JobID         string `json:"job_id,omitempty"`
	Clips         []Clip `json:"clips"`
	MaxConcurrent int    `json:"max_concurrent,omitempty"`
}

// Eligibility bounds what a downloaded clip may weigh to be packaged.
type Eligibility struct {
	MaxFileSizeBytes   int64
	MaxDurationSeconds float64
}

// Exclusion is a successfully downloaded unit rejected by Eligibility.
type Exclusion struct {
	UnitID          string  `json:"unit_id"`
	Filename        string  `json:"filename,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	DurationSeconds float64 `json:"duration_seconds"`
	Reason          string  `json:"reason"`
}

// Summary aggregates a batch. Succeeded+Failed+Excluded always equals TotalRequested.
type Summary struct {
	TotalRequested int            `json:"total_requested"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Excluded       int            `json:"excluded"`
	TotalBytes     int64          `json:"total_bytes"`
	Eligible       []queue.Result `json:"eligible"`
	Exclusions     []Exclusion    `json:"exclusions,omitempty"`
	Failures       []queue.Result `json:"failures,omitempty"`
}

// Outcome is the result payload of a completed batch job.
type Outcome struct {
	Summary
	Archive     string `json:"archive"`
	ArchivePath string `json:"-"`
}

// Retriever fetches one unit into destDir. It must be safe for concurrent use.
type Retriever interface {
	Retrieve(ctx context.Context, unit queue.Unit, destDir string) (queue.Output, error)
}

// RetrieverFunc adapts a function to Retriever.
type RetrieverFunc func(ctx context.Context, unit queue.Unit, destDir string) (queue.Output, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, unit queue.Unit, destDir string) (queue.Output, error) {
	return f(ctx, unit, destDir)
}

type Options struct {
	DataDir              string
	MaxConcurrentBatches int
	MaxClipsPerBatch     int
	Eligibility          Eligibility
	Retriever            Retriever
	// OnProgress and OnUnitComplete let an embedder stream job activity.
	OnProgress     func(jobID string, percent int, message string)
	OnUnitComplete func(jobID string, result queue.Result)
}

const (
	defaultMaxConcurrentBatches = 3
	defaultMaxClipsPerBatch     = 50
	defaultMaxFileSizeBytes     = 512 << 20
	defaultMaxDurationSeconds   = 600

	downloadProgressCeiling = 80
	packagingProgress       = 90
	progressBuffer          = 16

	archiveName  = "archive.zip"
	manifestName = "manifest.json"
)

// Counts reports the batch totals, also for a batch that failed.
func (o Outcome) Counts() (succeeded, failed, excluded int, totalBytes int64) {
	return o.Succeeded, o.Failed, o.Excluded, o.TotalBytes
}
