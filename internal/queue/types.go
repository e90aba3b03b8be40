package queue

import (
	"context"
	"errors"
	"time"
)

// Constraints narrows what the retrieval collaborator should fetch for a unit.
type Constraints struct {
	Quality      string  `json:"quality,omitempty"`
	Format       string  `json:"format,omitempty"`
	StartSeconds float64 `json:"start,omitempty"`
	EndSeconds   float64 `json:"end,omitempty"`
}

// Unit is one item of a batch.
type Unit struct {
	ID          string      `json:"id"`
	Ref         string      `json:"ref"`
	Destination string      `json:"destination"`
	Constraints Constraints `json:"constraints"`
}

// Output is what a successful retrieval produced.
type Output struct {
	Path            string
	Filename        string
	FileSizeBytes   int64
	DurationSeconds float64
}

// Result is the final outcome of one unit. It is written once per unit.
type Result struct {
	UnitID          string  `json:"unit_id"`
	Success         bool    `json:"success"`
	Error           string  `json:"error,omitempty"`
	Filename        string  `json:"filename,omitempty"`
	FileSizeBytes   int64   `json:"file_size_bytes,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Path            string  `json:"-"`
	Attempts        int     `json:"attempts"`
}

// Executor performs the actual retrieval of one unit. It must be safe for
// concurrent use and mark non-retryable failures with Permanent.
type Executor func(ctx context.Context, unit Unit) (Output, error)

// Limiter is the per-destination admission gate consulted before every attempt.
type Limiter interface {
	TryAcquire(destination string) bool
}

// Options configures one Submit call.
type Options struct {
	// MaxConcurrent caps units in flight for this submission; the queue's
	// process-wide capacity applies on top of it.
	MaxConcurrent int
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	// RateLimitBackoff is the delay before a unit denied by the limiter is re-queued.
	RateLimitBackoff time.Duration
	Execute          Executor
	OnProgress       func(completed, total int)
	OnUnitComplete   func(Result)
}

// State is an instantaneous view of the queue.
type State struct {
	MaxConcurrent   int     `json:"max_concurrent"`
	ActiveDownloads int     `json:"active_downloads"`
	Load            float64 `json:"load"`
}

var (
	ErrNoExecutor = errors.New("queue: no executor configured")
	ErrCancelled  = errors.New("cancelled before completion")
)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying (not found, forbidden, bad content).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}
