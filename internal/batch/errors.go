package batch

import (
	"errors"
	"fmt"
)

var (
	ErrBusy             = errors.New("too many batches in progress")
	ErrNoClips          = errors.New("no clips provided")
	ErrTooManyClips     = errors.New("too many clips")
	ErrInvalidClip      = errors.New("invalid clip")
	ErrInvalidJobID     = errors.New("invalid job id")
	ErrNothingSucceeded = errors.New("no clips succeeded")
	ErrNotReady         = errors.New("archive not ready")
	ErrProducerPanic    = errors.New("batch producer panicked")
)

func newErrInvalidClip(index int, reason string) error {
	return fmt.Errorf("%w #%d: %s", ErrInvalidClip, index+1, reason)
}
