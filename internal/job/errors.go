package job

import "errors"

var (
	ErrAlreadyExists = errors.New("job already exists")
	ErrNotFound      = errors.New("job not found")
	ErrEmptyID       = errors.New("empty job id")
	ErrTimeout       = errors.New("timeout exceeded")
)
