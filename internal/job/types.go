package job

import "time"

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusNotFound   Status = "not_found"
)

// Terminal reports whether no further transitions may leave s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a snapshot of one tracked asynchronous batch.
type Job struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Message    string    `json:"message"`
	StartTime  time.Time `json:"start_time"`
	LastUpdate time.Time `json:"last_update"`
	// Result is an opaque payload set by the producer on completion.
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	// Detail is producer data kept with a failure, such as partial batch totals.
	// It is never set together with Result.
	Detail any `json:"-"`
}

// Patch holds the fields an Update merges into a record; nil fields are left untouched.
type Patch struct {
	Progress *int
	Message  *string
}

// Progress builds a patch setting progress and message together.
func Progress(percent int, message string) Patch {
	return Patch{Progress: &percent, Message: &message}
}

// Message builds a patch setting only the message.
func Message(message string) Patch {
	return Patch{Message: &message}
}

// View is what a poller sees: the stored job plus read-time annotations.
type View struct {
	Job
	Stuck         bool          `json:"stuck,omitempty"`
	StuckDuration time.Duration `json:"-"`
}

// StuckSeconds is the stuck duration rounded down to whole seconds.
func (v View) StuckSeconds() int64 {
	return int64(v.StuckDuration / time.Second)
}

const (
	defaultTimeout        = 10 * time.Minute
	defaultStuckProgress  = 85
	defaultStuckIdle      = 30 * time.Second
	defaultCompletedGrace = 5 * time.Minute
	defaultFailedGrace    = time.Minute
	defaultSweepInterval  = 5 * time.Second
)

// Policy holds the supervisor thresholds.
type Policy struct {
	Timeout        time.Duration
	StuckProgress  int
	StuckIdle      time.Duration
	CompletedGrace time.Duration
	FailedGrace    time.Duration
	SweepInterval  time.Duration
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		Timeout:        defaultTimeout,
		StuckProgress:  defaultStuckProgress,
		StuckIdle:      defaultStuckIdle,
		CompletedGrace: defaultCompletedGrace,
		FailedGrace:    defaultFailedGrace,
		SweepInterval:  defaultSweepInterval,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	if p.StuckProgress <= 0 || p.StuckProgress > 100 {
		p.StuckProgress = d.StuckProgress
	}
	if p.StuckIdle <= 0 {
		p.StuckIdle = d.StuckIdle
	}
	if p.CompletedGrace <= 0 {
		p.CompletedGrace = d.CompletedGrace
	}
	if p.FailedGrace <= 0 {
		p.FailedGrace = d.FailedGrace
	}
	if p.SweepInterval <= 0 {
		p.SweepInterval = d.SweepInterval
	}
	return p
}
