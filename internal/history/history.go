package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"clipbatch/internal/job"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS job_history (
	id          TEXT PRIMARY KEY,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	succeeded   INTEGER NOT NULL DEFAULT 0,
	failed      INTEGER NOT NULL DEFAULT 0,
	excluded    INTEGER NOT NULL DEFAULT 0,
	total_bytes INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_job_history_finished ON job_history (finished_at DESC);`

const defaultLimit = 50

// Entry is one finished job as kept in the ledger.
type Entry struct {
	ID         string     `json:"id"`
	Status     job.Status `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt time.Time  `json:"finished_at"`
	Succeeded  int        `json:"succeeded"`
	Failed     int        `json:"failed"`
	Excluded   int        `json:"excluded"`
	TotalBytes int64      `json:"total_bytes"`
}

// Counter is implemented by job results that carry batch totals.
type Counter interface {
	Counts() (succeeded, failed, excluded int, totalBytes int64)
}

// EntryFromJob flattens a terminal job into a ledger row. Totals come from
// the result of a completed job or the detail of a failed one.
func EntryFromJob(j job.Job) Entry {
	e := Entry{
		ID:         j.ID,
		Status:     j.Status,
		Error:      j.Error,
		StartedAt:  j.StartTime,
		FinishedAt: j.LastUpdate,
	}
	payload := j.Result
	if payload == nil {
		payload = j.Detail
	}
	if c, ok := payload.(Counter); ok {
		e.Succeeded, e.Failed, e.Excluded, e.TotalBytes = c.Counts()
	}
	return e
}

// Recorder persists terminal jobs to SQLite. The ledger outlives the
// in-memory job store but is never read back into it.
type Recorder struct {
	db *sql.DB
}

func Open(dbPath string) (*Recorder, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect sqlite: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate history: %w", err)
	}
	return &Recorder{db: db}, nil
}

func (r *Recorder) Record(ctx context.Context, e Entry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO job_history (id, status, error, started_at, finished_at, succeeded, failed, excluded, total_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Status), e.Error, e.StartedAt.UnixMilli(), e.FinishedAt.UnixMilli(),
		e.Succeeded, e.Failed, e.Excluded, e.TotalBytes,
	)
	if err != nil {
		return fmt.Errorf("record job %s: %w", e.ID, err)
	}
	return nil
}

// Recent returns up to limit entries, most recently finished first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultLimit
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, status, error, started_at, finished_at, succeeded, failed, excluded, total_bytes
		 FROM job_history ORDER BY finished_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		var status string
		var started, finished int64
		if err := rows.Scan(&e.ID, &status, &e.Error, &started, &finished, &e.Succeeded, &e.Failed, &e.Excluded, &e.TotalBytes); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.Status = job.Status(status)
		e.StartedAt = time.UnixMilli(started).UTC()
		e.FinishedAt = time.UnixMilli(finished).UTC()
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return entries, nil
}

// Hook returns a terminal-job callback suitable for job.Supervisor.OnTerminal.
func (r *Recorder) Hook() func(job.Job) {
	return func(j job.Job) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.Record(ctx, EntryFromJob(j)); err != nil {
			log.Warn().Str("job_id", j.ID).Err(err).Msg("record job history failed")
		}
	}
}

func (r *Recorder) Close() error {
	return r.db.Close() //nolint:wrapcheck
}
