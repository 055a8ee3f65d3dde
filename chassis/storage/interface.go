package storage

import (
	"context"
	"errors"
	"time"
)

// Config - ...
type Config struct {
	DSN string
}

// State - export run's possible states
type State string

const (
	EXPORTING   State = "EXPORTING"
	DOWNLOADING State = "DOWNLOADING"
	SUCCESS     State = "SUCCESS"
	ERROR       State = "ERROR"
)

// Active reports whether the run has not finished yet.
func (s State) Active() bool {
	switch s {
	case EXPORTING, DOWNLOADING:
		return true
	}
	return false
}

// StaleRunError is stored on runs closed by the supervisor.
const StaleRunError = "stale run"

var (
	// ErrNotFound ...
	ErrNotFound = errors.New("run not found")
	// ErrNotActive - the run was already finished, possibly by the supervisor
	ErrNotActive = errors.New("run is not active")
)

// Run - one export attempt of one request
type Run struct {
	ID          string
	Job         string
	ModuleName  string
	FilePrefix  string
	State       State
	DownloadURL string
	Path        string
	Size        int64
	Error       string
	StartedDt   time.Time
	UpdatedDt   time.Time
}

// RunRepository - ledger of export runs
type RunRepository interface {
	// Begin stores a new run in EXPORTING state and fills its ID.
	Begin(ctx context.Context, run *Run) error
	// Update writes state and results of an active run.
	Update(ctx context.Context, run *Run) error
	Get(ctx context.Context, id string) (*Run, error)
	// Recent returns the latest runs, newest first.
	Recent(ctx context.Context, limit int) ([]Run, error)
	RepairStaleRuns(ctx context.Context, timeout time.Duration, batchSize int) (int, error)
	CleanOldRuns(ctx context.Context, expiration time.Duration) (int, error)
	Close()
}
