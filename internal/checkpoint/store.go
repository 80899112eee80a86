// Package checkpoint persists run state snapshots and restores them so an
// interrupted run can resume.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a run has no checkpoint.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrLocked is returned when another writer owns the run.
	ErrLocked = errors.New("checkpoint: run is locked by another writer")
	// ErrWrite classifies failed checkpoint writes.
	ErrWrite = errors.New("checkpoint: write failed")
)

// Checkpoint is one immutable snapshot of a run.
type Checkpoint struct {
	RunID     string          `json:"run_id"`
	Sequence  uint64          `json:"sequence"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"created_at"`
}

// Release gives up a run lock.
type Release func() error

// Store is the durable key-value contract keyed by (run id, sequence).
// Implementations guarantee at most one lock holder per run id.
type Store interface {
	Put(ctx context.Context, cp Checkpoint) error
	GetLatest(ctx context.Context, runID string) (Checkpoint, error)
	Delete(ctx context.Context, runID string, seq uint64) error
	// List returns stored sequence numbers in ascending order.
	List(ctx context.Context, runID string) ([]uint64, error)
	// Runs returns every run id with at least one checkpoint, sorted.
	Runs(ctx context.Context) ([]string, error)
	Lock(ctx context.Context, runID string) (Release, error)
}

// WriteError reports a failed checkpoint write.
type WriteError struct {
	RunID    string
	Sequence uint64
	Err      error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("checkpoint: write %s@%d: %v", e.RunID, e.Sequence, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Is matches ErrWrite.
func (e *WriteError) Is(target error) bool {
	return target == ErrWrite
}
