package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var (
	// ErrDeadlock marks runs that stopped because required steps can never
	// obtain their artifacts.
	ErrDeadlock = errors.New("engine: deadlock")
	// ErrStepTimeout marks steps that exceeded their timeout.
	ErrStepTimeout = errors.New("engine: step timed out")
	// ErrStepFailure marks required steps whose executor failed.
	ErrStepFailure = errors.New("engine: step failed")
	// ErrResumeIntegrity marks resumed runs with steps that were in flight on
	// executors that cannot be invoked twice.
	ErrResumeIntegrity = errors.New("engine: resume integrity")
	// ErrInvariant marks engine or definition defects detected at runtime.
	ErrInvariant = errors.New("engine: invariant violated")

	// ErrUnknownRun is returned for run ids with no live run and no checkpoint.
	ErrUnknownRun = errors.New("engine: unknown run")
	// ErrRunActive is returned when resuming a run the engine is already driving.
	ErrRunActive = errors.New("engine: run is active")
	// ErrRunTerminal is returned when resuming a completed or failed run.
	ErrRunTerminal = errors.New("engine: run is terminal")
	// ErrUnknownWorkflow is returned when a checkpoint names a workflow the
	// engine has no definition for.
	ErrUnknownWorkflow = errors.New("engine: unknown workflow")
)

// DeadlockError lists each blocked step with the artifacts it lacks.
type DeadlockError struct {
	Blocked map[string][]string
}

func (e *DeadlockError) Error() string {
	ids := make([]string, 0, len(e.Blocked))
	for id := range e.Blocked {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("step %s needs %s", id, strings.Join(e.Blocked[id], ", ")))
	}
	return "engine: deadlock: " + strings.Join(parts, "; ")
}

// Is matches ErrDeadlock.
func (e *DeadlockError) Is(target error) bool {
	return target == ErrDeadlock
}

// StepError describes a required step that failed or timed out.
type StepError struct {
	StepID  string
	Agent   string
	Timeout bool
	Limit   time.Duration
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("engine: step %s timed out after %s", e.StepID, e.Limit)
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "executor reported failure"
	}
	return fmt.Sprintf("engine: step %s failed: %s", e.StepID, msg)
}

func (e *StepError) Unwrap() error { return e.Err }

// Is matches ErrStepFailure always and ErrStepTimeout for timeouts.
func (e *StepError) Is(target error) bool {
	switch target {
	case ErrStepFailure:
		return true
	case ErrStepTimeout:
		return e.Timeout
	}
	return false
}

// ResumeIntegrityError lists steps that were in flight when the run stopped
// and whose executors declare themselves non-idempotent.
type ResumeIntegrityError struct {
	RunID string
	Steps []string
}

func (e *ResumeIntegrityError) Error() string {
	return fmt.Sprintf("engine: run %s: steps %s were in flight on non-idempotent executors", e.RunID, strings.Join(e.Steps, ", "))
}

// Is matches ErrResumeIntegrity.
func (e *ResumeIntegrityError) Is(target error) bool {
	return target == ErrResumeIntegrity
}

func invariantError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
