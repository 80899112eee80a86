// Package executor defines the contract between the engine and the external
// agents that perform step work, plus a registry keyed by capability tag.
package executor

import (
	"context"

	"github.com/kingrea/stepflow/internal/artifact"
)

// Status enumerates step outcomes reported by an executor.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Request carries everything an executor receives for one dispatch.
type Request struct {
	RunID       string
	StepID      string
	Agent       string
	Action      string
	ContextTier int
	// Inputs is a snapshot of the run variables.
	Inputs map[string]any
	// Artifacts lists every artifact recorded so far.
	Artifacts []artifact.Artifact
}

// Produced is an artifact the executor reports beyond the step's declared
// creates, or metadata for a declared one.
type Produced struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result is the executor's report. A non-nil error from Execute is treated
// as StatusFailure.
type Result struct {
	Status   Status
	Produced []Produced
	// Scoring is the payload gate conditions evaluate against. Nil means no
	// scoring data.
	Scoring map[string]any
	// Outputs are merged into the run variables on success.
	Outputs map[string]any
	Message string
}

// Executor performs the work of a step.
type Executor interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

// Idempotency is implemented by executors that must not be invoked twice for
// the same step. Executors that do not implement it are idempotent.
type Idempotency interface {
	Idempotent() bool
}

// IsIdempotent reports whether exec tolerates re-dispatch after a crash.
func IsIdempotent(exec Executor) bool {
	if marker, ok := exec.(Idempotency); ok {
		return marker.Idempotent()
	}
	return true
}

// Func adapts a plain function into an Executor.
type Func func(ctx context.Context, req Request) (Result, error)

// Execute implements Executor.
func (f Func) Execute(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// NonIdempotent wraps exec so it declares itself unsafe to re-dispatch.
func NonIdempotent(exec Executor) Executor {
	return nonIdempotent{Executor: exec}
}

type nonIdempotent struct {
	Executor
}

func (nonIdempotent) Idempotent() bool { return false }
