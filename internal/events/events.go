// Package events carries the coordinator's progress notifications to any
// number of observers. Publishing never blocks; a slow subscriber loses
// events instead of stalling a run.
package events

import (
	"time"

	"github.com/kingrea/stepflow/internal/workflow/gate"
)

// Type names an event kind.
type Type string

const (
	RunStarted        Type = "run.started"
	RunResumed        Type = "run.resumed"
	RunPaused         Type = "run.paused"
	RunCompleted      Type = "run.completed"
	RunFailed         Type = "run.failed"
	StepDispatched    Type = "step.dispatched"
	StepCompleted     Type = "step.completed"
	StepFailed        Type = "step.failed"
	StepSkipped       Type = "step.skipped"
	GateEvaluated     Type = "gate.evaluated"
	CheckpointWritten Type = "checkpoint.written"
	CheckpointFailed  Type = "checkpoint.failed"
)

// Terminal reports whether the event ends a run.
func (t Type) Terminal() bool {
	return t == RunCompleted || t == RunFailed
}

// Event is one notification.
type Event struct {
	Type       Type           `json:"type"`
	RunID      string         `json:"run_id"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	StepID     string         `json:"step_id,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	Sequence   uint64         `json:"sequence"`
	Status     string         `json:"status,omitempty"`
	Message    string         `json:"message,omitempty"`
	Decision   *gate.Decision `json:"decision,omitempty"`
	Time       time.Time      `json:"time"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish executes f(e).
func (f PublisherFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
