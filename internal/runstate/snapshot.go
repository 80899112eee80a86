package runstate

import (
	"fmt"
	"time"

	"github.com/kingrea/stepflow/internal/artifact"
)

// Snapshot is the serializable form of a State.
type Snapshot struct {
	RunID           string                `json:"run_id"`
	WorkflowID      string                `json:"workflow_id"`
	WorkflowVersion string                `json:"workflow_version,omitempty"`
	WorkflowSource  string                `json:"workflow_source,omitempty"`
	Status          Status                `json:"status"`
	CurrentStep     string                `json:"current_step,omitempty"`
	InFlight        []string              `json:"in_flight,omitempty"`
	Completed       []string              `json:"completed,omitempty"`
	Skipped         map[string]SkipReason `json:"skipped,omitempty"`
	Artifacts       []artifact.Artifact   `json:"artifacts,omitempty"`
	Variables       map[string]any        `json:"variables,omitempty"`
	Sequence        uint64                `json:"sequence"`
	Diagnostic      string                `json:"diagnostic,omitempty"`
	Degraded        bool                  `json:"degraded,omitempty"`
	StartedAt       time.Time             `json:"started_at,omitempty"`
	UpdatedAt       time.Time             `json:"updated_at"`
	Transitions     []Transition          `json:"transitions,omitempty"`
}

// Snapshot returns a deep copy of the state.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		RunID:           s.runID,
		WorkflowID:      s.workflowID,
		WorkflowVersion: s.workflowVersion,
		WorkflowSource:  s.workflowSource,
		Status:          s.status,
		CurrentStep:     s.currentStep,
		InFlight:        sortedKeys(s.inFlight),
		Completed:       append([]string(nil), s.completed...),
		Artifacts:       s.ledger.Snapshot(),
		Variables:       cloneVariables(s.variables),
		Sequence:        s.sequence,
		Diagnostic:      s.diagnostic,
		Degraded:        s.degraded,
		StartedAt:       s.startedAt,
		UpdatedAt:       s.updatedAt,
		Transitions:     append([]Transition(nil), s.transitions...),
	}
	if len(s.skipped) > 0 {
		snap.Skipped = make(map[string]SkipReason, len(s.skipped))
		for id, reason := range s.skipped {
			snap.Skipped[id] = reason
		}
	}
	return snap
}

// Restore rebuilds a State from a snapshot, rejecting snapshots that break
// the completed/skipped exclusivity.
func Restore(snap Snapshot, opts ...Option) (*State, error) {
	if snap.RunID == "" {
		return nil, fmt.Errorf("runstate: snapshot has no run id")
	}
	switch snap.Status {
	case StatusNotStarted, StatusRunning, StatusPaused, StatusCompleted, StatusFailed:
	default:
		return nil, fmt.Errorf("runstate: snapshot has unknown status %q", snap.Status)
	}
	s := newState(opts)
	s.runID = snap.RunID
	s.workflowID = snap.WorkflowID
	s.workflowVersion = snap.WorkflowVersion
	s.workflowSource = snap.WorkflowSource
	s.status = snap.Status
	s.currentStep = snap.CurrentStep
	s.sequence = snap.Sequence
	s.diagnostic = snap.Diagnostic
	s.degraded = snap.Degraded
	s.startedAt = snap.StartedAt
	s.updatedAt = snap.UpdatedAt
	s.transitions = append([]Transition(nil), snap.Transitions...)
	for id, reason := range snap.Skipped {
		s.skipped[id] = reason
	}
	for _, id := range snap.Completed {
		if _, dup := s.completedSet[id]; dup {
			return nil, fmt.Errorf("%w: step %s completed twice in snapshot", ErrStepConflict, id)
		}
		if _, skipped := s.skipped[id]; skipped {
			return nil, fmt.Errorf("%w: step %s both completed and skipped in snapshot", ErrStepConflict, id)
		}
		s.completed = append(s.completed, id)
		s.completedSet[id] = struct{}{}
	}
	for _, id := range snap.InFlight {
		s.inFlight[id] = struct{}{}
	}
	if snap.Variables != nil {
		s.variables = cloneVariables(snap.Variables)
	}
	s.ledger = artifact.RestoreLedger(snap.Artifacts, s.ledgerOptions()...)
	return s, nil
}
