// Package runstate owns the mutable execution state of a single workflow
// run. Every mutation goes through a method on State and bumps the run's
// sequence number.
package runstate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/artifact"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/gate"
)

// Status enumerates run lifecycle phases.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusRunning    Status = "running"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no transition may leave the status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// SkipReason explains why a step was resolved without completing.
type SkipReason string

const (
	SkipOptionalFailure       SkipReason = "optional-failure"
	SkipBranchNotTaken        SkipReason = "branch-not-taken"
	SkipCapabilityUnavailable SkipReason = "capability-unavailable"
	SkipUnsatisfiable         SkipReason = "unsatisfiable"
	SkipRoutedFailure         SkipReason = "routed-failure"
)

var (
	// ErrIllegalTransition is returned for status changes the lifecycle forbids.
	ErrIllegalTransition = errors.New("runstate: illegal transition")
	// ErrStepConflict is returned when a step mutation would break the
	// completed/skipped/in-flight bookkeeping.
	ErrStepConflict = errors.New("runstate: step conflict")
	// ErrTerminal is returned for any mutation of a completed or failed run.
	ErrTerminal = errors.New("runstate: run is terminal")
	// ErrReservedVariable is returned when a caller writes into the gate
	// decision namespace.
	ErrReservedVariable = errors.New("runstate: reserved variable")
)

// TransitionError describes a rejected status change.
type TransitionError struct {
	From   Status
	To     Status
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("runstate: cannot move from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Is matches ErrIllegalTransition.
func (e *TransitionError) Is(target error) bool {
	return target == ErrIllegalTransition
}

// Transition is one entry in the status history.
type Transition struct {
	From     Status    `json:"from"`
	To       Status    `json:"to"`
	Sequence uint64    `json:"sequence"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

var allowed = map[Status][]Status{
	StatusNotStarted: {StatusRunning},
	StatusRunning:    {StatusCompleted, StatusFailed, StatusPaused},
	StatusPaused:     {StatusRunning},
}

// State is the single-writer run state. Methods are safe for concurrent
// readers; the coordinator is the only writer.
type State struct {
	mu sync.RWMutex

	runID           string
	workflowID      string
	workflowVersion string
	workflowSource  string
	status          Status
	currentStep     string
	inFlight        map[string]struct{}
	completed       []string
	completedSet    map[string]struct{}
	skipped         map[string]SkipReason
	ledger          *artifact.Ledger
	variables       map[string]any
	sequence        uint64
	diagnostic      string
	degraded        bool
	startedAt       time.Time
	updatedAt       time.Time
	transitions     []Transition

	now    func() time.Time
	logger *zap.Logger
}

// Option customizes a State.
type Option func(*State)

// WithClock overrides the clock used for timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *State) {
		if clock != nil {
			s.now = clock
		}
	}
}

// WithLogger passes logger through to the artifact ledger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *State) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func newState(opts []Option) *State {
	s := &State{
		status:       StatusNotStarted,
		inFlight:     map[string]struct{}{},
		completedSet: map[string]struct{}{},
		skipped:      map[string]SkipReason{},
		variables:    map[string]any{},
		now:          time.Now,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) ledgerOptions() []artifact.Option {
	return []artifact.Option{artifact.WithClock(s.now), artifact.WithLogger(s.logger)}
}

// New creates a not_started run of wf.
func New(runID string, wf *workflow.Workflow, opts ...Option) *State {
	s := newState(opts)
	s.runID = runID
	if wf != nil {
		s.workflowID = wf.ID()
		s.workflowVersion = wf.Version()
		s.workflowSource = wf.Source()
	}
	s.ledger = artifact.NewLedger(s.ledgerOptions()...)
	s.updatedAt = s.now().UTC()
	return s
}

func (s *State) RunID() string           { return s.runID }
func (s *State) WorkflowID() string      { return s.workflowID }
func (s *State) WorkflowVersion() string { return s.workflowVersion }

// WorkflowSource is the definition file the run was started from, if any.
func (s *State) WorkflowSource() string { return s.workflowSource }

// Status returns the current lifecycle status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Sequence returns the mutation counter.
func (s *State) Sequence() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sequence
}

// CurrentStep returns the most recently dispatched step.
func (s *State) CurrentStep() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStep
}

// Diagnostic returns the reason recorded with the last pause or failure.
func (s *State) Diagnostic() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.diagnostic
}

// Degraded reports whether a checkpoint write failed during the run.
func (s *State) Degraded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.degraded
}

func (s *State) StartedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startedAt
}

func (s *State) UpdatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.updatedAt
}

// Completed lists completed steps in completion order.
func (s *State) Completed() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.completed...)
}

// Skipped returns a copy of the skip map.
func (s *State) Skipped() map[string]SkipReason {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]SkipReason, len(s.skipped))
	for id, reason := range s.skipped {
		out[id] = reason
	}
	return out
}

// InFlight lists dispatched steps awaiting results, sorted.
func (s *State) InFlight() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedKeys(s.inFlight)
}

// IsResolved reports whether the step completed or was skipped.
func (s *State) IsResolved(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, done := s.completedSet[id]
	_, skipped := s.skipped[id]
	return done || skipped
}

// Variables returns a shallow copy of the variable map.
func (s *State) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneVariables(s.variables)
}

// Ledger returns an independent copy of the artifact ledger. Record
// artifacts through RecordArtifact.
func (s *State) Ledger() *artifact.Ledger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Clone()
}

// Decisions returns every recorded gate decision keyed by step id.
func (s *State) Decisions() map[string]gate.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return decisionsFrom(s.variables)
}

// Transitions returns the status history.
func (s *State) Transitions() []Transition {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transition(nil), s.transitions...)
}

// Start moves a fresh run to running.
func (s *State) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusRunning, ""); err != nil {
		return err
	}
	s.startedAt = s.updatedAt
	return nil
}

// Pause stops a running run, keeping its resumption point.
func (s *State) Pause(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusPaused, reason); err != nil {
		return err
	}
	s.diagnostic = reason
	return nil
}

// Resume moves a paused run back to running.
func (s *State) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusPaused {
		return &TransitionError{From: s.status, To: StatusRunning, Reason: "only paused runs resume"}
	}
	if err := s.transitionLocked(StatusRunning, "resumed"); err != nil {
		return err
	}
	s.diagnostic = ""
	return nil
}

// Fail terminates the run.
func (s *State) Fail(diagnostic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transitionLocked(StatusFailed, diagnostic); err != nil {
		return err
	}
	s.diagnostic = diagnostic
	return nil
}

// Complete terminates the run successfully once every non-optional step of
// wf is resolved.
func (s *State) Complete(wf *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusRunning && wf != nil {
		var pending []string
		for _, step := range wf.Steps() {
			if step.Optional {
				continue
			}
			_, done := s.completedSet[step.ID]
			_, skipped := s.skipped[step.ID]
			if !done && !skipped {
				pending = append(pending, step.ID)
			}
		}
		if len(pending) > 0 {
			return &TransitionError{From: s.status, To: StatusCompleted, Reason: "unresolved steps " + strings.Join(pending, ", ")}
		}
	}
	if err := s.transitionLocked(StatusCompleted, ""); err != nil {
		return err
	}
	s.currentStep = ""
	return nil
}

func (s *State) transitionLocked(to Status, reason string) error {
	from := s.status
	permitted := false
	for _, candidate := range allowed[from] {
		if candidate == to {
			permitted = true
			break
		}
	}
	if !permitted {
		return &TransitionError{From: from, To: to}
	}
	s.status = to
	s.touchLocked()
	s.transitions = append(s.transitions, Transition{From: from, To: to, Sequence: s.sequence, Reason: reason, At: s.updatedAt})
	return nil
}

func (s *State) touchLocked() {
	s.sequence++
	s.updatedAt = s.now().UTC()
}

func (s *State) mutableLocked() error {
	if s.status.Terminal() {
		return fmt.Errorf("%w (%s)", ErrTerminal, s.status)
	}
	return nil
}

// MarkDispatched records that a step was handed to its executor.
func (s *State) MarkDispatched(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if err := s.unresolvedLocked(id); err != nil {
		return err
	}
	if _, busy := s.inFlight[id]; busy {
		return fmt.Errorf("%w: step %s is already in flight", ErrStepConflict, id)
	}
	s.inFlight[id] = struct{}{}
	s.currentStep = id
	s.touchLocked()
	return nil
}

// MarkCompleted resolves a step as completed.
func (s *State) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if err := s.unresolvedLocked(id); err != nil {
		return err
	}
	delete(s.inFlight, id)
	s.completed = append(s.completed, id)
	s.completedSet[id] = struct{}{}
	s.touchLocked()
	return nil
}

// MarkSkipped resolves a step as skipped.
func (s *State) MarkSkipped(id string, reason SkipReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	if err := s.unresolvedLocked(id); err != nil {
		return err
	}
	delete(s.inFlight, id)
	s.skipped[id] = reason
	s.touchLocked()
	return nil
}

func (s *State) unresolvedLocked(id string) error {
	if _, done := s.completedSet[id]; done {
		return fmt.Errorf("%w: step %s already completed", ErrStepConflict, id)
	}
	if reason, skipped := s.skipped[id]; skipped {
		return fmt.Errorf("%w: step %s already skipped (%s)", ErrStepConflict, id, reason)
	}
	return nil
}

// ClearInFlight drops every in-flight marker and returns the affected steps.
func (s *State) ClearInFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	cleared := sortedKeys(s.inFlight)
	if len(cleared) == 0 {
		return nil
	}
	s.inFlight = map[string]struct{}{}
	s.touchLocked()
	return cleared
}

// RecordArtifact marks an artifact present.
func (s *State) RecordArtifact(name, producer string, metadata map[string]any) (artifact.Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return artifact.Artifact{}, err
	}
	entry, _ := s.ledger.Record(name, producer, metadata)
	s.touchLocked()
	return entry, nil
}

// SetVariable stores one variable.
func (s *State) SetVariable(key string, value any) error {
	return s.SetVariables(map[string]any{key: value})
}

// SetVariables merges values into the variable map. Keys under gate. are
// rejected as a whole; only RecordDecision writes there.
func (s *State) SetVariables(values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	for key := range values {
		if gate.Reserved(key) {
			return fmt.Errorf("%w: %q", ErrReservedVariable, key)
		}
	}
	return s.setVariables(values)
}

func (s *State) setVariables(values map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.mutableLocked(); err != nil {
		return err
	}
	for key, value := range values {
		s.variables[key] = value
	}
	s.touchLocked()
	return nil
}

// RecordDecision stores a gate decision under gate.<step>.
func (s *State) RecordDecision(decision gate.Decision) error {
	return s.setVariables(map[string]any{gate.Key(decision.Step): decision.Value()})
}

// MarkDegraded flags that durability was lost for part of the run.
func (s *State) MarkDegraded() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.degraded {
		return
	}
	s.degraded = true
	s.touchLocked()
}

// View is an immutable projection consumed by the scheduler.
type View struct {
	Completed map[string]bool
	Skipped   map[string]SkipReason
	InFlight  map[string]bool
	Decisions map[string]gate.Decision
	Ledger    *artifact.Ledger
}

// Resolved reports whether the step completed or was skipped.
func (v View) Resolved(id string) bool {
	_, skipped := v.Skipped[id]
	return v.Completed[id] || skipped
}

// View captures the state the scheduler needs.
func (s *State) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := View{
		Completed: make(map[string]bool, len(s.completedSet)),
		Skipped:   make(map[string]SkipReason, len(s.skipped)),
		InFlight:  make(map[string]bool, len(s.inFlight)),
		Decisions: decisionsFrom(s.variables),
		Ledger:    s.ledger.Clone(),
	}
	for id := range s.completedSet {
		view.Completed[id] = true
	}
	for id, reason := range s.skipped {
		view.Skipped[id] = reason
	}
	for id := range s.inFlight {
		view.InFlight[id] = true
	}
	return view
}

func decisionsFrom(variables map[string]any) map[string]gate.Decision {
	out := map[string]gate.Decision{}
	for key, value := range variables {
		if !strings.HasPrefix(key, gate.KeyPrefix) {
			continue
		}
		if decision, ok := gate.FromValue(value); ok {
			out[strings.TrimPrefix(key, gate.KeyPrefix)] = decision
		}
	}
	return out
}

func sortedKeys(values map[string]struct{}) []string {
	if len(values) == 0 {
		return nil
	}
	out := make([]string, 0, len(values))
	for key := range values {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func cloneVariables(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for key, value := range values {
		out[key] = value
	}
	return out
}
