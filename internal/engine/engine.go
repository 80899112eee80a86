package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/executor"
	"github.com/kingrea/stepflow/internal/metrics"
	"github.com/kingrea/stepflow/internal/runstate"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/gate"
	"github.com/kingrea/stepflow/internal/workflow/scheduler"
)

const instrumentationName = "github.com/kingrea/stepflow/internal/engine"

const (
	defaultMaxConcurrency = 4
	defaultGracePeriod    = 5 * time.Second
)

// Engine drives workflow runs against a capability registry and persists
// them through a checkpoint manager.
type Engine struct {
	registry       *executor.Registry
	checkpoints    *checkpoint.Manager
	selector       scheduler.Selector
	logger         *zap.Logger
	clock          func() time.Time
	maxConcurrency int
	stepTimeout    time.Duration
	grace          time.Duration
	events         events.Publisher
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	catalog        *workflow.Catalog
	newRunID       func() string

	mu        sync.Mutex
	runs      map[string]*run
	workflows map[string]*workflow.Workflow
}

// New wires an engine to the executor registry and checkpoint manager.
func New(registry *executor.Registry, checkpoints *checkpoint.Manager, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, fmt.Errorf("engine: executor registry is required")
	}
	if checkpoints == nil {
		return nil, fmt.Errorf("engine: checkpoint manager is required")
	}
	e := &Engine{
		registry:       registry,
		checkpoints:    checkpoints,
		selector:       scheduler.Scheduler{},
		logger:         zap.NewNop(),
		clock:          time.Now,
		maxConcurrency: defaultMaxConcurrency,
		grace:          defaultGracePeriod,
		events:         events.Discard,
		tracer:         otel.Tracer(instrumentationName),
		newRunID:       uuid.NewString,
		runs:           map[string]*run{},
		workflows:      map[string]*workflow.Workflow{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Start begins a run of wf and returns its id without waiting. Cancelling
// ctx pauses the run: dispatching stops, in-flight steps get the grace
// period to finish, and the run is checkpointed as paused.
func (e *Engine) Start(ctx context.Context, wf *workflow.Workflow) (string, error) {
	if wf == nil {
		return "", fmt.Errorf("engine: workflow is required")
	}
	runID := e.newRunID()
	release, err := e.checkpoints.Acquire(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("engine: lock run %s: %w", runID, err)
	}
	state := runstate.New(runID, wf, e.stateOptions()...)
	if err := state.Start(); err != nil {
		e.releaseLock(runID, release)
		return "", fmt.Errorf("engine: start run %s: %w", runID, err)
	}
	e.remember(wf)
	r := e.register(wf, state, release)
	e.logger.Info("run started", zap.String("run_id", runID), zap.String("workflow_id", wf.ID()), zap.Int("max_concurrency", r.limit))
	e.emit(r, events.Event{Type: events.RunStarted})
	e.launch(ctx, r)
	return runID, nil
}

// Run starts wf and blocks until the run completes, fails, or pauses. The
// returned error is the run's failure cause.
func (e *Engine) Run(ctx context.Context, wf *workflow.Workflow) (Summary, error) {
	runID, err := e.Start(ctx, wf)
	if err != nil {
		return Summary{}, err
	}
	return e.Wait(context.WithoutCancel(ctx), runID)
}

// Resume continues a paused or interrupted run from its newest checkpoint.
// Steps that were in flight are dispatched again unless their executor is
// non-idempotent, in which case the run fails with *ResumeIntegrityError.
// The artifact ledger is trusted as recorded.
func (e *Engine) Resume(ctx context.Context, runID string) error {
	if r, ok := e.lookup(runID); ok && !r.finished() {
		return fmt.Errorf("%w: %s", ErrRunActive, runID)
	}
	release, err := e.checkpoints.Acquire(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrLocked) {
			return fmt.Errorf("%w: %s is locked by another process", ErrRunActive, runID)
		}
		return fmt.Errorf("engine: lock run %s: %w", runID, err)
	}
	state, err := e.checkpoints.Restore(ctx, runID, e.stateOptions()...)
	if err != nil {
		e.releaseLock(runID, release)
		if errors.Is(err, checkpoint.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return fmt.Errorf("engine: restore run %s: %w", runID, err)
	}
	if state.Status().Terminal() {
		e.releaseLock(runID, release)
		return fmt.Errorf("%w: %s is %s", ErrRunTerminal, runID, state.Status())
	}
	wf, ok := e.lookupWorkflow(state.WorkflowID())
	if !ok {
		wf, err = e.reloadSource(state)
		if err != nil {
			e.releaseLock(runID, release)
			return err
		}
	}
	fields := []zap.Field{zap.String("run_id", runID), zap.String("workflow_id", wf.ID()), zap.Uint64("sequence", state.Sequence())}
	if wf.Version() != state.WorkflowVersion() {
		e.logger.Warn("workflow version changed since checkpoint",
			append(fields, zap.String("checkpoint_version", state.WorkflowVersion()), zap.String("definition_version", wf.Version()))...)
	}
	switch state.Status() {
	case runstate.StatusPaused:
		err = state.Resume()
	case runstate.StatusNotStarted:
		err = state.Start()
	}
	if err != nil {
		e.releaseLock(runID, release)
		return fmt.Errorf("engine: resume run %s: %w", runID, err)
	}
	r := e.register(wf, state, release)
	e.logger.Info("run resumed", fields...)
	e.emit(r, events.Event{Type: events.RunResumed})

	if stuck := e.nonIdempotentInFlight(wf, state); len(stuck) > 0 {
		integrity := &ResumeIntegrityError{RunID: runID, Steps: stuck}
		e.logger.Error("refusing to re-dispatch non-idempotent steps", append(fields, zap.Strings("steps", stuck))...)
		persist := context.WithoutCancel(ctx)
		_ = state.Fail(integrity.Error())
		e.checkpoint(persist, r)
		e.emit(r, events.Event{Type: events.RunFailed, Message: integrity.Error()})
		e.finish(r, integrity)
		return integrity
	}
	if cleared := state.ClearInFlight(); len(cleared) > 0 {
		e.logger.Info("re-dispatching steps in flight at last checkpoint", append(fields, zap.Strings("steps", cleared))...)
	}
	e.launch(ctx, r)
	return nil
}

// Pause asks a live run to stop dispatching. The run becomes paused once its
// in-flight steps report back.
func (e *Engine) Pause(runID string) error {
	r, ok := e.lookup(runID)
	if !ok || r.finished() {
		return fmt.Errorf("%w: %s is not running", ErrUnknownRun, runID)
	}
	r.requestPause("pause requested")
	return nil
}

// Wait blocks until the run stops and returns its summary and failure cause.
// Runs not driven by this engine report their latest checkpoint.
func (e *Engine) Wait(ctx context.Context, runID string) (Summary, error) {
	r, ok := e.lookup(runID)
	if !ok {
		return e.Status(ctx, runID)
	}
	select {
	case <-r.done:
		return r.summary, r.err
	case <-ctx.Done():
		return Summarize(r.state.Snapshot(), r.wf), ctx.Err()
	}
}

// Status reports a live run, or the newest checkpoint of a stopped one.
func (e *Engine) Status(ctx context.Context, runID string) (Summary, error) {
	if r, ok := e.lookup(runID); ok {
		return Summarize(r.state.Snapshot(), r.wf), nil
	}
	_, snap, err := e.checkpoints.Latest(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNotFound) {
			return Summary{}, fmt.Errorf("%w: %s", ErrUnknownRun, runID)
		}
		return Summary{}, fmt.Errorf("engine: status %s: %w", runID, err)
	}
	wf, _ := e.lookupWorkflow(snap.WorkflowID)
	return Summarize(snap, wf), nil
}

// Runs summarizes every checkpointed or live run, ordered by id.
func (e *Engine) Runs(ctx context.Context) ([]Summary, error) {
	ids, err := e.checkpoints.Runs(ctx)
	if err != nil {
		return nil, fmt.Errorf("engine: list runs: %w", err)
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		seen[id] = true
	}
	e.mu.Lock()
	for id := range e.runs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()
	sort.Strings(ids)
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		summary, err := e.Status(ctx, id)
		if err != nil {
			if errors.Is(err, ErrUnknownRun) {
				continue
			}
			return nil, err
		}
		out = append(out, summary)
	}
	return out, nil
}

func (e *Engine) stateOptions() []runstate.Option {
	return []runstate.Option{runstate.WithClock(e.clock), runstate.WithLogger(e.logger)}
}

func (e *Engine) remember(wf *workflow.Workflow) {
	e.mu.Lock()
	e.workflows[wf.ID()] = wf
	e.mu.Unlock()
}

func (e *Engine) lookupWorkflow(id string) (*workflow.Workflow, bool) {
	e.mu.Lock()
	wf, ok := e.workflows[id]
	e.mu.Unlock()
	if ok {
		return wf, true
	}
	if e.catalog != nil {
		return e.catalog.Get(id)
	}
	return nil, false
}

// reloadSource loads a definition that is in neither the engine nor the
// catalog from the file the run was started with.
func (e *Engine) reloadSource(state *runstate.State) (*workflow.Workflow, error) {
	source := state.WorkflowSource()
	if source == "" {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkflow, state.WorkflowID())
	}
	wf, err := workflow.LoadFile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnknownWorkflow, state.WorkflowID(), err)
	}
	if wf.ID() != state.WorkflowID() {
		return nil, fmt.Errorf("%w: %s now defines %q, not %q", ErrUnknownWorkflow, source, wf.ID(), state.WorkflowID())
	}
	e.logger.Info("workflow reloaded from run source",
		zap.String("run_id", state.RunID()), zap.String("workflow_id", wf.ID()), zap.String("source", source))
	e.remember(wf)
	return wf, nil
}

func (e *Engine) lookup(runID string) (*run, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.runs[runID]
	return r, ok
}

func (e *Engine) register(wf *workflow.Workflow, state *runstate.State, release checkpoint.Release) *run {
	r := newRun(wf, state, release, e.concurrencyFor(wf), gate.NewEvaluator(wf.Settings()))
	e.mu.Lock()
	e.runs[r.id] = r
	e.mu.Unlock()
	e.metrics.RunStarted()
	return r
}

func (e *Engine) concurrencyFor(wf *workflow.Workflow) int {
	limit := e.maxConcurrency
	if n := wf.Settings().MaxConcurrency; n > 0 && n < limit {
		limit = n
	}
	return limit
}

func (e *Engine) timeoutFor(wf *workflow.Workflow, step workflow.Step) time.Duration {
	if step.Timeout > 0 {
		return step.Timeout
	}
	if d := wf.Settings().StepTimeout; d > 0 {
		return d
	}
	return e.stepTimeout
}

func (e *Engine) nonIdempotentInFlight(wf *workflow.Workflow, state *runstate.State) []string {
	var stuck []string
	for _, id := range state.InFlight() {
		step, found := wf.Step(id)
		if !found {
			continue
		}
		exec, err := e.registry.Resolve(step.Agent)
		if err == nil && !executor.IsIdempotent(exec) {
			stuck = append(stuck, id)
		}
	}
	return stuck
}

func (e *Engine) launch(ctx context.Context, r *run) {
	runCtx, span := e.tracer.Start(context.WithoutCancel(ctx), "workflow.run",
		trace.WithAttributes(
			attribute.String("run_id", r.id),
			attribute.String("workflow_id", r.wf.ID()),
		))
	dispatchCtx, cancel := context.WithCancel(runCtx)
	r.cancel = cancel
	go e.loop(ctx.Done(), context.WithoutCancel(runCtx), dispatchCtx, r, span)
}

func (e *Engine) finish(r *run, err error) {
	snap := r.state.Snapshot()
	r.summary = Summarize(snap, r.wf)
	r.err = err
	e.releaseLock(r.id, r.release)
	e.checkpoints.Forget(r.id)
	if f, ok := e.events.(forgetter); ok {
		f.Forget(r.id)
	}
	e.metrics.RunFinished(string(snap.Status))
	close(r.done)
}

// forgetter is implemented by publishers that keep per-run state.
type forgetter interface {
	Forget(runID string)
}

func (e *Engine) releaseLock(runID string, release checkpoint.Release) {
	if release == nil {
		return
	}
	if err := release(); err != nil {
		e.logger.Warn("release run lock", zap.String("run_id", runID), zap.Error(err))
	}
}

func (e *Engine) emit(r *run, event events.Event) {
	event.RunID = r.id
	event.WorkflowID = r.wf.ID()
	event.Sequence = r.state.Sequence()
	if event.Status == "" {
		event.Status = string(r.state.Status())
	}
	event.Time = e.clock().UTC()
	e.events.Publish(event)
}

func (e *Engine) checkpoint(ctx context.Context, r *run) {
	wrote, err := e.checkpoints.MaybeCheckpoint(ctx, r.state)
	if err != nil {
		e.metrics.RecordCheckpoint(err)
		r.state.MarkDegraded()
		e.logger.Error("checkpoint write failed; durability degraded",
			zap.String("run_id", r.id), zap.Uint64("sequence", r.state.Sequence()), zap.Error(err))
		e.emit(r, events.Event{Type: events.CheckpointFailed, Message: err.Error()})
		return
	}
	if wrote {
		e.metrics.RecordCheckpoint(nil)
		e.emit(r, events.Event{Type: events.CheckpointWritten})
	}
}
