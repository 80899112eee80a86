package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/executor"
	"github.com/kingrea/stepflow/internal/metrics"
	"github.com/kingrea/stepflow/internal/runstate"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/gate"
	"github.com/kingrea/stepflow/internal/workflow/scheduler"
)

// outcome is what a dispatch goroutine reports back to the loop.
type outcome struct {
	step        workflow.Step
	result      executor.Result
	err         error
	timedOut    bool
	interrupted bool
	limit       time.Duration
	elapsed     time.Duration
}

func (o outcome) succeeded() bool {
	return o.err == nil && o.result.Status != executor.StatusFailure
}

func (o outcome) message() string {
	switch {
	case o.timedOut:
		return fmt.Sprintf("timed out after %s", o.limit)
	case o.err != nil:
		return o.err.Error()
	case o.result.Message != "":
		return o.result.Message
	default:
		return "executor reported failure"
	}
}

// progress is the result of one scheduling pass.
type progress int

const (
	// progressWait means the loop should block on the next result.
	progressWait progress = iota
	// progressAgain means the state changed and scheduling should rerun.
	progressAgain
	// progressStop means the run reached completed or paused.
	progressStop
)

// loop owns r.state until the run stops. interrupt is the caller's context
// cancellation; persist carries the run span for checkpoint writes and is
// never cancelled; dispatch is cancelled when the run fails or the grace
// period after an interrupt runs out.
func (e *Engine) loop(interrupt <-chan struct{}, persist, dispatch context.Context, r *run, span trace.Span) {
	var runErr error
	defer func() {
		r.cancel()
		if runErr != nil {
			span.RecordError(runErr)
			span.SetStatus(codes.Error, runErr.Error())
		}
		span.SetAttributes(attribute.String("status", string(r.state.Status())))
		span.End()
		e.finish(r, runErr)
	}()

	e.checkpoint(persist, r)
	results := make(chan outcome, r.wf.Len())
	inFlight := 0
	pauseCh := r.pauseCh
	var grace <-chan time.Time

	for {
		if r.state.Status() != runstate.StatusRunning {
			return
		}
		if reason, pausing := r.pauseRequested(); pausing {
			if inFlight == 0 {
				e.pauseRun(persist, r, reason)
				return
			}
		} else {
			next, err := e.advance(persist, dispatch, r, results, &inFlight)
			if err != nil {
				runErr = err
				e.failRun(persist, r, err)
				e.drain(r, results, inFlight)
				return
			}
			switch next {
			case progressStop:
				return
			case progressAgain:
				continue
			}
		}

		select {
		case o := <-results:
			inFlight--
			if err := e.apply(persist, r, o); err != nil {
				runErr = err
				e.failRun(persist, r, err)
				e.drain(r, results, inFlight)
				return
			}
		case <-pauseCh:
			pauseCh = nil
		case <-interrupt:
			interrupt = nil
			r.requestPause("interrupted")
			grace = time.After(e.grace)
		case <-grace:
			grace = nil
			e.logger.Warn("grace period elapsed; cancelling in-flight steps",
				zap.String("run_id", r.id), zap.Int("in_flight", inFlight))
			r.cancel()
		}
	}
}

// advance resolves steps the scheduler rules out, dispatches ready ones, and
// decides completion, pausing, or deadlock when nothing is left to wait on.
func (e *Engine) advance(persist, dispatch context.Context, r *run, results chan<- outcome, inFlight *int) (progress, error) {
	batch := e.selector.Ready(scheduler.Request{
		Workflow:  r.wf,
		View:      r.state.View(),
		Ceiling:   r.limit - *inFlight,
		Available: e.registry.Has,
	})

	changed := false
	for _, id := range batch.Pruned {
		if err := e.skip(r, id, runstate.SkipBranchNotTaken); err != nil {
			return progressWait, err
		}
		changed = true
	}
	for _, step := range batch.Skippable {
		if err := e.skip(r, step.ID, runstate.SkipCapabilityUnavailable); err != nil {
			return progressWait, err
		}
		changed = true
	}
	if changed {
		e.checkpoint(persist, r)
		return progressAgain, nil
	}

	for _, step := range batch.Steps {
		if err := e.dispatch(dispatch, r, step, results); err != nil {
			return progressWait, err
		}
		*inFlight++
	}
	if len(batch.Steps) > 0 {
		e.checkpoint(persist, r)
		return progressWait, nil
	}
	if *inFlight > 0 {
		return progressWait, nil
	}

	if len(batch.Unavailable) > 0 {
		parts := make([]string, 0, len(batch.Unavailable))
		for _, step := range batch.Unavailable {
			parts = append(parts, fmt.Sprintf("step %s needs agent %s", step.ID, step.Agent))
		}
		e.pauseRun(persist, r, "executor unavailable: "+strings.Join(parts, "; "))
		return progressStop, nil
	}

	unresolved := e.unresolved(r)
	if len(unresolved) == 0 {
		if err := r.state.Complete(r.wf); err != nil {
			return progressWait, invariantError("complete run: %v", err)
		}
		e.logger.Info("run completed", zap.String("run_id", r.id), zap.Uint64("sequence", r.state.Sequence()))
		e.checkpoint(persist, r)
		e.emit(r, events.Event{Type: events.RunCompleted})
		return progressStop, nil
	}

	skipped := false
	for _, id := range r.wf.StepIDs() {
		if _, blocked := batch.Blocked[id]; !blocked {
			continue
		}
		if step, _ := r.wf.Step(id); step.Optional {
			if err := e.skip(r, id, runstate.SkipUnsatisfiable); err != nil {
				return progressWait, err
			}
			skipped = true
		}
	}
	if skipped {
		e.checkpoint(persist, r)
		return progressAgain, nil
	}
	if len(batch.Blocked) > 0 {
		return progressWait, &DeadlockError{Blocked: batch.Blocked}
	}
	return progressWait, invariantError("no schedulable step among %s", strings.Join(unresolved, ", "))
}

func (e *Engine) unresolved(r *run) []string {
	var out []string
	for _, id := range r.wf.StepIDs() {
		if !r.state.IsResolved(id) {
			out = append(out, id)
		}
	}
	return out
}

func (e *Engine) skip(r *run, id string, reason runstate.SkipReason) error {
	if err := r.state.MarkSkipped(id, reason); err != nil {
		return invariantError("skip step %s: %v", id, err)
	}
	e.logger.Info("step skipped", zap.String("run_id", r.id), zap.String("step_id", id), zap.String("reason", string(reason)))
	e.metrics.RecordOutcome("", metrics.OutcomeSkipped, 0)
	e.emit(r, events.Event{Type: events.StepSkipped, StepID: id, Message: string(reason)})
	return nil
}

func (e *Engine) dispatch(ctx context.Context, r *run, step workflow.Step, results chan<- outcome) error {
	exec, err := e.registry.Resolve(step.Agent)
	if err != nil {
		return invariantError("dispatch step %s: %v", step.ID, err)
	}
	if err := r.state.MarkDispatched(step.ID); err != nil {
		return invariantError("dispatch step %s: %v", step.ID, err)
	}
	req := executor.Request{
		RunID:       r.id,
		StepID:      step.ID,
		Agent:       step.Agent,
		Action:      step.Action,
		ContextTier: step.ContextTier,
		Inputs:      r.state.Variables(),
		Artifacts:   r.state.Ledger().All(),
	}
	limit := e.timeoutFor(r.wf, step)
	e.logger.Debug("step dispatched", zap.String("run_id", r.id), zap.String("step_id", step.ID),
		zap.String("agent", step.Agent), zap.Duration("timeout", limit))
	e.metrics.RecordDispatch(step.Agent)
	e.emit(r, events.Event{Type: events.StepDispatched, StepID: step.ID, Agent: step.Agent})
	go e.execute(ctx, exec, req, step, limit, results)
	return nil
}

// execute runs one step and always reports exactly one outcome. It does not
// wait past the step timeout for executors that ignore cancellation.
func (e *Engine) execute(ctx context.Context, exec executor.Executor, req executor.Request, step workflow.Step, limit time.Duration, results chan<- outcome) {
	ctx, span := e.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("run_id", req.RunID),
			attribute.String("step_id", step.ID),
			attribute.String("agent", step.Agent),
		))
	defer span.End()

	stepCtx, cancel := ctx, context.CancelFunc(func() {})
	if limit > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, limit)
	}
	defer cancel()

	started := time.Now()
	done := make(chan outcome, 1)
	go func() { done <- invoke(stepCtx, exec, req) }()
	var out outcome
	select {
	case out = <-done:
	case <-stepCtx.Done():
		out = outcome{err: stepCtx.Err()}
	}
	out.step = step
	out.limit = limit
	out.elapsed = time.Since(started)
	if !out.succeeded() {
		switch {
		case ctx.Err() != nil:
			out.interrupted = true
		case errors.Is(stepCtx.Err(), context.DeadlineExceeded):
			out.timedOut = true
		}
		span.SetStatus(codes.Error, out.message())
	}
	results <- out
}

func invoke(ctx context.Context, exec executor.Executor, req executor.Request) (out outcome) {
	defer func() {
		if p := recover(); p != nil {
			out = outcome{err: fmt.Errorf("executor panic: %v", p)}
		}
	}()
	result, err := exec.Execute(ctx, req)
	return outcome{result: result, err: err}
}

// apply folds one outcome into the run state. A returned error fails the run.
func (e *Engine) apply(ctx context.Context, r *run, o outcome) error {
	if o.interrupted {
		e.logger.Warn("step interrupted; left in flight for resume",
			zap.String("run_id", r.id), zap.String("step_id", o.step.ID), zap.String("agent", o.step.Agent))
		return nil
	}
	if o.succeeded() {
		return e.applySuccess(ctx, r, o)
	}
	return e.applyFailure(ctx, r, o)
}

func (e *Engine) applySuccess(ctx context.Context, r *run, o outcome) error {
	step := o.step
	if key, ok := reservedOutput(o.result.Outputs); ok {
		rejected := o
		rejected.err = fmt.Errorf("output key %q is reserved for gate decisions", key)
		return e.applyFailure(ctx, r, rejected)
	}
	produced := make(map[string]map[string]any, len(o.result.Produced))
	for _, p := range o.result.Produced {
		produced[p.Name] = p.Metadata
	}
	for _, name := range step.Creates {
		if _, err := r.state.RecordArtifact(name, step.ID, produced[name]); err != nil {
			return invariantError("record artifact %s: %v", name, err)
		}
		delete(produced, name)
	}
	for _, p := range o.result.Produced {
		if _, extra := produced[p.Name]; !extra {
			continue
		}
		if _, err := r.state.RecordArtifact(p.Name, step.ID, p.Metadata); err != nil {
			return invariantError("record artifact %s: %v", p.Name, err)
		}
	}
	if err := r.state.SetVariables(o.result.Outputs); err != nil {
		return invariantError("merge outputs of %s: %v", step.ID, err)
	}

	if step.Gated() {
		decision := r.evaluator.Evaluate(step, r.state, o.result.Scoring)
		if decision.Next != "" {
			if _, ok := r.wf.Step(decision.Next); !ok {
				err := invariantError("gate on step %s routed to undefined step %q", step.ID, decision.Next)
				e.logger.Error("gate decision names an undefined branch", zap.String("run_id", r.id), zap.String("step_id", step.ID), zap.Error(err))
				return err
			}
		}
		if err := e.recordDecision(r, decision); err != nil {
			return err
		}
		if !decision.Passed && step.OnFail == "" {
			gateFailed := o
			gateFailed.err = fmt.Errorf("gate failed: %s", decision.Explanation)
			return e.applyFailure(ctx, r, gateFailed)
		}
	}

	if err := r.state.MarkCompleted(step.ID); err != nil {
		return invariantError("complete step %s: %v", step.ID, err)
	}
	e.logger.Info("step completed", zap.String("run_id", r.id), zap.String("step_id", step.ID),
		zap.String("agent", step.Agent), zap.Duration("elapsed", o.elapsed), zap.Uint64("sequence", r.state.Sequence()))
	e.metrics.RecordOutcome(step.Agent, metrics.OutcomeCompleted, o.elapsed)
	e.emit(r, events.Event{Type: events.StepCompleted, StepID: step.ID, Agent: step.Agent, Message: o.result.Message})
	e.checkpoint(ctx, r)
	return nil
}

func (e *Engine) applyFailure(ctx context.Context, r *run, o outcome) error {
	step := o.step
	msg := o.message()
	fields := []zap.Field{zap.String("run_id", r.id), zap.String("step_id", step.ID), zap.String("agent", step.Agent), zap.String("reason", msg)}
	outcomeLabel := metrics.OutcomeFailed
	if o.timedOut {
		outcomeLabel = metrics.OutcomeTimeout
	}
	e.metrics.RecordOutcome(step.Agent, outcomeLabel, o.elapsed)
	e.emit(r, events.Event{Type: events.StepFailed, StepID: step.ID, Agent: step.Agent, Message: msg})

	switch {
	case step.Gated() && step.OnFail != "":
		e.logger.Warn("step failed; routing to failure branch", append(fields, zap.String("next", step.OnFail))...)
		decision := gate.Decision{
			Step:        step.ID,
			Condition:   step.Gate,
			Passed:      false,
			Next:        step.OnFail,
			Explanation: "step failed: " + msg,
		}
		if err := e.recordDecision(r, decision); err != nil {
			return err
		}
		if err := e.skip(r, step.ID, runstate.SkipRoutedFailure); err != nil {
			return err
		}
	case step.Optional:
		e.logger.Warn("optional step failed; skipping", fields...)
		if err := e.skip(r, step.ID, runstate.SkipOptionalFailure); err != nil {
			return err
		}
	default:
		e.logger.Error("step failed", fields...)
		return &StepError{
			StepID:  step.ID,
			Agent:   step.Agent,
			Timeout: o.timedOut,
			Limit:   o.limit,
			Message: msg,
			Err:     o.err,
		}
	}
	e.checkpoint(ctx, r)
	return nil
}

func (e *Engine) recordDecision(r *run, decision gate.Decision) error {
	if err := r.state.RecordDecision(decision); err != nil {
		return invariantError("record decision for %s: %v", decision.Step, err)
	}
	e.logger.Info("gate evaluated", zap.String("run_id", r.id), zap.String("step_id", decision.Step),
		zap.Bool("passed", decision.Passed), zap.String("next", decision.Next), zap.String("explanation", decision.Explanation))
	e.metrics.RecordGate(decision.Passed)
	d := decision
	e.emit(r, events.Event{Type: events.GateEvaluated, StepID: decision.Step, Message: decision.Explanation, Decision: &d})
	return nil
}

func (e *Engine) pauseRun(ctx context.Context, r *run, reason string) {
	if err := r.state.Pause(reason); err != nil {
		e.logger.Error("pause run", zap.String("run_id", r.id), zap.Error(err))
		return
	}
	e.logger.Info("run paused", zap.String("run_id", r.id), zap.String("reason", reason),
		zap.Strings("in_flight", r.state.InFlight()), zap.Uint64("sequence", r.state.Sequence()))
	e.checkpoint(ctx, r)
	e.emit(r, events.Event{Type: events.RunPaused, Message: reason})
}

func (e *Engine) failRun(ctx context.Context, r *run, cause error) {
	if err := r.state.Fail(cause.Error()); err != nil {
		e.logger.Error("fail run", zap.String("run_id", r.id), zap.Error(err))
	}
	e.logger.Error("run failed", zap.String("run_id", r.id), zap.Uint64("sequence", r.state.Sequence()), zap.Error(cause))
	r.cancel()
	e.checkpoint(ctx, r)
	e.emit(r, events.Event{Type: events.RunFailed, Message: cause.Error()})
}

// drain waits up to the grace period for cancelled dispatches to report so
// their goroutines finish before the run is released.
func (e *Engine) drain(r *run, results <-chan outcome, inFlight int) {
	if inFlight == 0 {
		return
	}
	timer := time.NewTimer(e.grace)
	defer timer.Stop()
	for inFlight > 0 {
		select {
		case o := <-results:
			inFlight--
			e.logger.Debug("discarding result of stopped run", zap.String("run_id", r.id), zap.String("step_id", o.step.ID))
		case <-timer.C:
			e.logger.Warn("grace period elapsed with steps still running", zap.String("run_id", r.id), zap.Int("in_flight", inFlight))
			return
		}
	}
}

func reservedOutput(outputs map[string]any) (string, bool) {
	var keys []string
	for key := range outputs {
		if gate.Reserved(key) {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return "", false
	}
	sort.Strings(keys)
	return keys[0], true
}
