package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/executor"
	"github.com/kingrea/stepflow/internal/metrics"
	"github.com/kingrea/stepflow/internal/runstate"
	"github.com/kingrea/stepflow/internal/workflow"
)

func parse(t *testing.T, doc string) *workflow.Workflow {
	t.Helper()
	wf, err := workflow.Parse([]byte(doc))
	require.NoError(t, err)
	return wf
}

func succeed() executor.Executor {
	return executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
}

func fail(message string) executor.Executor {
	return executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Status: executor.StatusFailure, Message: message}, nil
	})
}

func score(value int) executor.Executor {
	return executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Status: executor.StatusSuccess, Scoring: map[string]any{"score": value}}, nil
	})
}

type harness struct {
	engine  *Engine
	manager *checkpoint.Manager
	store   checkpoint.Store
	reg     *executor.Registry
}

func newHarness(t *testing.T, store checkpoint.Store, executors map[string]executor.Executor, opts ...Option) harness {
	t.Helper()
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	mgr, err := checkpoint.NewManager(store, checkpoint.DefaultPolicy())
	require.NoError(t, err)
	reg := executor.NewRegistry()
	for tag, exec := range executors {
		reg.MustRegister(tag, exec)
	}
	eng, err := New(reg, mgr, append([]Option{WithGracePeriod(50 * time.Millisecond)}, opts...)...)
	require.NoError(t, err)
	return harness{engine: eng, manager: mgr, store: store, reg: reg}
}

func runToEnd(t *testing.T, h harness, wf *workflow.Workflow) (Summary, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id, err := h.engine.Start(context.Background(), wf)
	require.NoError(t, err)
	summary, err := h.engine.Wait(ctx, id)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "run did not finish")
	return summary, err
}

const linearDoc = `
id: linear
steps:
  - {id: a, agent: worker, action: one, creates: [x]}
  - {id: b, agent: worker, action: two, requires: [x], creates: [y]}
  - {id: c, agent: worker, action: three, requires: [y]}
`

func TestLinearRunCompletesInOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	worker := executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
		mu.Lock()
		order = append(order, req.StepID)
		mu.Unlock()
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
	h := newHarness(t, nil, map[string]executor.Executor{"worker": worker})

	summary, err := runToEnd(t, h, parse(t, linearDoc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, []string{"a", "b", "c"}, summary.Completed)
	require.Equal(t, []string{"a", "b", "c"}, order)
	require.Len(t, summary.Artifacts, 2)
	require.Equal(t, "a", summary.Artifacts[0].Producer)

	_, snap, err := h.manager.Latest(context.Background(), summary.RunID)
	require.NoError(t, err)
	var statuses []runstate.Status
	for _, tr := range snap.Transitions {
		statuses = append(statuses, tr.To)
	}
	require.Equal(t, []runstate.Status{runstate.StatusRunning, runstate.StatusCompleted}, statuses)
	require.Equal(t, runstate.StatusNotStarted, snap.Transitions[0].From)
}

const reviewDoc = `
id: review-loop
steps:
  - {id: draft, agent: writer, action: draft, creates: [draft_doc], next: review}
  - id: review
    agent: reviewer
    action: review
    requires: [draft_doc]
    creates: [review_report]
    gate: score >= 70
    on_pass: publish
    on_fail: revise
  - {id: publish, agent: writer, action: publish, requires: [review_report]}
  - {id: revise, agent: writer, action: revise, requires: [review_report], optional: true}
`

func TestGateBelowThresholdRoutesToFailureBranch(t *testing.T) {
	h := newHarness(t, nil, map[string]executor.Executor{"writer": succeed(), "reviewer": score(65)})

	summary, err := runToEnd(t, h, parse(t, reviewDoc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, []string{"draft", "review", "revise"}, summary.Completed)
	require.Equal(t, runstate.SkipBranchNotTaken, summary.Skipped["publish"])

	_, snap, err := h.manager.Latest(context.Background(), summary.RunID)
	require.NoError(t, err)
	decision, ok := snap.Variables["gate.review"].(map[string]any)
	require.True(t, ok)
	require.Equal(t, false, decision["passed"])
	require.Equal(t, "revise", decision["next"])
}

func TestGatePassTakesPassBranch(t *testing.T) {
	h := newHarness(t, nil, map[string]executor.Executor{"writer": succeed(), "reviewer": score(82)})

	summary, err := runToEnd(t, h, parse(t, reviewDoc))
	require.NoError(t, err)
	require.Equal(t, []string{"draft", "review", "publish"}, summary.Completed)
	require.Equal(t, runstate.SkipBranchNotTaken, summary.Skipped["revise"])
}

func TestGatedStepFailureRoutesToOnFail(t *testing.T) {
	h := newHarness(t, nil, map[string]executor.Executor{"writer": succeed(), "reviewer": fail("reviewer crashed")})

	summary, err := runToEnd(t, h, parse(t, reviewDoc))
	require.NoError(t, err)
	require.Equal(t, runstate.SkipRoutedFailure, summary.Skipped["review"])
	require.Equal(t, runstate.SkipBranchNotTaken, summary.Skipped["publish"])
	require.Contains(t, summary.Completed, "draft")
	// revise never gets review_report, so it ends unsatisfiable.
	require.Equal(t, runstate.SkipUnsatisfiable, summary.Skipped["revise"])
	require.Equal(t, runstate.StatusCompleted, summary.Status)
}

func TestGateFailureWithoutOnFailFailsRun(t *testing.T) {
	doc := `
id: strict
steps:
  - {id: check, agent: reviewer, action: check, gate: score >= 90, on_pass: ship}
  - {id: ship, agent: writer, action: ship}
`
	h := newHarness(t, nil, map[string]executor.Executor{"writer": succeed(), "reviewer": score(40)})

	summary, err := runToEnd(t, h, parse(t, doc))
	require.ErrorIs(t, err, ErrStepFailure)
	require.Equal(t, runstate.StatusFailed, summary.Status)
	require.Contains(t, summary.Diagnostic, "gate failed")
}

func TestOptionalFailureIsSkipped(t *testing.T) {
	doc := `
id: optional
steps:
  - {id: lint, agent: flaky, action: lint, optional: true}
  - {id: build, agent: worker, action: build}
`
	h := newHarness(t, nil, map[string]executor.Executor{"worker": succeed(), "flaky": fail("lint exploded")})

	summary, err := runToEnd(t, h, parse(t, doc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, runstate.SkipOptionalFailure, summary.Skipped["lint"])
	require.Equal(t, []string{"build"}, summary.Completed)
}

func TestOutputsCannotWriteGateDecisions(t *testing.T) {
	doc := `
id: chain
steps:
  - {id: a, agent: forger, action: one, next: b}
  - {id: b, agent: worker, action: two, next: c}
  - {id: c, agent: worker, action: three}
`
	forger := executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		return executor.Result{Status: executor.StatusSuccess, Outputs: map[string]any{
			"summary": "ok",
			"gate.a":  map[string]any{"step": "a", "passed": true, "next": "c"},
		}}, nil
	})
	h := newHarness(t, nil, map[string]executor.Executor{"forger": forger, "worker": succeed()})

	summary, err := runToEnd(t, h, parse(t, doc))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "a", stepErr.StepID)
	require.Contains(t, stepErr.Message, `"gate.a" is reserved`)
	require.Equal(t, runstate.StatusFailed, summary.Status)
	require.NotEqual(t, runstate.SkipBranchNotTaken, summary.Skipped["b"])

	_, snap, err := h.manager.Latest(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.NotContains(t, snap.Variables, "gate.a")
	require.NotContains(t, snap.Variables, "summary")
}

func TestRequiredFailureFailsRun(t *testing.T) {
	h := newHarness(t, nil, map[string]executor.Executor{"worker": fail("boom")})

	summary, err := runToEnd(t, h, parse(t, linearDoc))
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.Equal(t, "a", stepErr.StepID)
	require.False(t, stepErr.Timeout)
	require.Equal(t, runstate.StatusFailed, summary.Status)
	require.Contains(t, summary.Diagnostic, "boom")
}

func TestDeadlockNamesMissingArtifacts(t *testing.T) {
	doc := `
id: stuck
steps:
  - {id: fetch, agent: flaky, action: fetch, creates: [data], optional: true}
  - {id: build, agent: worker, action: build, requires: [data]}
  - {id: report, agent: worker, action: report, requires: [data], optional: true}
`
	h := newHarness(t, nil, map[string]executor.Executor{"worker": succeed(), "flaky": fail("offline")})

	summary, err := runToEnd(t, h, parse(t, doc))
	var deadlock *DeadlockError
	require.ErrorAs(t, err, &deadlock)
	require.ErrorIs(t, err, ErrDeadlock)
	require.Equal(t, map[string][]string{"build": {"data"}}, deadlock.Blocked)
	require.Equal(t, runstate.StatusFailed, summary.Status)
	require.Contains(t, summary.Diagnostic, "step build needs data")
	require.Equal(t, runstate.SkipUnsatisfiable, summary.Skipped["report"])
}

func TestOnlyOptionalBlockedCompletes(t *testing.T) {
	doc := `
id: extras
steps:
  - {id: fetch, agent: flaky, action: fetch, creates: [data], optional: true}
  - {id: report, agent: worker, action: report, requires: [data], optional: true}
  - {id: build, agent: worker, action: build}
`
	h := newHarness(t, nil, map[string]executor.Executor{"worker": succeed(), "flaky": fail("offline")})

	summary, err := runToEnd(t, h, parse(t, doc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, runstate.SkipUnsatisfiable, summary.Skipped["report"])
}

func TestConcurrencyCeiling(t *testing.T) {
	doc := `
id: fanout
settings: {max_concurrency: 2}
steps:
  - {id: s1, agent: worker, action: go}
  - {id: s2, agent: worker, action: go}
  - {id: s3, agent: worker, action: go}
  - {id: s4, agent: worker, action: go}
  - {id: s5, agent: worker, action: go}
`
	var running, peak int32
	worker := executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		now := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if now <= old || atomic.CompareAndSwapInt32(&peak, old, now) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
	h := newHarness(t, nil, map[string]executor.Executor{"worker": worker}, WithMaxConcurrency(8))

	summary, err := runToEnd(t, h, parse(t, doc))
	require.NoError(t, err)
	require.Len(t, summary.Completed, 5)
	require.Equal(t, int32(2), atomic.LoadInt32(&peak))
}

func TestStepTimeoutIsFailure(t *testing.T) {
	doc := `
id: slow
steps:
  - {id: wait, agent: sleeper, action: wait, timeout: 30ms}
`
	sleeper := executor.Func(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	h := newHarness(t, nil, map[string]executor.Executor{"sleeper": sleeper})

	summary, err := runToEnd(t, h, parse(t, doc))
	require.ErrorIs(t, err, ErrStepTimeout)
	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	require.True(t, stepErr.Timeout)
	require.Equal(t, 30*time.Millisecond, stepErr.Limit)
	require.Equal(t, runstate.StatusFailed, summary.Status)
}

func TestUnavailableCapability(t *testing.T) {
	doc := `
id: gaps
steps:
  - {id: extra, agent: missing-optional, action: go, optional: true}
  - {id: core, agent: missing-required, action: go}
`
	h := newHarness(t, nil, map[string]executor.Executor{})

	summary, err := runToEnd(t, h, parse(t, doc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusPaused, summary.Status)
	require.Contains(t, summary.Diagnostic, "executor unavailable")
	require.Contains(t, summary.Diagnostic, "missing-required")
	require.Equal(t, runstate.SkipCapabilityUnavailable, summary.Skipped["extra"])

	h.reg.MustRegister("missing-required", succeed())
	require.NoError(t, h.engine.Resume(context.Background(), summary.RunID))
	summary, err = h.engine.Wait(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
}

func TestPauseDrainsInFlightThenResumes(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	blocking := executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
		if req.StepID == "a" {
			started <- struct{}{}
			<-release
		}
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
	h := newHarness(t, nil, map[string]executor.Executor{"worker": blocking})
	wf := parse(t, linearDoc)

	id, err := h.engine.Start(context.Background(), wf)
	require.NoError(t, err)
	<-started
	require.NoError(t, h.engine.Pause(id))
	close(release)

	summary, err := h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusPaused, summary.Status)
	require.Equal(t, []string{"a"}, summary.Completed)
	require.Empty(t, summary.InFlight)

	require.ErrorIs(t, h.engine.Pause(id), ErrUnknownRun)
	require.NoError(t, h.engine.Resume(context.Background(), id))
	summary, err = h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, []string{"a", "b", "c"}, summary.Completed)

	require.ErrorIs(t, h.engine.Resume(context.Background(), id), ErrRunTerminal)
}

func TestInterruptLeavesStepInFlightForResume(t *testing.T) {
	var calls int32
	started := make(chan struct{}, 1)
	worker := executor.Func(func(ctx context.Context, req executor.Request) (executor.Result, error) {
		if req.StepID == "a" && atomic.AddInt32(&calls, 1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return executor.Result{}, ctx.Err()
		}
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
	h := newHarness(t, nil, map[string]executor.Executor{"worker": worker})
	wf := parse(t, linearDoc)

	ctx, cancel := context.WithCancel(context.Background())
	id, err := h.engine.Start(ctx, wf)
	require.NoError(t, err)
	<-started
	cancel()

	summary, err := h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusPaused, summary.Status)
	require.Equal(t, []string{"a"}, summary.InFlight)
	require.Equal(t, "interrupted", summary.Diagnostic)

	require.NoError(t, h.engine.Resume(context.Background(), id))
	summary, err = h.engine.Wait(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func crashedRun(t *testing.T, store checkpoint.Store, wf *workflow.Workflow) string {
	t.Helper()
	mgr, err := checkpoint.NewManager(store, checkpoint.DefaultPolicy())
	require.NoError(t, err)
	state := runstate.New("crashed", wf)
	require.NoError(t, state.Start())
	require.NoError(t, state.MarkDispatched("a"))
	_, err = mgr.Checkpoint(context.Background(), state)
	require.NoError(t, err)
	return state.RunID()
}

func TestResumeRefusesNonIdempotentInFlight(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	wf := parse(t, linearDoc)
	runID := crashedRun(t, store, wf)

	var calls int32
	worker := executor.NonIdempotent(executor.Func(func(context.Context, executor.Request) (executor.Result, error) {
		atomic.AddInt32(&calls, 1)
		return executor.Result{Status: executor.StatusSuccess}, nil
	}))
	h := newHarness(t, store, map[string]executor.Executor{"worker": worker}, WithCatalog(workflow.NewCatalog(wf)))

	err := h.engine.Resume(context.Background(), runID)
	var integrity *ResumeIntegrityError
	require.ErrorAs(t, err, &integrity)
	require.Equal(t, []string{"a"}, integrity.Steps)

	summary, err := h.engine.Wait(context.Background(), runID)
	require.ErrorIs(t, err, ErrResumeIntegrity)
	require.Equal(t, runstate.StatusFailed, summary.Status)
	require.Zero(t, atomic.LoadInt32(&calls))

	_, snap, err := h.manager.Latest(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusFailed, snap.Status)
}

func TestResumeRedispatchesIdempotentInFlight(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	wf := parse(t, linearDoc)
	runID := crashedRun(t, store, wf)

	h := newHarness(t, store, map[string]executor.Executor{"worker": succeed()}, WithCatalog(workflow.NewCatalog(wf)))
	require.NoError(t, h.engine.Resume(context.Background(), runID))
	summary, err := h.engine.Wait(context.Background(), runID)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, []string{"a", "b", "c"}, summary.Completed)
}

func TestResumeErrors(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	wf := parse(t, linearDoc)
	runID := crashedRun(t, store, wf)

	h := newHarness(t, store, map[string]executor.Executor{"worker": succeed()})
	require.ErrorIs(t, h.engine.Resume(context.Background(), runID), ErrUnknownWorkflow)
	require.ErrorIs(t, h.engine.Resume(context.Background(), "nope"), ErrUnknownRun)

	release, err := store.Lock(context.Background(), runID)
	require.NoError(t, err)
	defer release()
	h2 := newHarness(t, store, map[string]executor.Executor{"worker": succeed()}, WithCatalog(workflow.NewCatalog(wf)))
	require.ErrorIs(t, h2.engine.Resume(context.Background(), runID), ErrRunActive)
}

// crashableStore stops persisting after crash, leaving disk state the way a
// killed process would.
type crashableStore struct {
	*checkpoint.FileStore
	crashed atomic.Bool
}

func (s *crashableStore) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	if s.crashed.Load() {
		return errors.New("process gone")
	}
	return s.FileStore.Put(ctx, cp)
}

func (s *crashableStore) Delete(ctx context.Context, runID string, seq uint64) error {
	if s.crashed.Load() {
		return errors.New("process gone")
	}
	return s.FileStore.Delete(ctx, runID, seq)
}

func (s *crashableStore) crash() error {
	s.crashed.Store(true)
	return s.FileStore.Close()
}

func TestResumeAfterLockHolderCrashes(t *testing.T) {
	dir := t.TempDir()
	wf := parse(t, linearDoc)

	firstStore, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	dead := &crashableStore{FileStore: firstStore}
	started := make(chan struct{})
	var once sync.Once
	hang := executor.Func(func(ctx context.Context, _ executor.Request) (executor.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return executor.Result{}, ctx.Err()
	})
	first := newHarness(t, dead, map[string]executor.Executor{"worker": hang})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	id, err := first.engine.Start(ctx, wf)
	require.NoError(t, err)
	<-started
	require.Eventually(t, func() bool {
		_, snap, err := first.manager.Latest(context.Background(), id)
		return err == nil && len(snap.InFlight) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, dead.crash())

	secondStore, err := checkpoint.NewFileStore(dir)
	require.NoError(t, err)
	second := newHarness(t, secondStore, map[string]executor.Executor{"worker": succeed()}, WithCatalog(workflow.NewCatalog(wf)))
	require.NoError(t, second.engine.Resume(context.Background(), id))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	summary, err := second.engine.Wait(waitCtx, id)
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.Equal(t, []string{"a", "b", "c"}, summary.Completed)

	cancel()
	_, _ = first.engine.Wait(waitCtx, id)
}

func TestStatusFromCheckpointAfterRestart(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	wf := parse(t, linearDoc)
	first := newHarness(t, store, map[string]executor.Executor{"worker": succeed()})
	summary, err := runToEnd(t, first, wf)
	require.NoError(t, err)

	second := newHarness(t, store, nil)
	restored, err := second.engine.Status(context.Background(), summary.RunID)
	require.NoError(t, err)
	require.Equal(t, summary.Status, restored.Status)
	require.Equal(t, summary.Sequence, restored.Sequence)
	require.ElementsMatch(t, summary.Completed, restored.Completed)
	require.Equal(t, summary.Artifacts, restored.Artifacts)

	runs, err := second.engine.Runs(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].RunID)

	_, err = second.engine.Status(context.Background(), "missing")
	require.ErrorIs(t, err, ErrUnknownRun)
}

type failingPutStore struct {
	*checkpoint.MemoryStore
}

func (s failingPutStore) Put(context.Context, checkpoint.Checkpoint) error {
	return errors.New("disk full")
}

func TestCheckpointFailureDegradesButContinues(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	bus := events.NewBus()
	sub := bus.Subscribe("")
	defer sub.Close()
	h := newHarness(t, failingPutStore{checkpoint.NewMemoryStore()}, map[string]executor.Executor{"worker": succeed()},
		WithLogger(zap.New(core)), WithEventBus(bus))

	summary, err := runToEnd(t, h, parse(t, linearDoc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)
	require.True(t, summary.Degraded)
	require.NotZero(t, logs.FilterMessage("checkpoint write failed; durability degraded").Len())

	sawFailure := false
	for _, ev := range collect(sub.Events) {
		if ev.Type == events.CheckpointFailed {
			sawFailure = true
		}
	}
	require.True(t, sawFailure)
}

func TestEventsAndMetrics(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe("")
	defer sub.Close()
	m := metrics.New()
	h := newHarness(t, nil, map[string]executor.Executor{"writer": succeed(), "reviewer": score(90)},
		WithEventBus(bus), WithMetrics(m), WithRunIDs(func() string { return "fixed-run" }))

	summary, err := runToEnd(t, h, parse(t, reviewDoc))
	require.NoError(t, err)
	require.Equal(t, "fixed-run", summary.RunID)

	got := collect(sub.Events)
	require.NotEmpty(t, got)
	require.Equal(t, events.RunStarted, got[0].Type)
	require.Equal(t, events.RunCompleted, got[len(got)-1].Type)
	var gate *events.Event
	for i := range got {
		require.Equal(t, "fixed-run", got[i].RunID)
		if got[i].Type == events.GateEvaluated {
			gate = &got[i]
		}
	}
	require.NotNil(t, gate)
	require.NotNil(t, gate.Decision)
	require.True(t, gate.Decision.Passed)
	require.Equal(t, "publish", gate.Decision.Next)

	require.Equal(t, 2.0, testutil.ToFloat64(m.StepsDispatched.WithLabelValues("writer")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("true")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("completed")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.RunsActive))
}

func TestExecutorOutputsAndProducedArtifacts(t *testing.T) {
	doc := `
id: outputs
steps:
  - {id: a, agent: producer, action: make, creates: [x]}
  - {id: b, agent: consumer, action: use, requires: [x, extra]}
  - {id: c, agent: producer, action: hidden, creates: [extra]}
`
	var seen executor.Request
	producer := executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
		result := executor.Result{
			Status:  executor.StatusSuccess,
			Outputs: map[string]any{req.StepID + ".done": true},
		}
		if req.StepID == "a" {
			result.Produced = []executor.Produced{{Name: "x", Metadata: map[string]any{"path": "/tmp/x"}}}
		}
		return result, nil
	})
	consumer := executor.Func(func(_ context.Context, req executor.Request) (executor.Result, error) {
		seen = req
		return executor.Result{Status: executor.StatusSuccess}, nil
	})
	h := newHarness(t, nil, map[string]executor.Executor{"producer": producer, "consumer": consumer})

	summary, err := runToEnd(t, h, parse(t, doc))
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, summary.Completed)
	require.Equal(t, true, seen.Inputs["a.done"])
	require.Len(t, seen.Artifacts, 2)
	require.Equal(t, "/tmp/x", seen.Artifacts[1].Metadata["path"])
}

func TestNewRequiresDependencies(t *testing.T) {
	mgr, err := checkpoint.NewManager(checkpoint.NewMemoryStore(), checkpoint.DefaultPolicy())
	require.NoError(t, err)
	_, err = New(nil, mgr)
	require.Error(t, err)
	_, err = New(executor.NewRegistry(), nil)
	require.Error(t, err)
	eng, err := New(executor.NewRegistry(), mgr)
	require.NoError(t, err)
	_, err = eng.Start(context.Background(), nil)
	require.Error(t, err)
}

func TestFinishedRunDropsEventBacklog(t *testing.T) {
	bus := events.NewBus()
	h := newHarness(t, nil, map[string]executor.Executor{"worker": succeed()}, WithEventBus(bus))

	summary, err := runToEnd(t, h, parse(t, linearDoc))
	require.NoError(t, err)
	require.Equal(t, runstate.StatusCompleted, summary.Status)

	late := bus.Subscribe(summary.RunID)
	defer late.Close()
	require.Empty(t, collect(late.Events), "backlog of a finished run should be gone")
}

func collect(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}
