package scheduler

import (
	"fmt"

	"github.com/kingrea/stepflow/internal/runstate"
	"github.com/kingrea/stepflow/internal/workflow"
)

// Selector exposes the contract the execution coordinator needs to request
// dispatchable steps.
type Selector interface {
	Ready(Request) Batch
}

// Scheduler is the default Selector.
type Scheduler struct{}

// Ready implements Selector.
func (Scheduler) Ready(req Request) Batch {
	return Ready(req)
}

// Request captures the run state plus the scheduling constraints.
type Request struct {
	Workflow *workflow.Workflow
	View     runstate.View
	// Ceiling is the remaining dispatch capacity. Values <= 0 dispatch
	// nothing.
	Ceiling int
	// Available reports whether an executor exists for a capability tag. A
	// nil func treats every tag as available.
	Available func(agent string) bool
}

// Batch describes the scheduler's decision.
type Batch struct {
	// Steps are ready to dispatch, in declaration order.
	Steps []workflow.Step
	// Skippable are ready optional steps whose capability is unavailable.
	Skippable []workflow.Step
	// Unavailable are ready required steps whose capability is unavailable.
	Unavailable []workflow.Step
	// Deferred are ready steps held back by the ceiling.
	Deferred map[string]SkipReason
	// Blocked maps reachable candidates to the artifacts they still lack.
	Blocked map[string][]string
	// Pruned lists unresolved steps no taken branch can reach.
	Pruned []string
}

// Empty reports whether the batch offers no progress at all.
func (b Batch) Empty() bool {
	return len(b.Steps) == 0 && len(b.Skippable) == 0 && len(b.Unavailable) == 0 &&
		len(b.Deferred) == 0 && len(b.Pruned) == 0
}

// SkipReason explains why a step was excluded from Steps.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// SkipReasonCode enumerates scheduler exclusion reasons.
type SkipReasonCode string

const (
	SkipReasonConcurrency SkipReasonCode = "concurrency"
)

// Ready computes the next batch for the request.
func Ready(req Request) Batch {
	var result Batch
	wf := req.Workflow
	if wf == nil {
		return result
	}
	view := req.View
	reachable := Reachable(wf, view)
	limit := req.Ceiling
	if limit < 0 {
		limit = 0
	}
	for _, step := range wf.Steps() {
		if view.Resolved(step.ID) || view.InFlight[step.ID] {
			continue
		}
		if !reachable[step.ID] {
			result.Pruned = append(result.Pruned, step.ID)
			continue
		}
		if !isCandidate(wf, view, step.ID) {
			continue
		}
		if missing := missingArtifacts(view, step.Requires); len(missing) > 0 {
			result.addBlocked(step.ID, missing)
			continue
		}
		if req.Available != nil && !req.Available(step.Agent) {
			if step.Optional {
				result.Skippable = append(result.Skippable, step)
			} else {
				result.Unavailable = append(result.Unavailable, step)
			}
			continue
		}
		if len(result.Steps) >= limit {
			result.addDeferred(step.ID, SkipReason{Reason: SkipReasonConcurrency, Detail: fmt.Sprintf("ceiling %d reached", req.Ceiling)})
			continue
		}
		result.Steps = append(result.Steps, step)
	}
	return result
}

// Reachable walks the graph from its roots. Unresolved steps follow every
// edge, resolved steps follow only the edge they took, and steps pruned by a
// branch follow none.
func Reachable(wf *workflow.Workflow, view runstate.View) map[string]bool {
	seen := map[string]bool{}
	queue := wf.Roots()
	for _, id := range queue {
		seen[id] = true
	}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, ok := wf.Step(id)
		if !ok {
			continue
		}
		for _, next := range outgoing(step, view) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	return seen
}

func outgoing(step workflow.Step, view runstate.View) []string {
	if view.Skipped[step.ID] == runstate.SkipBranchNotTaken {
		return nil
	}
	if !view.Resolved(step.ID) {
		return step.Successors()
	}
	if taken := TakenEdge(step, view); taken != "" {
		return []string{taken}
	}
	return nil
}

// TakenEdge returns the successor a resolved step routed to: the recorded
// gate decision's target when the step is gated, else next.
func TakenEdge(step workflow.Step, view runstate.View) string {
	if !step.Gated() {
		return step.Next
	}
	if decision, ok := view.Decisions[step.ID]; ok {
		return decision.Next
	}
	return step.Next
}

func isCandidate(wf *workflow.Workflow, view runstate.View, id string) bool {
	preds := wf.Predecessors(id)
	if len(preds) == 0 {
		return true
	}
	for _, predID := range preds {
		if !view.Resolved(predID) || view.Skipped[predID] == runstate.SkipBranchNotTaken {
			continue
		}
		pred, ok := wf.Step(predID)
		if ok && TakenEdge(pred, view) == id {
			return true
		}
	}
	return false
}

func missingArtifacts(view runstate.View, requires []string) []string {
	if len(requires) == 0 {
		return nil
	}
	if view.Ledger == nil {
		return append([]string(nil), requires...)
	}
	if view.Ledger.HasAll(requires) {
		return nil
	}
	return view.Ledger.Missing(requires)
}

func (b *Batch) addDeferred(id string, reason SkipReason) {
	if b.Deferred == nil {
		b.Deferred = make(map[string]SkipReason)
	}
	b.Deferred[id] = reason
}

func (b *Batch) addBlocked(id string, missing []string) {
	if b.Blocked == nil {
		b.Blocked = make(map[string][]string)
	}
	b.Blocked[id] = missing
}
