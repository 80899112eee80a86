package engine

import (
	"context"
	"sync"

	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/runstate"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/gate"
)

// run is the engine's handle on one live run. Only the loop goroutine
// mutates state; other goroutines read snapshots.
type run struct {
	id        string
	wf        *workflow.Workflow
	state     *runstate.State
	release   checkpoint.Release
	limit     int
	evaluator gate.Evaluator

	pauseOnce   sync.Once
	pauseCh     chan struct{}
	pauseMu     sync.Mutex
	pauseReason string

	cancel  context.CancelFunc
	done    chan struct{}
	summary Summary
	err     error
}

func newRun(wf *workflow.Workflow, state *runstate.State, release checkpoint.Release, limit int, evaluator gate.Evaluator) *run {
	return &run{
		id:        state.RunID(),
		wf:        wf,
		state:     state,
		release:   release,
		limit:     limit,
		evaluator: evaluator,
		pauseCh:   make(chan struct{}),
		cancel:    func() {},
		done:      make(chan struct{}),
	}
}

func (r *run) requestPause(reason string) {
	r.pauseOnce.Do(func() {
		r.pauseMu.Lock()
		r.pauseReason = reason
		r.pauseMu.Unlock()
		close(r.pauseCh)
	})
}

func (r *run) pauseRequested() (string, bool) {
	select {
	case <-r.pauseCh:
		r.pauseMu.Lock()
		defer r.pauseMu.Unlock()
		return r.pauseReason, true
	default:
		return "", false
	}
}

func (r *run) finished() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}
