package engine

import (
	"sort"
	"time"

	"github.com/kingrea/stepflow/internal/artifact"
	"github.com/kingrea/stepflow/internal/runstate"
	"github.com/kingrea/stepflow/internal/workflow"
)

// ArtifactSummary is one ledger entry in a Summary.
type ArtifactSummary struct {
	Name      string          `json:"name"`
	Producer  string          `json:"producer"`
	Status    artifact.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

// Summary is the externally visible status of a run.
type Summary struct {
	RunID       string                         `json:"run_id"`
	WorkflowID  string                         `json:"workflow_id"`
	Status      runstate.Status                `json:"status"`
	CurrentStep string                         `json:"current_step,omitempty"`
	InFlight    []string                       `json:"in_flight,omitempty"`
	Completed   []string                       `json:"completed,omitempty"`
	Skipped     map[string]runstate.SkipReason `json:"skipped,omitempty"`
	Artifacts   []ArtifactSummary              `json:"artifacts,omitempty"`
	Sequence    uint64                         `json:"sequence"`
	Diagnostic  string                         `json:"diagnostic,omitempty"`
	Degraded    bool                           `json:"degraded,omitempty"`
	UpdatedAt   time.Time                      `json:"updated_at"`
}

// Summarize builds a Summary from a snapshot. When wf is known, Completed is
// reported in declaration order; otherwise in completion order.
func Summarize(snap runstate.Snapshot, wf *workflow.Workflow) Summary {
	summary := Summary{
		RunID:       snap.RunID,
		WorkflowID:  snap.WorkflowID,
		Status:      snap.Status,
		CurrentStep: snap.CurrentStep,
		InFlight:    append([]string(nil), snap.InFlight...),
		Completed:   declarationOrder(snap.Completed, wf),
		Sequence:    snap.Sequence,
		Diagnostic:  snap.Diagnostic,
		Degraded:    snap.Degraded,
		UpdatedAt:   snap.UpdatedAt,
	}
	if len(snap.Skipped) > 0 {
		summary.Skipped = make(map[string]runstate.SkipReason, len(snap.Skipped))
		for id, reason := range snap.Skipped {
			summary.Skipped[id] = reason
		}
	}
	for _, entry := range snap.Artifacts {
		summary.Artifacts = append(summary.Artifacts, ArtifactSummary{
			Name:      entry.Name,
			Producer:  entry.Producer,
			Status:    entry.Status,
			CreatedAt: entry.CreatedAt,
		})
	}
	sort.Slice(summary.Artifacts, func(i, j int) bool {
		return summary.Artifacts[i].Name < summary.Artifacts[j].Name
	})
	return summary
}

func declarationOrder(completed []string, wf *workflow.Workflow) []string {
	if len(completed) == 0 {
		return nil
	}
	if wf == nil {
		return append([]string(nil), completed...)
	}
	done := make(map[string]bool, len(completed))
	for _, id := range completed {
		done[id] = true
	}
	out := make([]string, 0, len(completed))
	for _, id := range wf.StepIDs() {
		if done[id] {
			out = append(out, id)
			delete(done, id)
		}
	}
	for _, id := range completed {
		if done[id] {
			out = append(out, id)
		}
	}
	return out
}
