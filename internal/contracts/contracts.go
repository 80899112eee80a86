// Package contracts checks that a workflow's agents can be served by the
// executors configured for this process.
package contracts

import (
	"fmt"
	"sort"

	"github.com/kingrea/stepflow/internal/workflow"
)

// Capabilities reports which agent tags have an executor.
type Capabilities interface {
	Has(tag string) bool
}

// Report captures capability findings for one workflow. Errors name
// required steps that would pause the run; Warnings name optional steps that
// would be skipped.
type Report struct {
	Path       string
	WorkflowID string
	Workflow   *workflow.Workflow
	Errors     []error
	Warnings   []error

	missing []string
}

// IsValid reports whether every required step has an executor.
func (r *Report) IsValid() bool {
	return r != nil && len(r.Errors) == 0
}

// MissingAgents lists the agent tags with no executor, sorted.
func (r *Report) MissingAgents() []string {
	if r == nil {
		return nil
	}
	return r.missing
}

// Check compares the agents wf names against caps.
func Check(wf *workflow.Workflow, caps Capabilities) *Report {
	report := &Report{}
	if wf == nil {
		report.Errors = []error{fmt.Errorf("contracts: workflow is nil")}
		return report
	}
	report.WorkflowID = wf.ID()
	report.Workflow = wf
	missing := map[string]struct{}{}
	for _, step := range wf.Steps() {
		if caps != nil && caps.Has(step.Agent) {
			continue
		}
		missing[step.Agent] = struct{}{}
		if step.Optional {
			report.Warnings = append(report.Warnings,
				fmt.Errorf("optional step %s will be skipped: no executor for agent %s", step.ID, step.Agent))
			continue
		}
		report.Errors = append(report.Errors,
			fmt.Errorf("step %s needs agent %s, which has no executor", step.ID, step.Agent))
	}
	for agent := range missing {
		report.missing = append(report.missing, agent)
	}
	sort.Strings(report.missing)
	return report
}
