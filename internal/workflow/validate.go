package workflow

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/stepflow/internal/workflow/condition"
)

// ErrDefinition classifies every load-time failure.
var ErrDefinition = errors.New("workflow: invalid definition")

// LoadError reports why a document was rejected. Step is empty for
// workflow-level problems.
type LoadError struct {
	Step   string
	Reason string
}

func (e *LoadError) Error() string {
	if e.Step == "" {
		return "workflow: " + e.Reason
	}
	return fmt.Sprintf("workflow: step %s: %s", e.Step, e.Reason)
}

// Is matches ErrDefinition.
func (e *LoadError) Is(target error) bool {
	return target == ErrDefinition
}

func definitionError(format string, args ...any) error {
	return &LoadError{Reason: fmt.Sprintf(format, args...)}
}

func stepError(step, format string, args ...any) error {
	return &LoadError{Step: step, Reason: fmt.Sprintf(format, args...)}
}

func validateHeader(doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return definitionError("id is required")
	}
	if len(doc.Steps) == 0 {
		return definitionError("workflow %s: at least one step is required", doc.ID)
	}
	return nil
}

func validateStep(idx int, step *Step, kind Kind) error {
	if step.ID == "" {
		return definitionError("steps[%d]: id is required", idx)
	}
	if step.Agent == "" {
		return stepError(step.ID, "agent is required")
	}
	if step.Action == "" {
		return stepError(step.ID, "action is required")
	}
	if step.Timeout < 0 {
		return stepError(step.ID, "timeout must be >= 0")
	}
	if step.Next != "" && (step.Gate != "" || step.OnPass != "" || step.OnFail != "") {
		return stepError(step.ID, "next cannot be combined with gate routing")
	}
	if step.Gate == "" {
		if step.OnPass != "" || step.OnFail != "" {
			return stepError(step.ID, "on_pass/on_fail require a gate")
		}
		return checkDuplicates(step)
	}
	if kind == KindLinear {
		return stepError(step.ID, "linear workflows cannot declare gates")
	}
	if step.OnPass == "" {
		return stepError(step.ID, "gate requires on_pass")
	}
	expr, err := condition.Parse(step.Gate)
	if err != nil {
		return stepError(step.ID, "gate: %v", err)
	}
	step.condition = expr
	return checkDuplicates(step)
}

func checkDuplicates(step *Step) error {
	lists := []struct {
		label  string
		values []string
	}{
		{"requires", step.Requires},
		{"creates", step.Creates},
	}
	for _, list := range lists {
		seen := map[string]struct{}{}
		for _, v := range list.values {
			if _, dup := seen[v]; dup {
				return stepError(step.ID, "duplicate %s entry %s", list.label, v)
			}
			seen[v] = struct{}{}
		}
	}
	return nil
}

func validateReferences(wf *Workflow) error {
	for _, step := range wf.steps {
		for _, target := range step.Successors() {
			if _, ok := wf.index[target]; !ok {
				return stepError(step.ID, "references unknown step %s", target)
			}
		}
		for _, name := range step.Requires {
			producers := wf.producers[name]
			if len(producers) == 0 {
				return stepError(step.ID, "requires artifact %s that no step creates", name)
			}
			if len(producers) == 1 && producers[0] == step.ID {
				return stepError(step.ID, "requires artifact %s that only it creates", name)
			}
		}
		for _, name := range step.condition.Artifacts() {
			if len(wf.producers[name]) == 0 {
				return stepError(step.ID, "gate checks artifact %s that no step creates", name)
			}
		}
	}
	return nil
}

const (
	unvisited = iota
	visiting
	visited
)

func detectCycles(wf *Workflow) error {
	marks := make(map[string]int, len(wf.steps))
	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch marks[id] {
		case visiting:
			return stepError(id, "cycle detected: %s", formatCycle(append(path, id), id))
		case visited:
			return nil
		}
		marks[id] = visiting
		step := wf.steps[wf.index[id]]
		for _, succ := range step.Successors() {
			if err := visit(succ, append(path, id)); err != nil {
				return err
			}
		}
		marks[id] = visited
		return nil
	}
	for _, step := range wf.steps {
		if err := visit(step.ID, nil); err != nil {
			return err
		}
	}
	return nil
}

func formatCycle(path []string, start string) string {
	begin := 0
	for i, id := range path {
		if id == start {
			begin = i
			break
		}
	}
	return strings.Join(path[begin:], " -> ")
}
