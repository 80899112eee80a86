package workflow

import (
	"time"

	"github.com/kingrea/stepflow/internal/workflow/condition"
)

// Kind distinguishes straight-line workflows from ones that branch on gates.
type Kind string

const (
	KindLinear    Kind = "linear"
	KindBranching Kind = "branching"
)

// Settings carries workflow-wide execution defaults. Zero values defer to
// the engine.
type Settings struct {
	QualityGates   bool
	MaxConcurrency int
	StepTimeout    time.Duration
}

// Step is one unit of work bound to an executor capability.
type Step struct {
	ID          string
	Agent       string
	Action      string
	Description string
	Requires    []string
	Creates     []string
	Optional    bool
	Timeout     time.Duration
	Gate        string
	Next        string
	OnPass      string
	OnFail      string
	ContextTier int

	condition *condition.Expr
}

// Gated reports whether the step branches on a condition.
func (s Step) Gated() bool {
	return s.Gate != ""
}

// Condition returns the compiled gate expression, or nil for ungated steps.
func (s Step) Condition() *condition.Expr {
	return s.condition
}

// Successors lists the outgoing edges in next, on_pass, on_fail order.
func (s Step) Successors() []string {
	var out []string
	for _, id := range []string{s.Next, s.OnPass, s.OnFail} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (s Step) clone() Step {
	s.Requires = cloneStringSlice(s.Requires)
	s.Creates = cloneStringSlice(s.Creates)
	return s
}

// Workflow is a validated, immutable workflow graph. Construct it with
// Parse, LoadFile or FromDocument.
type Workflow struct {
	id          string
	name        string
	version     string
	description string
	kind        Kind
	settings    Settings
	steps       []Step
	metadata    map[string]string
	source      string

	index     map[string]int
	preds     map[string][]string
	roots     []string
	producers map[string][]string
}

func (w *Workflow) ID() string          { return w.id }
func (w *Workflow) Name() string        { return w.name }
func (w *Workflow) Version() string     { return w.version }
func (w *Workflow) Description() string { return w.description }
func (w *Workflow) Kind() Kind          { return w.kind }
func (w *Workflow) Settings() Settings  { return w.settings }

// Source is the absolute path the definition was loaded from, or empty when
// it was parsed from memory.
func (w *Workflow) Source() string { return w.source }

// Len returns the number of steps.
func (w *Workflow) Len() int { return len(w.steps) }

// Steps returns copies of the steps in declaration order.
func (w *Workflow) Steps() []Step {
	out := make([]Step, len(w.steps))
	for i, step := range w.steps {
		out[i] = step.clone()
	}
	return out
}

// StepIDs returns step ids in declaration order.
func (w *Workflow) StepIDs() []string {
	ids := make([]string, len(w.steps))
	for i, step := range w.steps {
		ids[i] = step.ID
	}
	return ids
}

// Step looks up a step by id.
func (w *Workflow) Step(id string) (Step, bool) {
	idx, ok := w.index[id]
	if !ok {
		return Step{}, false
	}
	return w.steps[idx].clone(), true
}

// Index returns the declaration position of a step, or -1.
func (w *Workflow) Index(id string) int {
	idx, ok := w.index[id]
	if !ok {
		return -1
	}
	return idx
}

// Predecessors lists steps with an edge into id, in declaration order.
func (w *Workflow) Predecessors(id string) []string {
	return cloneStringSlice(w.preds[id])
}

// Roots lists steps with no incoming edges, in declaration order.
func (w *Workflow) Roots() []string {
	return cloneStringSlice(w.roots)
}

// IsRoot reports whether nothing routes into the step.
func (w *Workflow) IsRoot(id string) bool {
	_, known := w.index[id]
	return known && len(w.preds[id]) == 0
}

// Producers lists the steps declaring artifact in creates.
func (w *Workflow) Producers(artifact string) []string {
	return cloneStringSlice(w.producers[artifact])
}

// Artifacts lists every declared artifact name in first-producer order.
func (w *Workflow) Artifacts() []string {
	seen := map[string]struct{}{}
	var out []string
	for _, step := range w.steps {
		for _, name := range step.Creates {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			out = append(out, name)
		}
	}
	return out
}

// Metadata returns a copy of the free-form metadata map.
func (w *Workflow) Metadata() map[string]string {
	return cloneStringMap(w.metadata)
}

func (w *Workflow) buildGraph() {
	w.index = make(map[string]int, len(w.steps))
	w.preds = map[string][]string{}
	w.producers = map[string][]string{}
	for i, step := range w.steps {
		w.index[step.ID] = i
	}
	for _, step := range w.steps {
		for _, succ := range step.Successors() {
			if !containsString(w.preds[succ], step.ID) {
				w.preds[succ] = append(w.preds[succ], step.ID)
			}
		}
		for _, name := range step.Creates {
			w.producers[name] = append(w.producers[name], step.ID)
		}
	}
	w.roots = nil
	for _, step := range w.steps {
		if len(w.preds[step.ID]) == 0 {
			w.roots = append(w.roots, step.ID)
		}
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func cloneStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	clone := make([]string, len(values))
	copy(clone, values)
	return clone
}

func cloneStringMap(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]string, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
