package resolver

import (
	"fmt"

	"github.com/kingrea/stepflow/internal/workflow"
)

// Node captures one step plus its dependency metadata.
type Node struct {
	ID           string
	Agent        string
	Gated        bool
	Optional     bool
	Dependencies []string
	Dependents   []string
	Wave         int
}

// Resolver indexes a workflow's dependency graph. A step depends on every
// step routing into it and on every producer of an artifact it requires.
type Resolver struct {
	wf         *workflow.Workflow
	nodes      map[string]*Node
	orderedIDs []string
}

// New builds the graph for wf.
func New(wf *workflow.Workflow) (*Resolver, error) {
	if wf == nil {
		return nil, fmt.Errorf("resolver: workflow is required")
	}
	steps := wf.Steps()
	r := &Resolver{
		wf:         wf,
		nodes:      make(map[string]*Node, len(steps)),
		orderedIDs: make([]string, 0, len(steps)),
	}
	for _, step := range steps {
		r.nodes[step.ID] = &Node{ID: step.ID, Agent: step.Agent, Gated: step.Gated(), Optional: step.Optional}
		r.orderedIDs = append(r.orderedIDs, step.ID)
	}
	for _, step := range steps {
		node := r.nodes[step.ID]
		seen := map[string]bool{}
		add := func(dep string) {
			if dep == step.ID || seen[dep] {
				return
			}
			seen[dep] = true
			node.Dependencies = append(node.Dependencies, dep)
			r.nodes[dep].Dependents = append(r.nodes[dep].Dependents, step.ID)
		}
		for _, pred := range wf.Predecessors(step.ID) {
			add(pred)
		}
		for _, name := range step.Requires {
			for _, producer := range wf.Producers(name) {
				add(producer)
			}
		}
	}
	if err := r.assignWaves(); err != nil {
		return nil, err
	}
	return r, nil
}

// assignWaves places each step one wave after its deepest dependency.
func (r *Resolver) assignWaves() error {
	state := make(map[string]int, len(r.nodes))
	var visit func(id string) (int, error)
	visit = func(id string) (int, error) {
		switch state[id] {
		case 1:
			return 0, fmt.Errorf("resolver: dependency cycle through %s", id)
		case 2:
			return r.nodes[id].Wave, nil
		}
		state[id] = 1
		wave := 0
		for _, dep := range r.nodes[id].Dependencies {
			w, err := visit(dep)
			if err != nil {
				return 0, err
			}
			if w+1 > wave {
				wave = w + 1
			}
		}
		state[id] = 2
		r.nodes[id].Wave = wave
		return wave, nil
	}
	for _, id := range r.orderedIDs {
		if _, err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Workflow returns the resolved definition.
func (r *Resolver) Workflow() *workflow.Workflow {
	return r.wf
}

// Nodes returns the nodes in declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		out = append(out, r.nodes[id])
	}
	return out
}

// Node returns the node for id.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Waves groups step ids by wave, each group in declaration order. Gate
// routing is not evaluated, so both branches of a gate appear.
func (r *Resolver) Waves() [][]string {
	var waves [][]string
	for _, id := range r.orderedIDs {
		w := r.nodes[id].Wave
		for len(waves) <= w {
			waves = append(waves, nil)
		}
		waves[w] = append(waves[w], id)
	}
	return waves
}

// Queue returns the steps needed to reach targets, dependencies first.
// Steps for which done reports true are left out. No targets means every
// step.
func (r *Resolver) Queue(done func(id string) bool, targets ...string) ([]*Node, error) {
	if len(targets) == 0 {
		targets = append([]string{}, r.orderedIDs...)
	}
	visited := make(map[string]bool, len(targets))
	ordered := make([]*Node, 0, len(r.nodes))
	var visit func(string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		node, ok := r.nodes[id]
		if !ok {
			return fmt.Errorf("resolver: unknown step %s", id)
		}
		visited[id] = true
		for _, dep := range node.Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		if done == nil || !done(id) {
			ordered = append(ordered, node)
		}
		return nil
	}
	for _, id := range targets {
		if err := visit(id); err != nil {
			return nil, err
		}
	}
	return ordered, nil
}
