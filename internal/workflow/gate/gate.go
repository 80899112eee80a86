// Package gate turns a step's condition, the run's variables and ledger, and
// an executor's scoring payload into a branch decision.
package gate

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"

	"github.com/kingrea/stepflow/internal/artifact"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/condition"
)

// KeyPrefix namespaces decisions inside the run variable map.
const KeyPrefix = "gate."

// Explanations shared with callers that route on them.
const (
	ExplainMissingPayload = "missing scoring data"
	ExplainGatesDisabled  = "quality gates disabled"
	ExplainNoCondition    = "no gate condition"
)

// State is the read-only slice of run state a gate may consult.
type State interface {
	Variables() map[string]any
	Ledger() *artifact.Ledger
}

// Decision records the outcome of a gate evaluation.
type Decision struct {
	Step        string `json:"step"`
	Condition   string `json:"condition,omitempty"`
	Passed      bool   `json:"passed"`
	Next        string `json:"next,omitempty"`
	Explanation string `json:"explanation"`
}

// Reserved reports whether a variable key is in the decision namespace.
func Reserved(key string) bool {
	return key == strings.TrimSuffix(KeyPrefix, ".") || strings.HasPrefix(key, KeyPrefix)
}

// Key returns the variable name a decision for stepID is stored under.
func Key(stepID string) string {
	return KeyPrefix + stepID
}

// Value renders the decision as a plain map suitable for the variable store
// and for JSON checkpoints.
func (d Decision) Value() map[string]any {
	return map[string]any{
		"step":        d.Step,
		"condition":   d.Condition,
		"passed":      d.Passed,
		"next":        d.Next,
		"explanation": d.Explanation,
	}
}

// FromValue decodes a decision previously stored with Value. It accepts the
// map shape produced by a JSON round trip.
func FromValue(value any) (Decision, bool) {
	switch v := value.(type) {
	case Decision:
		return v, true
	case *Decision:
		if v == nil {
			return Decision{}, false
		}
		return *v, true
	case map[string]any:
		passed, ok := v["passed"].(bool)
		if !ok {
			return Decision{}, false
		}
		d := Decision{Passed: passed}
		d.Step, _ = v["step"].(string)
		d.Condition, _ = v["condition"].(string)
		d.Next, _ = v["next"].(string)
		d.Explanation, _ = v["explanation"].(string)
		return d, true
	default:
		return Decision{}, false
	}
}

// Lookup returns the decision recorded for stepID.
func Lookup(variables map[string]any, stepID string) (Decision, bool) {
	raw, ok := variables[Key(stepID)]
	if !ok {
		return Decision{}, false
	}
	return FromValue(raw)
}

// Evaluator evaluates gates. It holds no run state and is safe to share.
type Evaluator struct {
	gatesEnabled bool
}

// NewEvaluator builds an evaluator honoring the workflow's quality gate flag.
func NewEvaluator(settings workflow.Settings) Evaluator {
	return Evaluator{gatesEnabled: settings.QualityGates}
}

// Evaluate decides which edge the step takes. Evaluation errors fail closed
// toward on_fail.
func (e Evaluator) Evaluate(step workflow.Step, state State, payload map[string]any) Decision {
	decision := Decision{Step: step.ID, Condition: step.Gate}
	expr := step.Condition()
	if !step.Gated() || expr == nil {
		decision.Passed = true
		decision.Next = step.Next
		decision.Explanation = ExplainNoCondition
		return decision
	}
	if !e.gatesEnabled {
		decision.Passed = true
		decision.Next = step.OnPass
		decision.Explanation = ExplainGatesDisabled
		return decision
	}
	env := newEnv(state, payload)
	passed, err := expr.Eval(env)
	switch {
	case errors.Is(err, condition.ErrNoPayload):
		decision.Next = step.OnFail
		decision.Explanation = ExplainMissingPayload
	case err != nil:
		decision.Next = step.OnFail
		decision.Explanation = strings.TrimPrefix(err.Error(), "condition: ")
	case passed:
		decision.Passed = true
		decision.Next = step.OnPass
		decision.Explanation = describe(expr, env, "passed")
	default:
		decision.Next = step.OnFail
		decision.Explanation = describe(expr, env, "failed")
	}
	return decision
}

func describe(expr *condition.Expr, env *env, verdict string) string {
	var parts []string
	seen := map[string]struct{}{}
	for _, ref := range expr.Refs() {
		label := ref.Path
		if ref.Scope == condition.ScopeVariable {
			label = "vars." + ref.Path
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		var value any
		if ref.Scope == condition.ScopeVariable {
			value, _ = env.Variable(ref.Path)
		} else {
			value, _ = env.Payload(ref.Path)
		}
		parts = append(parts, fmt.Sprintf("%s=%v", label, value))
	}
	sort.Strings(parts)
	if len(parts) == 0 {
		return fmt.Sprintf("%s %s", expr, verdict)
	}
	return fmt.Sprintf("%s %s (%s)", expr, verdict, strings.Join(parts, ", "))
}

type env struct {
	payload   map[string]any
	variables map[string]any
	ledger    *artifact.Ledger
}

func newEnv(state State, payload map[string]any) *env {
	e := &env{payload: payload}
	if state != nil {
		e.variables = state.Variables()
		e.ledger = state.Ledger()
	}
	return e
}

func (e *env) HasPayload() bool {
	return e.payload != nil
}

func (e *env) Payload(path string) (any, bool) {
	return lookup(e.payload, strings.Split(path, "."))
}

// Variable resolves dotted paths, preferring the longest literal key so that
// names such as "gate.review" stay addressable.
func (e *env) Variable(path string) (any, bool) {
	parts := strings.Split(path, ".")
	for i := len(parts); i > 0; i-- {
		value, ok := e.variables[strings.Join(parts[:i], ".")]
		if !ok {
			continue
		}
		if i == len(parts) {
			return value, true
		}
		return lookup(value, parts[i:])
	}
	return nil, false
}

func (e *env) HasArtifact(name string) bool {
	return e.ledger != nil && e.ledger.Has(name)
}

func lookup(data any, parts []string) (any, bool) {
	if data == nil || len(parts) == 0 {
		return nil, false
	}
	x := jp.R()
	for _, part := range parts {
		if idx, err := strconv.Atoi(part); err == nil {
			x = x.N(idx)
			continue
		}
		x = x.C(part)
	}
	results := x.Get(data)
	if len(results) == 0 {
		return nil, false
	}
	return results[0], true
}
