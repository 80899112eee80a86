package gate

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/stepflow/internal/artifact"
	"github.com/kingrea/stepflow/internal/workflow"
)

type stubState struct {
	vars   map[string]any
	ledger *artifact.Ledger
}

func (s stubState) Variables() map[string]any { return s.vars }
func (s stubState) Ledger() *artifact.Ledger  { return s.ledger }

func loadStep(t *testing.T, gatesEnabled bool, gate string) (Evaluator, workflow.Step) {
	t.Helper()
	enabled := "true"
	if !gatesEnabled {
		enabled = "false"
	}
	wf, err := workflow.Parse([]byte(`
id: gated
settings:
  quality_gates: ` + enabled + `
steps:
  - id: review
    agent: reviewer
    action: review
    creates: [report]
    gate: '` + gate + `'
    on_pass: publish
    on_fail: revise
  - {id: publish, agent: noop, action: publish}
  - {id: revise, agent: noop, action: revise}
`))
	require.NoError(t, err)
	step, ok := wf.Step("review")
	require.True(t, ok)
	return NewEvaluator(wf.Settings()), step
}

func TestThresholdRoutesToBranches(t *testing.T) {
	eval, step := loadStep(t, true, "score >= 70")
	state := stubState{ledger: artifact.NewLedger()}

	pass := eval.Evaluate(step, state, map[string]any{"score": 82})
	require.True(t, pass.Passed)
	require.Equal(t, "publish", pass.Next)
	require.Equal(t, "score >= 70 passed (score=82)", pass.Explanation)

	fail := eval.Evaluate(step, state, map[string]any{"score": 65})
	require.False(t, fail.Passed)
	require.Equal(t, "revise", fail.Next)
	require.Contains(t, fail.Explanation, "score=65")
}

func TestMissingPayloadFailsClosed(t *testing.T) {
	eval, step := loadStep(t, true, "score >= 70")
	decision := eval.Evaluate(step, stubState{}, nil)
	require.False(t, decision.Passed)
	require.Equal(t, "revise", decision.Next)
	require.Equal(t, ExplainMissingPayload, decision.Explanation)
}

func TestMissingFieldFailsClosedNamingField(t *testing.T) {
	eval, step := loadStep(t, true, "review.score >= 70")
	decision := eval.Evaluate(step, stubState{}, map[string]any{"review": map[string]any{}})
	require.False(t, decision.Passed)
	require.Equal(t, "revise", decision.Next)
	require.Contains(t, decision.Explanation, "review.score")
}

func TestVariablesAndArtifacts(t *testing.T) {
	eval, step := loadStep(t, true, `vars.mode == "fast" && has("report")`)
	ledger := artifact.NewLedger()
	state := stubState{vars: map[string]any{"mode": "fast"}, ledger: ledger}

	decision := eval.Evaluate(step, state, nil)
	require.False(t, decision.Passed, "report not yet recorded")

	ledger.Record("report", "review", nil)
	decision = eval.Evaluate(step, state, nil)
	require.True(t, decision.Passed, decision.Explanation)
	require.Equal(t, "publish", decision.Next)
}

func TestVariablesResolveDottedKeys(t *testing.T) {
	eval, step := loadStep(t, true, "vars.gate.lint.passed == true")
	state := stubState{vars: map[string]any{
		Key("lint"): Decision{Step: "lint", Passed: true}.Value(),
	}}
	decision := eval.Evaluate(step, state, nil)
	require.True(t, decision.Passed, decision.Explanation)
}

func TestTypeMismatchFailsClosed(t *testing.T) {
	eval, step := loadStep(t, true, "score >= 70")
	decision := eval.Evaluate(step, stubState{}, map[string]any{"score": "high"})
	require.False(t, decision.Passed)
	require.Equal(t, "revise", decision.Next)
}

func TestQualityGatesDisabled(t *testing.T) {
	eval, step := loadStep(t, false, "score >= 70")
	decision := eval.Evaluate(step, stubState{}, nil)
	require.True(t, decision.Passed)
	require.Equal(t, "publish", decision.Next)
	require.Equal(t, ExplainGatesDisabled, decision.Explanation)
}

func TestUngatedStepPassesAlongNext(t *testing.T) {
	wf, err := workflow.Parse([]byte(`
id: plain
steps:
  - {id: a, agent: noop, action: go, next: b}
  - {id: b, agent: noop, action: go}
`))
	require.NoError(t, err)
	step, _ := wf.Step("a")
	decision := NewEvaluator(wf.Settings()).Evaluate(step, stubState{}, nil)
	require.True(t, decision.Passed)
	require.Equal(t, "b", decision.Next)
	require.Equal(t, ExplainNoCondition, decision.Explanation)
}

func TestDecisionSurvivesJSONRoundTrip(t *testing.T) {
	original := Decision{Step: "review", Condition: "score >= 70", Passed: false, Next: "revise", Explanation: "x"}
	raw, err := json.Marshal(map[string]any{Key("review"): original.Value()})
	require.NoError(t, err)
	var vars map[string]any
	require.NoError(t, json.Unmarshal(raw, &vars))
	decoded, ok := Lookup(vars, "review")
	require.True(t, ok)
	require.Equal(t, original, decoded)
	_, ok = Lookup(vars, "other")
	require.False(t, ok)
}
