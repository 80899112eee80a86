package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadFileBuildsGraph(t *testing.T) {
	wf, err := LoadFile(filepath.Join("testdata", "review.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if wf.ID() != "review-loop" || wf.Version() != "1.2" || wf.Kind() != KindBranching {
		t.Fatalf("unexpected header: id=%s version=%s kind=%s", wf.ID(), wf.Version(), wf.Kind())
	}
	settings := wf.Settings()
	if !settings.QualityGates || settings.MaxConcurrency != 2 || settings.StepTimeout != 90*time.Second {
		t.Fatalf("unexpected settings: %+v", settings)
	}
	if got := wf.Roots(); len(got) != 1 || got[0] != "draft" {
		t.Fatalf("roots = %v, want [draft]", got)
	}
	if got := wf.Predecessors("revise"); len(got) != 1 || got[0] != "review" {
		t.Fatalf("revise predecessors = %v", got)
	}
	publish, ok := wf.Step("publish")
	if !ok || publish.Timeout != 30*time.Second {
		t.Fatalf("publish timeout should parse integer seconds, got %+v", publish)
	}
	review, _ := wf.Step("review")
	if !review.Gated() || review.Condition() == nil {
		t.Fatalf("review should carry a compiled gate")
	}
	if succ := review.Successors(); strings.Join(succ, ",") != "publish,revise" {
		t.Fatalf("review successors = %v", succ)
	}
	if revise, _ := wf.Step("revise"); !revise.Optional || revise.ContextTier != 2 {
		t.Fatalf("revise flags not carried: %+v", revise)
	}
	if producers := wf.Producers("review_report"); len(producers) != 1 || producers[0] != "review" {
		t.Fatalf("producers = %v", producers)
	}
}

func TestWorkflowAccessorsReturnCopies(t *testing.T) {
	wf, err := LoadFile(filepath.Join("testdata", "review.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	steps := wf.Steps()
	steps[1].Requires[0] = "mutated"
	if again, _ := wf.Step("review"); again.Requires[0] != "draft_doc" {
		t.Fatalf("mutating a returned step leaked into the workflow")
	}
	roots := wf.Roots()
	roots[0] = "mutated"
	if wf.Roots()[0] != "draft" {
		t.Fatalf("mutating roots leaked into the workflow")
	}
}

func TestParseDefaultsKind(t *testing.T) {
	linear, err := Parse([]byte(`
id: plain
steps:
  - {id: a, agent: noop, action: one, creates: [x]}
  - {id: b, agent: noop, action: two, requires: [x]}
`))
	if err != nil {
		t.Fatalf("parse linear: %v", err)
	}
	if linear.Kind() != KindLinear || !linear.Settings().QualityGates {
		t.Fatalf("expected linear kind with gates enabled by default")
	}
	if linear.Name() != "plain" {
		t.Fatalf("name should default to id, got %q", linear.Name())
	}
	branching, err := Parse([]byte(`
id: gated
steps:
  - {id: a, agent: noop, action: one, gate: "ok == true", on_pass: b}
  - {id: b, agent: noop, action: two}
`))
	if err != nil {
		t.Fatalf("parse branching: %v", err)
	}
	if branching.Kind() != KindBranching {
		t.Fatalf("gate should imply branching kind")
	}
}

func TestParseAcceptsJSON(t *testing.T) {
	wf, err := Parse([]byte(`{"id":"json","steps":[{"id":"a","agent":"noop","action":"go","timeout":"2m"}]}`))
	if err != nil {
		t.Fatalf("parse json: %v", err)
	}
	step, _ := wf.Step("a")
	if step.Timeout != 2*time.Minute {
		t.Fatalf("timeout = %s", step.Timeout)
	}
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	cases := []struct {
		name    string
		payload string
		step    string
		reason  string
	}{
		{"empty", "", "", "payload is empty"},
		{"missing id", "steps: [{id: a, agent: x, action: y}]", "", "id is required"},
		{"no steps", "id: w\nsteps: []", "", "at least one step"},
		{"missing agent", "id: w\nsteps: [{id: a, action: y}]", "a", "agent is required"},
		{"missing action", "id: w\nsteps: [{id: a, agent: x}]", "a", "action is required"},
		{"duplicate", "id: w\nsteps: [{id: a, agent: x, action: y}, {id: a, agent: x, action: z}]", "a", "duplicate step id"},
		{"unknown next", "id: w\nsteps: [{id: a, agent: x, action: y, next: nope}]", "a", "unknown step nope"},
		{"unknown artifact", "id: w\nsteps: [{id: a, agent: x, action: y, requires: [ghost]}]", "a", "no step creates"},
		{"self dependency", "id: w\nsteps: [{id: a, agent: x, action: y, requires: [x], creates: [x]}]", "a", "only it creates"},
		{"next with gate", "id: w\nsteps: [{id: a, agent: x, action: y, gate: 'ok', on_pass: b, next: b}, {id: b, agent: x, action: y}]", "a", "next cannot be combined"},
		{"on_pass without gate", "id: w\nsteps: [{id: a, agent: x, action: y, on_pass: b}, {id: b, agent: x, action: y}]", "a", "require a gate"},
		{"gate without on_pass", "id: w\nsteps: [{id: a, agent: x, action: y, gate: 'ok', on_fail: b}, {id: b, agent: x, action: y}]", "a", "gate requires on_pass"},
		{"bad gate", "id: w\nsteps: [{id: a, agent: x, action: y, gate: 'score >', on_pass: b}, {id: b, agent: x, action: y}]", "a", "gate:"},
		{"linear gate", "id: w\ntype: linear\nsteps: [{id: a, agent: x, action: y, gate: 'ok', on_pass: b}, {id: b, agent: x, action: y}]", "a", "linear workflows"},
		{"negative timeout", "id: w\nsteps: [{id: a, agent: x, action: y, timeout: -5s}]", "a", "timeout must be >= 0"},
		{"bad duration", "id: w\nsteps: [{id: a, agent: x, action: y, timeout: soon}]", "", "invalid duration"},
		{"unknown type", "id: w\ntype: dag\nsteps: [{id: a, agent: x, action: y}]", "", "unknown workflow type"},
		{"unknown field", "id: w\nsteps: [{id: a, agent: x, action: y, depends_on: [b]}]", "", "decode definition"},
		{"cycle", "id: w\nsteps: [{id: a, agent: x, action: y, next: b}, {id: b, agent: x, action: y, next: a}]", "a", "cycle detected: a -> b -> a"},
		{"gate artifact", "id: w\nsteps: [{id: a, agent: x, action: y, gate: 'has(\"ghost\")', on_pass: b}, {id: b, agent: x, action: y}]", "a", "gate checks artifact ghost"},
	}
	for _, tc := range cases {
		_, err := Parse([]byte(tc.payload))
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if !errors.Is(err, ErrDefinition) {
			t.Fatalf("%s: error should match ErrDefinition: %v", tc.name, err)
		}
		var loadErr *LoadError
		if !errors.As(err, &loadErr) {
			t.Fatalf("%s: expected *LoadError, got %T", tc.name, err)
		}
		if loadErr.Step != tc.step {
			t.Fatalf("%s: step = %q, want %q", tc.name, loadErr.Step, tc.step)
		}
		if !strings.Contains(err.Error(), tc.reason) {
			t.Fatalf("%s: error %q does not mention %q", tc.name, err, tc.reason)
		}
	}
}

func TestLoadDirBuildsCatalog(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
	write("one.yaml", "id: one\nsteps: [{id: a, agent: noop, action: go}]\n")
	write("two.json", `{"id":"two","steps":[{"id":"a","agent":"noop","action":"go"}]}`)
	write("README.md", "ignored")
	catalog, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load dir: %v", err)
	}
	if ids := catalog.IDs(); strings.Join(ids, ",") != "one,two" {
		t.Fatalf("catalog ids = %v", ids)
	}
	if _, ok := catalog.Get("two"); !ok {
		t.Fatalf("expected two in catalog")
	}
	write("dup.yml", "id: one\nsteps: [{id: b, agent: noop, action: go}]\n")
	if _, err := LoadDir(dir); err == nil || !strings.Contains(err.Error(), "duplicate workflow id one") {
		t.Fatalf("expected duplicate id error, got %v", err)
	}
}

func TestLoadFileRecordsAbsoluteSource(t *testing.T) {
	wf, err := LoadFile(filepath.Join("testdata", "review.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !filepath.IsAbs(wf.Source()) || filepath.Base(wf.Source()) != "review.yaml" {
		t.Fatalf("source = %q, want absolute path to review.yaml", wf.Source())
	}
	parsed, err := Parse([]byte("id: mem\nsteps:\n  - {id: a, agent: noop, action: x}\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.Source() != "" {
		t.Fatalf("parsed definitions have no source, got %q", parsed.Source())
	}
}
