package workflow

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Document is the on-disk shape of a workflow definition.
type Document struct {
	ID          string            `json:"id" yaml:"id"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Version     string            `json:"version,omitempty" yaml:"version,omitempty"`
	Type        string            `json:"type,omitempty" yaml:"type,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Settings    SettingsDocument  `json:"settings,omitempty" yaml:"settings,omitempty"`
	Steps       []StepDocument    `json:"steps" yaml:"steps"`
	Metadata    map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// SettingsDocument holds the settings map. QualityGates defaults to true when
// omitted.
type SettingsDocument struct {
	QualityGates   *bool    `json:"quality_gates,omitempty" yaml:"quality_gates,omitempty"`
	MaxConcurrency int      `json:"max_concurrency,omitempty" yaml:"max_concurrency,omitempty"`
	StepTimeout    Duration `json:"step_timeout,omitempty" yaml:"step_timeout,omitempty"`
}

// StepDocument declares a single step.
type StepDocument struct {
	ID          string   `json:"id" yaml:"id"`
	Agent       string   `json:"agent" yaml:"agent"`
	Action      string   `json:"action" yaml:"action"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Requires    []string `json:"requires,omitempty" yaml:"requires,omitempty"`
	Creates     []string `json:"creates,omitempty" yaml:"creates,omitempty"`
	Optional    bool     `json:"optional,omitempty" yaml:"optional,omitempty"`
	Timeout     Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Gate        string   `json:"gate,omitempty" yaml:"gate,omitempty"`
	Next        string   `json:"next,omitempty" yaml:"next,omitempty"`
	OnPass      string   `json:"on_pass,omitempty" yaml:"on_pass,omitempty"`
	OnFail      string   `json:"on_fail,omitempty" yaml:"on_fail,omitempty"`
	ContextTier int      `json:"context_tier,omitempty" yaml:"context_tier,omitempty"`
}

// Duration accepts Go duration strings ("90s", "2m") or integer seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %s", nodeKind(value))
	}
	parsed, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go notation.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return parsed, nil
}

func nodeKind(n *yaml.Node) string {
	switch n.Kind {
	case yaml.MappingNode:
		return "mapping"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	default:
		return "node"
	}
}

// FromDocument validates a decoded document and builds the Workflow. It never
// returns a partially constructed workflow.
func FromDocument(doc Document) (*Workflow, error) {
	if err := validateHeader(doc); err != nil {
		return nil, err
	}
	kind, err := resolveKind(doc)
	if err != nil {
		return nil, err
	}
	settings, err := buildSettings(doc.Settings)
	if err != nil {
		return nil, err
	}
	steps := make([]Step, 0, len(doc.Steps))
	seen := make(map[string]struct{}, len(doc.Steps))
	for idx, raw := range doc.Steps {
		step, err := buildStep(idx, raw, kind)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[step.ID]; dup {
			return nil, stepError(step.ID, "duplicate step id")
		}
		seen[step.ID] = struct{}{}
		steps = append(steps, step)
	}
	wf := &Workflow{
		id:          strings.TrimSpace(doc.ID),
		name:        strings.TrimSpace(doc.Name),
		version:     strings.TrimSpace(doc.Version),
		description: strings.TrimSpace(doc.Description),
		kind:        kind,
		settings:    settings,
		steps:       steps,
		metadata:    cloneStringMap(doc.Metadata),
	}
	if wf.name == "" {
		wf.name = wf.id
	}
	wf.buildGraph()
	if err := validateReferences(wf); err != nil {
		return nil, err
	}
	if err := detectCycles(wf); err != nil {
		return nil, err
	}
	return wf, nil
}

func resolveKind(doc Document) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(doc.Type))) {
	case KindLinear:
		return KindLinear, nil
	case KindBranching:
		return KindBranching, nil
	case "":
		for _, step := range doc.Steps {
			if strings.TrimSpace(step.Gate) != "" {
				return KindBranching, nil
			}
		}
		return KindLinear, nil
	default:
		return "", definitionError("unknown workflow type %q", doc.Type)
	}
}

func buildSettings(doc SettingsDocument) (Settings, error) {
	settings := Settings{
		QualityGates:   true,
		MaxConcurrency: doc.MaxConcurrency,
		StepTimeout:    time.Duration(doc.StepTimeout),
	}
	if doc.QualityGates != nil {
		settings.QualityGates = *doc.QualityGates
	}
	if settings.MaxConcurrency < 0 {
		return Settings{}, definitionError("settings.max_concurrency must be >= 0")
	}
	if settings.StepTimeout < 0 {
		return Settings{}, definitionError("settings.step_timeout must be >= 0")
	}
	return settings, nil
}

func buildStep(idx int, raw StepDocument, kind Kind) (Step, error) {
	step := Step{
		ID:          strings.TrimSpace(raw.ID),
		Agent:       strings.TrimSpace(raw.Agent),
		Action:      strings.TrimSpace(raw.Action),
		Description: strings.TrimSpace(raw.Description),
		Requires:    trimList(raw.Requires),
		Creates:     trimList(raw.Creates),
		Optional:    raw.Optional,
		Timeout:     time.Duration(raw.Timeout),
		Gate:        strings.TrimSpace(raw.Gate),
		Next:        strings.TrimSpace(raw.Next),
		OnPass:      strings.TrimSpace(raw.OnPass),
		OnFail:      strings.TrimSpace(raw.OnFail),
		ContextTier: raw.ContextTier,
	}
	if err := validateStep(idx, &step, kind); err != nil {
		return Step{}, err
	}
	return step, nil
}

func trimList(values []string) []string {
	var out []string
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
