// Package builtin provides executors shipped with stepflow: noop for dry
// runs and shell for running step actions as commands.
package builtin

import (
	"fmt"
	"sort"

	"github.com/kingrea/stepflow/internal/executor"
)

// Kinds accepted by New.
const (
	KindNoop  = "noop"
	KindShell = "shell"
)

// Spec configures a builtin executor.
type Spec struct {
	Kind string `koanf:"kind" yaml:"kind"`
	// Shell overrides /bin/sh for the shell kind.
	Shell string `koanf:"shell" yaml:"shell"`
	// Dir is the working directory for the shell kind.
	Dir string `koanf:"dir" yaml:"dir"`
	// Env adds KEY=VALUE pairs to the shell environment.
	Env map[string]string `koanf:"env" yaml:"env"`
	// NonIdempotent refuses re-dispatch after a crash.
	NonIdempotent bool `koanf:"non_idempotent" yaml:"non_idempotent"`
}

// New constructs the builtin executor named by spec.Kind.
func New(spec Spec) (executor.Executor, error) {
	var exec executor.Executor
	switch spec.Kind {
	case KindNoop:
		exec = Noop{}
	case KindShell:
		exec = NewShell(spec)
	default:
		return nil, fmt.Errorf("builtin: unknown executor kind %q", spec.Kind)
	}
	if spec.NonIdempotent {
		exec = executor.NonIdempotent(exec)
	}
	return exec, nil
}

// RegisterAll builds and registers one executor per capability tag.
func RegisterAll(reg *executor.Registry, specs map[string]Spec) error {
	tags := make([]string, 0, len(specs))
	for tag := range specs {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		exec, err := New(specs[tag])
		if err != nil {
			return fmt.Errorf("builtin: %s: %w", tag, err)
		}
		if err := reg.Register(tag, exec); err != nil {
			return err
		}
	}
	return nil
}
