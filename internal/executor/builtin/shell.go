package builtin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/ohler55/ojg/oj"

	"github.com/kingrea/stepflow/internal/executor"
)

const (
	envPrefix = "STEPFLOW_"
	waitDelay = 2 * time.Second
)

// Shell runs the step action with `sh -c`. Run variables are exported as
// STEPFLOW_<NAME> environment variables. When the last non-empty stdout line
// is a JSON object it becomes the scoring payload.
type Shell struct {
	shell string
	dir   string
	env   map[string]string
}

// NewShell builds a shell executor from spec.
func NewShell(spec Spec) *Shell {
	shell := spec.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Shell{shell: shell, dir: spec.Dir, env: spec.Env}
}

// Execute implements executor.Executor.
func (s *Shell) Execute(ctx context.Context, req executor.Request) (executor.Result, error) {
	cmd := exec.CommandContext(ctx, s.shell, "-c", req.Action)
	cmd.Dir = s.dir
	cmd.WaitDelay = waitDelay
	cmd.Env = append(os.Environ(), s.environment(req)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return executor.Result{}, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return executor.Result{
				Status:  executor.StatusFailure,
				Message: fmt.Sprintf("exit %d: %s", exitErr.ExitCode(), strings.TrimSpace(stderr.String())),
			}, nil
		}
		return executor.Result{}, fmt.Errorf("builtin: shell %s: %w", req.StepID, err)
	}
	out := strings.TrimSpace(stdout.String())
	return executor.Result{
		Status:  executor.StatusSuccess,
		Scoring: scoringFrom(out),
		Outputs: map[string]any{req.StepID + ".stdout": out},
		Message: lastLine(out),
	}, nil
}

func (s *Shell) environment(req executor.Request) []string {
	env := []string{
		envPrefix + "RUN_ID=" + req.RunID,
		envPrefix + "STEP_ID=" + req.StepID,
		envPrefix + "AGENT=" + req.Agent,
		fmt.Sprintf("%sCONTEXT_TIER=%d", envPrefix, req.ContextTier),
	}
	names := make([]string, 0, len(req.Artifacts))
	for _, a := range req.Artifacts {
		names = append(names, a.Name)
	}
	env = append(env, envPrefix+"ARTIFACTS="+strings.Join(names, ","))
	keys := make([]string, 0, len(req.Inputs))
	for key := range req.Inputs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, fmt.Sprintf("%sVAR_%s=%v", envPrefix, envName(key), req.Inputs[key]))
	}
	for key, value := range s.env {
		env = append(env, key+"="+value)
	}
	return env
}

func envName(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, key)
}

func lastLine(out string) string {
	if idx := strings.LastIndexByte(out, '\n'); idx >= 0 {
		return strings.TrimSpace(out[idx+1:])
	}
	return out
}

func scoringFrom(out string) map[string]any {
	line := lastLine(out)
	if !strings.HasPrefix(line, "{") {
		return nil
	}
	parsed, err := oj.ParseString(line)
	if err != nil {
		return nil
	}
	payload, ok := parsed.(map[string]any)
	if !ok {
		return nil
	}
	return payload
}
