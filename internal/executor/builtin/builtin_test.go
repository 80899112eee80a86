package builtin

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/stepflow/internal/executor"
)

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestNoopEchoesAction(t *testing.T) {
	res, err := Noop{}.Execute(context.Background(), executor.Request{StepID: "a", Action: "draft"})
	require.NoError(t, err)
	require.Equal(t, executor.StatusSuccess, res.Status)
	require.Equal(t, "draft", res.Message)
}

func TestNewRejectsUnknownKind(t *testing.T) {
	_, err := New(Spec{Kind: "teleport"})
	require.Error(t, err)
	wrapped, err := New(Spec{Kind: KindNoop, NonIdempotent: true})
	require.NoError(t, err)
	require.False(t, executor.IsIdempotent(wrapped))
}

func TestRegisterAll(t *testing.T) {
	reg := executor.NewRegistry()
	require.NoError(t, RegisterAll(reg, map[string]Spec{
		"writer": {Kind: KindNoop},
		"tester": {Kind: KindShell},
	}))
	require.Equal(t, []string{"tester", "writer"}, reg.Tags())
}

func TestShellParsesScoringPayload(t *testing.T) {
	requireShell(t)
	sh := NewShell(Spec{Shell: "sh"})
	res, err := sh.Execute(context.Background(), executor.Request{
		StepID: "review",
		Action: `echo "reviewing $STEPFLOW_VAR_TARGET"; echo '{"score": 82, "verdict": "approve"}'`,
		Inputs: map[string]any{"target": "main"},
	})
	require.NoError(t, err)
	require.Equal(t, executor.StatusSuccess, res.Status)
	require.EqualValues(t, 82, res.Scoring["score"])
	require.Equal(t, "approve", res.Scoring["verdict"])
	require.Contains(t, res.Outputs["review.stdout"], "reviewing main")
}

func TestShellReportsNonZeroExitAsFailure(t *testing.T) {
	requireShell(t)
	res, err := NewShell(Spec{Shell: "sh"}).Execute(context.Background(), executor.Request{StepID: "x", Action: "echo broken >&2; exit 3"})
	require.NoError(t, err)
	require.Equal(t, executor.StatusFailure, res.Status)
	require.Contains(t, res.Message, "exit 3")
	require.Contains(t, res.Message, "broken")
	require.Nil(t, res.Scoring)
}

func TestShellHonorsContextCancellation(t *testing.T) {
	requireShell(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewShell(Spec{Shell: "sh"}).Execute(ctx, executor.Request{StepID: "slow", Action: "sleep 5"})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
