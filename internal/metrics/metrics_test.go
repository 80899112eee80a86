package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersTrackRecordedEvents(t *testing.T) {
	m := New()
	m.RecordDispatch("writer")
	m.RecordDispatch("writer")
	m.RecordOutcome("writer", OutcomeCompleted, 150*time.Millisecond)
	m.RecordOutcome("writer", OutcomeSkipped, 0)
	m.RecordGate(true)
	m.RecordGate(false)
	m.RecordGate(false)
	m.RecordCheckpoint(nil)
	m.RecordCheckpoint(errors.New("disk full"))
	m.RunStarted()
	m.RunFinished("completed")

	require.Equal(t, 2.0, testutil.ToFloat64(m.StepsDispatched.WithLabelValues("writer")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StepOutcomes.WithLabelValues(OutcomeCompleted)))
	require.Equal(t, 1.0, testutil.ToFloat64(m.StepOutcomes.WithLabelValues(OutcomeSkipped)))
	require.Equal(t, 2.0, testutil.ToFloat64(m.GateDecisions.WithLabelValues("false")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.CheckpointWrites.WithLabelValues("error")))
	require.Equal(t, 0.0, testutil.ToFloat64(m.RunsActive))
	require.Equal(t, 1.0, testutil.ToFloat64(m.RunsFinished.WithLabelValues("completed")))
	require.Equal(t, 1, testutil.CollectAndCount(m.StepDuration))
}

func TestGathererExposesNames(t *testing.T) {
	m := New()
	m.RecordDispatch("reviewer")
	expected := `
# HELP stepflow_steps_dispatched_total Total number of steps handed to an executor
# TYPE stepflow_steps_dispatched_total counter
stepflow_steps_dispatched_total{agent="reviewer"} 1
`
	require.NoError(t, testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(expected), "stepflow_steps_dispatched_total"))
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordDispatch("x")
	m.RecordOutcome("x", OutcomeFailed, time.Second)
	m.RecordGate(true)
	m.RecordCheckpoint(nil)
	m.RunStarted()
	m.RunFinished("failed")
	require.Nil(t, m.Gatherer())
}
