// Package metrics exposes Prometheus instrumentation for workflow runs.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Step outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeSkipped   = "skipped"
	OutcomeTimeout   = "timeout"
)

// Metrics holds the collectors registered for one engine.
//
// Metrics:
//   - stepflow_steps_dispatched_total{agent}
//   - stepflow_step_outcomes_total{outcome}
//   - stepflow_step_duration_seconds{agent}
//   - stepflow_runs_finished_total{status}
//   - stepflow_runs_active
//   - stepflow_checkpoint_writes_total{result}
//   - stepflow_gate_decisions_total{passed}
type Metrics struct {
	StepsDispatched  *prometheus.CounterVec
	StepOutcomes     *prometheus.CounterVec
	StepDuration     *prometheus.HistogramVec
	RunsFinished     *prometheus.CounterVec
	RunsActive       prometheus.Gauge
	CheckpointWrites *prometheus.CounterVec
	GateDecisions    *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	return NewWithRegistry(reg, reg)
}

// NewWithRegistry registers the collectors on reg. gatherer may be nil when
// the caller serves metrics elsewhere.
func NewWithRegistry(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		StepsDispatched: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_steps_dispatched_total",
				Help: "Total number of steps handed to an executor",
			},
			[]string{"agent"},
		),
		StepOutcomes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_step_outcomes_total",
				Help: "Total number of resolved steps by outcome",
			},
			[]string{"outcome"}, // completed, failed, skipped, timeout
		),
		StepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "stepflow_step_duration_seconds",
				Help:    "Duration of executor invocations in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 14), // 10ms to ~80s
			},
			[]string{"agent"},
		),
		RunsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_runs_finished_total",
				Help: "Total number of runs that reached a terminal or paused status",
			},
			[]string{"status"},
		),
		RunsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "stepflow_runs_active",
				Help: "Number of runs currently driven by the engine",
			},
		),
		CheckpointWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_checkpoint_writes_total",
				Help: "Total number of checkpoint writes by result",
			},
			[]string{"result"}, // ok, error
		),
		GateDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stepflow_gate_decisions_total",
				Help: "Total number of quality gate decisions",
			},
			[]string{"passed"},
		),
		gatherer: gatherer,
	}
}

// Gatherer returns the registry backing these metrics, if any.
func (m *Metrics) Gatherer() prometheus.Gatherer {
	if m == nil {
		return nil
	}
	return m.gatherer
}

// RecordDispatch counts a dispatched step.
func (m *Metrics) RecordDispatch(agent string) {
	if m == nil {
		return
	}
	m.StepsDispatched.WithLabelValues(agent).Inc()
}

// RecordOutcome counts a resolved step and, when elapsed is positive,
// observes its executor duration.
func (m *Metrics) RecordOutcome(agent, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StepOutcomes.WithLabelValues(outcome).Inc()
	if elapsed > 0 {
		m.StepDuration.WithLabelValues(agent).Observe(elapsed.Seconds())
	}
}

// RunStarted marks a run as active.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunsActive.Inc()
}

// RunFinished records the status a run loop exited with.
func (m *Metrics) RunFinished(status string) {
	if m == nil {
		return
	}
	m.RunsActive.Dec()
	m.RunsFinished.WithLabelValues(status).Inc()
}

// RecordCheckpoint counts a checkpoint write attempt.
func (m *Metrics) RecordCheckpoint(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.CheckpointWrites.WithLabelValues(result).Inc()
}

// RecordGate counts a gate decision.
func (m *Metrics) RecordGate(passed bool) {
	if m == nil {
		return
	}
	m.GateDecisions.WithLabelValues(strconv.FormatBool(passed)).Inc()
}
