package engine

import (
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/events"
	"github.com/kingrea/stepflow/internal/metrics"
	"github.com/kingrea/stepflow/internal/workflow"
	"github.com/kingrea/stepflow/internal/workflow/scheduler"
)

// Option customizes the engine instance.
type Option func(*Engine)

// WithLogger injects a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithMaxConcurrency caps simultaneous dispatches per run. A workflow's own
// max_concurrency can only lower it.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxConcurrency = n
		}
	}
}

// WithDefaultStepTimeout applies to steps when neither the step nor the
// workflow sets a timeout. Zero disables it.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.stepTimeout = d
		}
	}
}

// WithGracePeriod bounds how long a stopping run waits for in-flight steps.
func WithGracePeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.grace = d
		}
	}
}

// WithEventBus publishes run progress to p.
func WithEventBus(p events.Publisher) Option {
	return func(e *Engine) {
		if p != nil {
			e.events = p
		}
	}
}

// WithMetrics records Prometheus metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer overrides the OpenTelemetry tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithCatalog supplies definitions for resuming runs started by other
// processes.
func WithCatalog(catalog *workflow.Catalog) Option {
	return func(e *Engine) {
		e.catalog = catalog
	}
}

// WithRunIDs overrides run id generation.
func WithRunIDs(fn func() string) Option {
	return func(e *Engine) {
		if fn != nil {
			e.newRunID = fn
		}
	}
}

// WithSelector swaps the step selector.
func WithSelector(selector scheduler.Selector) Option {
	return func(e *Engine) {
		if selector != nil {
			e.selector = selector
		}
	}
}
