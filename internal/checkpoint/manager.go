package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kingrea/stepflow/internal/runstate"
)

const instrumentationName = "github.com/kingrea/stepflow/internal/checkpoint"

// Mode selects when MaybeCheckpoint writes.
type Mode string

const (
	// ModeTransition writes whenever the state advanced since the last write.
	ModeTransition Mode = "transition"
	// ModeSteps writes after EverySteps newly resolved steps.
	ModeSteps Mode = "steps"
	// ModeInterval writes once Interval elapsed since the last write.
	ModeInterval Mode = "interval"
)

// Policy configures checkpoint cadence and retention. Status changes are
// always written regardless of mode.
type Policy struct {
	Mode       Mode          `koanf:"policy"`
	EverySteps int           `koanf:"every_steps"`
	Interval   time.Duration `koanf:"interval"`
	Keep       int           `koanf:"keep"`
}

// DefaultPolicy writes on every transition and keeps three checkpoints.
func DefaultPolicy() Policy {
	return Policy{Mode: ModeTransition, EverySteps: 1, Interval: 30 * time.Second, Keep: 3}
}

func (p Policy) normalized() Policy {
	def := DefaultPolicy()
	if p.Mode == "" {
		p.Mode = def.Mode
	}
	if p.EverySteps <= 0 {
		p.EverySteps = def.EverySteps
	}
	if p.Interval <= 0 {
		p.Interval = def.Interval
	}
	if p.Keep < 1 {
		p.Keep = def.Keep
	}
	return p
}

// Validate rejects unknown modes.
func (p Policy) Validate() error {
	switch p.Mode {
	case "", ModeTransition, ModeSteps, ModeInterval:
		return nil
	default:
		return fmt.Errorf("checkpoint: unknown policy %q", p.Mode)
	}
}

type written struct {
	sequence uint64
	status   runstate.Status
	resolved int
	at       time.Time
}

// Manager applies a Policy on top of a Store.
type Manager struct {
	store  Store
	policy Policy
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	mu   sync.Mutex
	last map[string]written
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithClock overrides the clock used for checkpoint timestamps.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.now = clock
		}
	}
}

// WithTracer overrides the tracer used for write spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Manager) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// NewManager wires a manager to store.
func NewManager(store Store, policy Policy, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("checkpoint: store is required")
	}
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	m := &Manager{
		store:  store,
		policy: policy.normalized(),
		logger: zap.NewNop(),
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
		last:   map[string]written{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the effective policy.
func (m *Manager) Policy() Policy { return m.policy }

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// MaybeCheckpoint writes a checkpoint when the policy says one is due. It
// reports whether a write happened.
func (m *Manager) MaybeCheckpoint(ctx context.Context, state *runstate.State) (bool, error) {
	snap := state.Snapshot()
	m.mu.Lock()
	prev, seen := m.last[snap.RunID]
	m.mu.Unlock()
	if seen && prev.sequence == snap.Sequence {
		return false, nil
	}
	if seen && prev.status == snap.Status && !m.due(prev, snap) {
		return false, nil
	}
	return true, m.write(ctx, snap)
}

// Checkpoint writes unconditionally unless the sequence was already written.
func (m *Manager) Checkpoint(ctx context.Context, state *runstate.State) (bool, error) {
	snap := state.Snapshot()
	m.mu.Lock()
	prev, seen := m.last[snap.RunID]
	m.mu.Unlock()
	if seen && prev.sequence == snap.Sequence {
		return false, nil
	}
	return true, m.write(ctx, snap)
}

func (m *Manager) due(prev written, snap runstate.Snapshot) bool {
	switch m.policy.Mode {
	case ModeSteps:
		return resolvedCount(snap)-prev.resolved >= m.policy.EverySteps
	case ModeInterval:
		return m.now().Sub(prev.at) >= m.policy.Interval
	default:
		return true
	}
}

func resolvedCount(snap runstate.Snapshot) int {
	return len(snap.Completed) + len(snap.Skipped)
}

func (m *Manager) write(ctx context.Context, snap runstate.Snapshot) error {
	ctx, span := m.tracer.Start(ctx, "checkpoint.write", trace.WithAttributes(
		attribute.String("run_id", snap.RunID),
		attribute.Int64("sequence", int64(snap.Sequence)),
	))
	defer span.End()

	encoded, err := json.Marshal(snap)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return &WriteError{RunID: snap.RunID, Sequence: snap.Sequence, Err: err}
	}
	now := m.now().UTC()
	cp := Checkpoint{RunID: snap.RunID, Sequence: snap.Sequence, State: encoded, CreatedAt: now}
	if err := m.store.Put(ctx, cp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return &WriteError{RunID: snap.RunID, Sequence: snap.Sequence, Err: err}
	}
	m.mu.Lock()
	m.last[snap.RunID] = written{sequence: snap.Sequence, status: snap.Status, resolved: resolvedCount(snap), at: now}
	m.mu.Unlock()
	m.logger.Debug("checkpoint written",
		zap.String("run_id", snap.RunID),
		zap.Uint64("sequence", snap.Sequence),
		zap.String("status", string(snap.Status)),
	)
	m.prune(ctx, snap.RunID)
	return nil
}

// prune runs after a successful Put so at least one checkpoint always
// survives.
func (m *Manager) prune(ctx context.Context, runID string) {
	seqs, err := m.store.List(ctx, runID)
	if err != nil {
		m.logger.Warn("checkpoint list failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	excess := len(seqs) - m.policy.Keep
	for i := 0; i < excess; i++ {
		if err := m.store.Delete(ctx, runID, seqs[i]); err != nil {
			m.logger.Warn("checkpoint prune failed",
				zap.String("run_id", runID),
				zap.Uint64("sequence", seqs[i]),
				zap.Error(err),
			)
		}
	}
}

// Latest returns the newest checkpoint and its decoded snapshot.
func (m *Manager) Latest(ctx context.Context, runID string) (Checkpoint, runstate.Snapshot, error) {
	cp, err := m.store.GetLatest(ctx, runID)
	if err != nil {
		return Checkpoint{}, runstate.Snapshot{}, err
	}
	snap, err := Decode(cp)
	if err != nil {
		return Checkpoint{}, runstate.Snapshot{}, err
	}
	return cp, snap, nil
}

// Restore rebuilds the run state from its newest checkpoint. It returns
// ErrNotFound when the run was never checkpointed.
func (m *Manager) Restore(ctx context.Context, runID string, opts ...runstate.Option) (*runstate.State, error) {
	_, snap, err := m.Latest(ctx, runID)
	if err != nil {
		return nil, err
	}
	state, err := runstate.Restore(snap, opts...)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.last[runID] = written{sequence: snap.Sequence, status: snap.Status, resolved: resolvedCount(snap), at: m.now()}
	m.mu.Unlock()
	return state, nil
}

// Acquire takes the single-writer lock for runID.
func (m *Manager) Acquire(ctx context.Context, runID string) (Release, error) {
	return m.store.Lock(ctx, runID)
}

// Runs lists checkpointed run ids.
func (m *Manager) Runs(ctx context.Context) ([]string, error) {
	return m.store.Runs(ctx)
}

// Forget drops write bookkeeping for a finished run.
func (m *Manager) Forget(runID string) {
	m.mu.Lock()
	delete(m.last, runID)
	m.mu.Unlock()
}

// Decode unmarshals the snapshot carried by cp.
func Decode(cp Checkpoint) (runstate.Snapshot, error) {
	var snap runstate.Snapshot
	if err := json.Unmarshal(cp.State, &snap); err != nil {
		return runstate.Snapshot{}, fmt.Errorf("checkpoint: decode %s@%d: %w", cp.RunID, cp.Sequence, err)
	}
	return snap, nil
}
