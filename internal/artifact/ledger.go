// Package artifact tracks which named outputs a run has produced, who
// produced them, and when.
package artifact

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status reports whether an artifact exists yet.
type Status string

const (
	StatusPending Status = "pending"
	StatusPresent Status = "present"
)

// Artifact is one named output recorded by a completed step.
type Artifact struct {
	Name      string         `json:"name"`
	Producer  string         `json:"producer"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Status    Status         `json:"status"`
}

func (a Artifact) clone() Artifact {
	a.Metadata = cloneMetadata(a.Metadata)
	return a
}

// Ledger is the set of present artifacts for a run. It is safe for
// concurrent use.
type Ledger struct {
	mu      sync.RWMutex
	entries map[string]Artifact
	now     func() time.Time
	logger  *zap.Logger
}

// Option customizes a Ledger during construction.
type Option func(*Ledger)

// WithClock overrides the clock used for creation timestamps.
func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) {
		if clock != nil {
			l.now = clock
		}
	}
}

// WithLogger routes re-record warnings to logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewLedger builds an empty ledger.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		entries: map[string]Artifact{},
		now:     time.Now,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record marks name present. Recording an existing name replaces its
// metadata but keeps the original producer and creation time; the returned
// flag is false in that case.
func (l *Ledger) Record(name, producer string, metadata map[string]any) (Artifact, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().UTC()
	if existing, ok := l.entries[name]; ok {
		l.logger.Warn("artifact recorded again",
			zap.String("artifact", name),
			zap.String("producer", existing.Producer),
			zap.String("step_id", producer),
		)
		existing.Metadata = cloneMetadata(metadata)
		existing.UpdatedAt = now
		l.entries[name] = existing
		return existing.clone(), false
	}
	entry := Artifact{
		Name:      name,
		Producer:  producer,
		CreatedAt: now,
		Metadata:  cloneMetadata(metadata),
		Status:    StatusPresent,
	}
	l.entries[name] = entry
	return entry.clone(), true
}

// HasAll reports whether every name is present. An empty list is satisfied.
func (l *Ledger) HasAll(names []string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, name := range names {
		if _, ok := l.entries[name]; !ok {
			return false
		}
	}
	return true
}

// Has reports whether name is present.
func (l *Ledger) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.entries[name]
	return ok
}

// Get returns the recorded artifact.
func (l *Ledger) Get(name string) (Artifact, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entry, ok := l.entries[name]
	if !ok {
		return Artifact{}, false
	}
	return entry.clone(), true
}

// Missing returns the names that are not present, preserving input order.
func (l *Ledger) Missing(names []string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []string
	for _, name := range names {
		if _, ok := l.entries[name]; !ok {
			out = append(out, name)
		}
	}
	return out
}

// Names lists present artifact names sorted lexically.
func (l *Ledger) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	names := make([]string, 0, len(l.entries))
	for name := range l.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns every present artifact sorted by name.
func (l *Ledger) All() []Artifact {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Artifact, 0, len(l.entries))
	for _, entry := range l.entries {
		out = append(out, entry.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of present artifacts.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Snapshot returns a serializable copy of the ledger contents.
func (l *Ledger) Snapshot() []Artifact {
	return l.All()
}

// Clone returns an independent ledger with the same contents and options.
func (l *Ledger) Clone() *Ledger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	clone := &Ledger{entries: make(map[string]Artifact, len(l.entries)), now: l.now, logger: l.logger}
	for name, entry := range l.entries {
		clone.entries[name] = entry.clone()
	}
	return clone
}

// RestoreLedger rebuilds a ledger from a snapshot.
func RestoreLedger(snapshot []Artifact, opts ...Option) *Ledger {
	l := NewLedger(opts...)
	for _, entry := range snapshot {
		if entry.Name == "" {
			continue
		}
		entry.Status = StatusPresent
		l.entries[entry.Name] = entry.clone()
	}
	return l
}

func cloneMetadata(values map[string]any) map[string]any {
	if len(values) == 0 {
		return nil
	}
	clone := make(map[string]any, len(values))
	for key, value := range values {
		clone[key] = value
	}
	return clone
}
