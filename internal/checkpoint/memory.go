package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps checkpoints in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]map[uint64]Checkpoint
	locked map[string]bool
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: map[string]map[uint64]Checkpoint{}, locked: map[string]bool{}}
}

func (s *MemoryStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byRun, ok := s.runs[cp.RunID]
	if !ok {
		byRun = map[uint64]Checkpoint{}
		s.runs[cp.RunID] = byRun
	}
	cp.State = append([]byte(nil), cp.State...)
	byRun[cp.Sequence] = cp
	return nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, runID string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRun := s.runs[runID]
	if len(byRun) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	var latest Checkpoint
	found := false
	for seq, cp := range byRun {
		if !found || seq > latest.Sequence {
			latest = cp
			found = true
		}
	}
	latest.State = append([]byte(nil), latest.State...)
	return latest, nil
}

func (s *MemoryStore) Delete(ctx context.Context, runID string, seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byRun := s.runs[runID]
	delete(byRun, seq)
	if len(byRun) == 0 {
		delete(s.runs, runID)
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, runID string) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seqs := make([]uint64, 0, len(s.runs[runID]))
	for seq := range s.runs[runID] {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *MemoryStore) Runs(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) Lock(ctx context.Context, runID string) (Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked[runID] {
		return nil, ErrLocked
	}
	s.locked[runID] = true
	var once sync.Once
	return func() error {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locked, runID)
			s.mu.Unlock()
		})
		return nil
	}, nil
}
