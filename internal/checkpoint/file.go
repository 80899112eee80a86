package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	lockFile      = ".lock"
	checkpointExt = ".json"
)

// FileStore writes one JSON document per checkpoint under
// <dir>/<run id>/<sequence>.json.
type FileStore struct {
	dir string

	mu   sync.Mutex
	held map[string]*os.File
}

// NewFileStore roots a store at dir, creating it when missing.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint: file store directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, held: make(map[string]*os.File)}, nil
}

// Dir returns the store root.
func (s *FileStore) Dir() string { return s.dir }

func (s *FileStore) runDir(runID string) (string, error) {
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("checkpoint: invalid run id %q", runID)
	}
	return filepath.Join(s.dir, runID), nil
}

func fileName(seq uint64) string {
	return fmt.Sprintf("%020d%s", seq, checkpointExt)
}

// Put writes to a temp file and renames it into place.
func (s *FileStore) Put(ctx context.Context, cp Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir, err := s.runDir(cp.RunID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	encoded, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(encoded, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, fileName(cp.Sequence)))
}

func (s *FileStore) GetLatest(ctx context.Context, runID string) (Checkpoint, error) {
	seqs, err := s.List(ctx, runID)
	if err != nil {
		return Checkpoint{}, err
	}
	if len(seqs) == 0 {
		return Checkpoint{}, ErrNotFound
	}
	dir, _ := s.runDir(runID)
	data, err := os.ReadFile(filepath.Join(dir, fileName(seqs[len(seqs)-1])))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Checkpoint{}, ErrNotFound
		}
		return Checkpoint{}, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("checkpoint: decode %s@%d: %w", runID, seqs[len(seqs)-1], err)
	}
	return cp, nil
}

func (s *FileStore) Delete(ctx context.Context, runID string, seq uint64) error {
	dir, err := s.runDir(runID)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(dir, fileName(seq)))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) List(ctx context.Context, runID string) ([]uint64, error) {
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var seqs []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, checkpointExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	return seqs, nil
}

func (s *FileStore) Runs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		seqs, err := s.List(ctx, entry.Name())
		if err != nil || len(seqs) == 0 {
			continue
		}
		ids = append(ids, entry.Name())
	}
	sort.Strings(ids)
	return ids, nil
}

// Lock takes an exclusive advisory lock on <run>/.lock. The lock lives on
// the open descriptor, so the kernel drops it when the holding process exits.
// The file itself is left in place; a stale file does not block a new holder.
func (s *FileStore) Lock(ctx context.Context, runID string) (Release, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.runDir(runID)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, lockFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open lock %s: %w", path, err)
	}
	if err := lockExclusive(f); err != nil {
		f.Close()
		return nil, err
	}
	if err := f.Truncate(0); err == nil {
		fmt.Fprintf(f, "%d\n", os.Getpid())
	}

	s.mu.Lock()
	if s.held == nil {
		s.held = make(map[string]*os.File)
	}
	s.held[runID] = f
	s.mu.Unlock()

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			s.mu.Lock()
			current, ok := s.held[runID]
			if ok && current == f {
				delete(s.held, runID)
			}
			s.mu.Unlock()
			if !ok || current != f {
				return
			}
			if err := unlock(f); err != nil {
				releaseErr = err
			}
			if err := f.Close(); err != nil && releaseErr == nil {
				releaseErr = err
			}
		})
		return releaseErr
	}, nil
}

// Close drops every lock this store holds without running their release
// functions, the same way process exit does.
func (s *FileStore) Close() error {
	s.mu.Lock()
	held := s.held
	s.held = nil
	s.mu.Unlock()
	var errs []error
	for _, f := range held {
		unlock(f)
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
