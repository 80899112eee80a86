// Package sqlitestore implements checkpoint.Store on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kingrea/stepflow/internal/checkpoint"
)

const schema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	run_id     TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	state      BLOB    NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS run_leases (
	run_id      TEXT PRIMARY KEY,
	owner       TEXT    NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
`

// DefaultLeaseTTL bounds how long a run stays locked after its holder dies.
const DefaultLeaseTTL = 30 * time.Second

// Config holds database configuration options.
type Config struct {
	Path        string
	BusyTimeout time.Duration
	// LeaseTTL is how long a run lock lives without a heartbeat. Holders
	// renew at a third of it. Zero means DefaultLeaseTTL.
	LeaseTTL time.Duration
}

// Store persists checkpoints in a WAL-mode SQLite database.
type Store struct {
	db  *sql.DB
	ttl time.Duration

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	stop chan struct{}
	done chan struct{}
}

var _ checkpoint.Store = (*Store)(nil)

// Open creates or opens the database at path.
func Open(ctx context.Context, path string) (*Store, error) {
	return OpenWithConfig(ctx, Config{Path: path, BusyTimeout: 5 * time.Second})
}

// OpenWithConfig opens the database and applies the schema.
func OpenWithConfig(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlitestore: path is required")
	}
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=%d", cfg.Path, cfg.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: apply schema: %w", err)
	}
	ttl := cfg.LeaseTTL
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &Store{db: db, ttl: ttl, leases: make(map[string]*lease)}, nil
}

// Close stops renewing held leases and closes the database. Leases still
// held lapse after the TTL, the same as when the process dies.
func (s *Store) Close() error {
	s.mu.Lock()
	held := s.leases
	s.leases = make(map[string]*lease)
	s.mu.Unlock()
	for _, l := range held {
		close(l.stop)
		<-l.done
	}
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO checkpoints (run_id, seq, created_at, state) VALUES (?, ?, ?, ?)`,
		cp.RunID, int64(cp.Sequence), cp.CreatedAt.UnixNano(), []byte(cp.State),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: put %s@%d: %w", cp.RunID, cp.Sequence, err)
	}
	return nil
}

func (s *Store) GetLatest(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT seq, created_at, state FROM checkpoints WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	var (
		seq     int64
		created int64
		state   []byte
	)
	if err := row.Scan(&seq, &created, &state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return checkpoint.Checkpoint{}, checkpoint.ErrNotFound
		}
		return checkpoint.Checkpoint{}, fmt.Errorf("sqlitestore: latest %s: %w", runID, err)
	}
	return checkpoint.Checkpoint{
		RunID:     runID,
		Sequence:  uint64(seq),
		State:     state,
		CreatedAt: time.Unix(0, created).UTC(),
	}, nil
}

func (s *Store) Delete(ctx context.Context, runID string, seq uint64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ? AND seq = ?`, runID, int64(seq)); err != nil {
		return fmt.Errorf("sqlitestore: delete %s@%d: %w", runID, seq, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, runID string) ([]uint64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT seq FROM checkpoints WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list %s: %w", runID, err)
	}
	defer rows.Close()
	var seqs []uint64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs = append(seqs, uint64(seq))
	}
	return seqs, rows.Err()
}

func (s *Store) Runs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT run_id FROM checkpoints ORDER BY run_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runs: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Lock claims a lease row in run_leases. The primary key enforces a single
// holder across processes sharing the database; a lease whose holder stopped
// renewing it is taken over once it expires.
func (s *Store) Lock(ctx context.Context, runID string) (checkpoint.Release, error) {
	owner := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO run_leases (run_id, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (run_id) DO UPDATE
		SET owner = excluded.owner, acquired_at = excluded.acquired_at, expires_at = excluded.expires_at
		WHERE run_leases.expires_at < ?`,
		runID, owner, now.UnixNano(), now.Add(s.ttl).UnixNano(), now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: lock %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("sqlitestore: lock %s: %w", runID, err)
	} else if n == 0 {
		return nil, checkpoint.ErrLocked
	}

	l := &lease{stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	s.leases[owner] = l
	s.mu.Unlock()
	go s.renew(runID, owner, l)

	var once sync.Once
	var releaseErr error
	return func() error {
		once.Do(func() {
			if !s.dropLease(owner) {
				return
			}
			if _, err := s.db.Exec(`DELETE FROM run_leases WHERE run_id = ? AND owner = ?`, runID, owner); err != nil {
				releaseErr = fmt.Errorf("sqlitestore: release %s: %w", runID, err)
			}
		})
		return releaseErr
	}, nil
}

func (s *Store) renew(runID, owner string, l *lease) {
	defer close(l.done)
	ticker := time.NewTicker(s.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			res, err := s.db.Exec(`UPDATE run_leases SET expires_at = ? WHERE run_id = ? AND owner = ?`,
				time.Now().Add(s.ttl).UnixNano(), runID, owner)
			if err != nil {
				continue
			}
			if n, _ := res.RowsAffected(); n == 0 {
				// Someone took the lease over after it lapsed.
				return
			}
		}
	}
}

// dropLease stops renewal and reports whether owner still held a lease.
func (s *Store) dropLease(owner string) bool {
	s.mu.Lock()
	l, ok := s.leases[owner]
	delete(s.leases, owner)
	s.mu.Unlock()
	if !ok {
		return false
	}
	close(l.stop)
	<-l.done
	return true
}
