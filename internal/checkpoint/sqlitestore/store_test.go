package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/checkpoint/checkpointtest"
)

func TestSQLiteStoreContract(t *testing.T) {
	checkpointtest.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		store, err := Open(context.Background(), filepath.Join(t.TempDir(), "checkpoints.db"))
		require.NoError(t, err)
		t.Cleanup(func() { store.Close() })
		return store
	})
}

func TestLockSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "locks.db")
	first, err := Open(ctx, path)
	require.NoError(t, err)
	defer first.Close()
	release, err := first.Lock(ctx, "run")
	require.NoError(t, err)

	second, err := Open(ctx, path)
	require.NoError(t, err)
	defer second.Close()
	_, err = second.Lock(ctx, "run")
	require.ErrorIs(t, err, checkpoint.ErrLocked)

	require.NoError(t, release())
	again, err := second.Lock(ctx, "run")
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestLeaseLapsesWhenHolderStops(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "leases.db")
	ttl := 150 * time.Millisecond
	holder, err := OpenWithConfig(ctx, Config{Path: path, BusyTimeout: time.Second, LeaseTTL: ttl})
	require.NoError(t, err)
	release, err := holder.Lock(ctx, "run")
	require.NoError(t, err)

	other, err := OpenWithConfig(ctx, Config{Path: path, BusyTimeout: time.Second, LeaseTTL: ttl})
	require.NoError(t, err)
	defer other.Close()

	// Renewal keeps the lease alive well past one TTL.
	time.Sleep(2 * ttl)
	_, err = other.Lock(ctx, "run")
	require.ErrorIs(t, err, checkpoint.ErrLocked)

	// Closing without release stops renewal, as a crash would.
	require.NoError(t, holder.Close())
	require.NoError(t, release())

	var takeover checkpoint.Release
	require.Eventually(t, func() bool {
		takeover, err = other.Lock(ctx, "run")
		return err == nil
	}, 5*time.Second, 25*time.Millisecond)
	require.NoError(t, takeover())
}

func TestExpiredLeaseRowIsTakenOver(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, filepath.Join(t.TempDir(), "leases.db"))
	require.NoError(t, err)
	defer store.Close()

	stale := time.Now().Add(-time.Hour).UnixNano()
	_, err = store.db.ExecContext(ctx,
		`INSERT INTO run_leases (run_id, owner, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
		"run", "dead-owner", stale, stale)
	require.NoError(t, err)

	release, err := store.Lock(ctx, "run")
	require.NoError(t, err)
	var owner string
	require.NoError(t, store.db.QueryRowContext(ctx, `SELECT owner FROM run_leases WHERE run_id = ?`, "run").Scan(&owner))
	require.NotEqual(t, "dead-owner", owner)
	require.NoError(t, release())
}
