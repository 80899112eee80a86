// Package checkpointtest holds a contract suite every checkpoint.Store
// implementation runs.
package checkpointtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/stepflow/internal/checkpoint"
)

// RunStoreSuite exercises the Store contract against stores built by open.
func RunStoreSuite(t *testing.T, open func(t *testing.T) checkpoint.Store) {
	t.Run("latest of empty run", func(t *testing.T) {
		store := open(t)
		_, err := store.GetLatest(context.Background(), "nope")
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
		seqs, err := store.List(context.Background(), "nope")
		require.NoError(t, err)
		require.Empty(t, seqs)
	})

	t.Run("put list latest delete", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		created := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
		for _, seq := range []uint64{3, 12, 7} {
			state, err := json.Marshal(map[string]any{"sequence": seq})
			require.NoError(t, err)
			require.NoError(t, store.Put(ctx, checkpoint.Checkpoint{RunID: "run-a", Sequence: seq, State: state, CreatedAt: created}))
		}
		require.NoError(t, store.Put(ctx, checkpoint.Checkpoint{RunID: "run-b", Sequence: 1, State: json.RawMessage(`{}`), CreatedAt: created}))

		seqs, err := store.List(ctx, "run-a")
		require.NoError(t, err)
		require.Equal(t, []uint64{3, 7, 12}, seqs)

		latest, err := store.GetLatest(ctx, "run-a")
		require.NoError(t, err)
		require.Equal(t, uint64(12), latest.Sequence)
		require.JSONEq(t, `{"sequence":12}`, string(latest.State))
		require.True(t, created.Equal(latest.CreatedAt))

		runs, err := store.Runs(ctx)
		require.NoError(t, err)
		require.Equal(t, []string{"run-a", "run-b"}, runs)

		require.NoError(t, store.Delete(ctx, "run-a", 12))
		require.NoError(t, store.Delete(ctx, "run-a", 99))
		latest, err = store.GetLatest(ctx, "run-a")
		require.NoError(t, err)
		require.Equal(t, uint64(7), latest.Sequence)
	})

	t.Run("single writer lock", func(t *testing.T) {
		ctx := context.Background()
		store := open(t)
		release, err := store.Lock(ctx, "run-l")
		require.NoError(t, err)
		_, err = store.Lock(ctx, "run-l")
		require.ErrorIs(t, err, checkpoint.ErrLocked)
		other, err := store.Lock(ctx, "run-other")
		require.NoError(t, err)
		require.NoError(t, other())
		require.NoError(t, release())
		again, err := store.Lock(ctx, "run-l")
		require.NoError(t, err)
		require.NoError(t, again())
	})
}
