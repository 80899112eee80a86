package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileLockExcludesSecondStore(t *testing.T) {
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)
	second, err := NewFileStore(dir)
	require.NoError(t, err)

	release, err := first.Lock(context.Background(), "run-1")
	require.NoError(t, err)
	_, err = second.Lock(context.Background(), "run-1")
	require.ErrorIs(t, err, ErrLocked)

	require.NoError(t, release())
	again, err := second.Lock(context.Background(), "run-1")
	require.NoError(t, err)
	require.NoError(t, again())
}

func TestFileLockDroppedWhenHolderGoesAway(t *testing.T) {
	dir := t.TempDir()
	holder, err := NewFileStore(dir)
	require.NoError(t, err)
	release, err := holder.Lock(context.Background(), "run-1")
	require.NoError(t, err)

	require.NoError(t, holder.Close())
	require.NoError(t, release(), "release after close is a no-op")

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)
	takeover, err := reopened.Lock(context.Background(), "run-1")
	require.NoError(t, err)
	require.NoError(t, takeover())
}

func TestFileLockIgnoresStaleLockFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "run-1"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run-1", lockFile), []byte("99999\n"), 0o644))

	store, err := NewFileStore(dir)
	require.NoError(t, err)
	release, err := store.Lock(context.Background(), "run-1")
	require.NoError(t, err)
	defer release()

	pid, err := os.ReadFile(filepath.Join(dir, "run-1", lockFile))
	require.NoError(t, err)
	require.NotEqual(t, "99999\n", string(pid))

	runs, err := store.Runs(context.Background())
	require.NoError(t, err)
	require.Empty(t, runs, "a lock file alone is not a run")
}
