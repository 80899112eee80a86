package checkpoint_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/stepflow/internal/checkpoint"
	"github.com/kingrea/stepflow/internal/checkpoint/checkpointtest"
)

func TestMemoryStoreContract(t *testing.T) {
	checkpointtest.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		return checkpoint.NewMemoryStore()
	})
}

func TestFileStoreContract(t *testing.T) {
	checkpointtest.RunStoreSuite(t, func(t *testing.T) checkpoint.Store {
		store, err := checkpoint.NewFileStore(t.TempDir())
		require.NoError(t, err)
		return store
	})
}
