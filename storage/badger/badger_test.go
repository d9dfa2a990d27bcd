package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/storage/api"
	"github.com/oasisprotocol/enclave-worker/storage/tests"
)

func TestStorageBadger(t *testing.T) {
	var root hash.Hash
	root.Empty()

	backend, err := New(&Config{DB: t.TempDir()}, root)
	require.NoError(t, err, "New")
	defer backend.Cleanup()

	tests.StorageImplementationTests(t, backend)
}

func TestStorageBadgerReopen(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()
	dir := t.TempDir()

	var root hash.Hash
	root.Empty()

	backend, err := New(&Config{DB: dir}, root)
	require.NoError(err, "New")

	inserts := []api.Insert{{Value: []byte("persisted"), Expiry: 1}}
	newRoot := api.ApplyInserts(root, inserts)
	require.NoError(backend.Apply(ctx, newRoot, inserts), "Apply")
	backend.Cleanup()

	backend, err = New(&Config{DB: dir}, root)
	require.NoError(err, "New (reopen)")
	defer backend.Cleanup()

	committed, err := backend.Root(ctx)
	require.NoError(err, "Root")
	require.Equal(newRoot, committed, "root must survive a reopen")

	value, err := backend.Get(ctx, inserts[0].Key())
	require.NoError(err, "Get")
	require.Equal(inserts[0].Value, value)
}
