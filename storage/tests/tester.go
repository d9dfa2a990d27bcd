// Package tests is a collection of storage backend implementation test cases.
package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/storage/api"
)

// StorageImplementationTests exercises the basic functionality of a storage
// backend. The backend must start out committed to the empty hash.
func StorageImplementationTests(t *testing.T, backend api.Backend) {
	require := require.New(t)
	ctx := context.Background()

	var emptyRoot hash.Hash
	emptyRoot.Empty()

	root, err := backend.Root(ctx)
	require.NoError(err, "Root")
	require.Equal(emptyRoot, root, "initial root")

	inserts := []api.Insert{
		{Value: []byte("first value"), Expiry: 5},
		{Value: []byte("second value"), Expiry: 10},
		{Value: []byte{}, Expiry: 10},
	}
	newRoot := api.ApplyInserts(root, inserts)
	err = backend.Apply(ctx, newRoot, inserts)
	require.NoError(err, "Apply")

	root, err = backend.Root(ctx)
	require.NoError(err, "Root")
	require.Equal(newRoot, root, "root should advance with Apply")

	value, err := backend.Get(ctx, inserts[0].Key())
	require.NoError(err, "Get")
	require.Equal(inserts[0].Value, value)

	value, err = backend.Get(ctx, inserts[2].Key())
	require.NoError(err, "Get(empty value)")
	require.NotNil(value, "empty value must be distinguishable from missing")
	require.Len(value, 0)

	missing := hash.NewFromBytes([]byte("missing"))
	_, err = backend.Get(ctx, missing)
	require.ErrorIs(err, api.ErrNotFound, "Get(missing)")

	keys := []api.Key{inserts[1].Key(), missing, inserts[0].Key(), missing}
	values, err := backend.GetBatch(ctx, keys)
	require.NoError(err, "GetBatch")
	require.Len(values, len(keys), "GetBatch must return one entry per key")
	require.Equal(inserts[1].Value, values[0])
	require.Nil(values[1], "missing key must be reported as nil")
	require.Equal(inserts[0].Value, values[2])
	require.Nil(values[3], "missing key must be reported as nil")

	values, err = backend.GetBatch(ctx, nil)
	require.NoError(err, "GetBatch(empty)")
	require.Len(values, 0)

	// Re-inserting with an earlier expiry must not shorten the lifetime.
	err = backend.Apply(ctx, newRoot, []api.Insert{{Value: []byte("second value"), Expiry: 1}})
	require.NoError(err, "Apply(re-insert)")

	pruned, err := backend.Prune(ctx, 6)
	require.NoError(err, "Prune")
	require.Equal(1, pruned, "only the first value should be pruned")

	_, err = backend.Get(ctx, inserts[0].Key())
	require.ErrorIs(err, api.ErrNotFound, "pruned value should be gone")
	_, err = backend.Get(ctx, inserts[1].Key())
	require.NoError(err, "value with the later expiry should remain")
}
