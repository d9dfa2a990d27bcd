// Package api implements the content-addressed storage backend API used by
// the host to serve worker storage lookups and to persist computed batch
// inserts.
package api

import (
	"context"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/errors"
)

// ModuleName is the storage module name.
const ModuleName = "storage"

var (
	// ErrNotFound is the error returned when a key is not present.
	ErrNotFound = errors.New(ModuleName, 1, "storage: key not found")

	// ErrClosed is the error returned when the backend has been closed.
	ErrClosed = errors.New(ModuleName, 2, "storage: backend closed")
)

// Key is a storage key, the hash of the stored value.
type Key = hash.Hash

// Insert is a single durable write: the value is stored under its hash
// until the given expiry round.
type Insert struct {
	_ struct{} `cbor:",toarray"` // nolint

	// Value is the value to store.
	Value []byte
	// Expiry is the round after which the value may be discarded.
	Expiry uint64
}

// Key returns the storage key of the inserted value.
func (i *Insert) Key() Key {
	return hash.NewFromBytes(i.Value)
}

// stateTransition is the structure hashed to derive a new state root.
type stateTransition struct {
	PreviousRoot hash.Hash `json:"previous_root"`
	Inserts      []Insert  `json:"inserts"`
}

// ApplyInserts derives the state root resulting from applying the given
// inserts, in order, to the state committed to by root.
//
// Applying no inserts leaves the root unchanged.
func ApplyInserts(root hash.Hash, inserts []Insert) hash.Hash {
	if len(inserts) == 0 {
		return root
	}
	return hash.NewFrom(&stateTransition{
		PreviousRoot: root,
		Inserts:      inserts,
	})
}

// Backend is a content-addressed storage backend.
type Backend interface {
	// Get returns the value stored under key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)

	// GetBatch returns the values for all of the given keys, in request
	// order. Missing keys are reported as nil entries, the returned slice
	// always has the same length as keys.
	GetBatch(ctx context.Context, keys []Key) ([][]byte, error)

	// Apply atomically persists the inserts and advances the committed
	// state root to newRoot.
	Apply(ctx context.Context, newRoot hash.Hash, inserts []Insert) error

	// Root returns the committed state root.
	Root(ctx context.Context) (hash.Hash, error)

	// Prune removes all values whose expiry is before the given round and
	// returns the number of removed values.
	Prune(ctx context.Context, round uint64) (int, error)

	// Cleanup closes the backend.
	Cleanup()
}
