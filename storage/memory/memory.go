// Package memory implements an in-memory storage backend.
package memory

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/logging"
	"github.com/oasisprotocol/enclave-worker/storage/api"
)

// BackendName is the name of this implementation.
const BackendName = "memory"

const btreeDegree = 16

var _ api.Backend = (*memoryBackend)(nil)

type entry struct {
	key    api.Key
	value  []byte
	expiry uint64
}

func (e *entry) Less(than btree.Item) bool {
	other := than.(*entry)
	return bytes.Compare(e.key[:], other.key[:]) < 0
}

type memoryBackend struct {
	sync.RWMutex

	logger *logging.Logger

	tree   *btree.BTree
	root   hash.Hash
	closed bool
}

func (b *memoryBackend) Get(ctx context.Context, key api.Key) ([]byte, error) {
	b.RLock()
	defer b.RUnlock()

	if b.closed {
		return nil, api.ErrClosed
	}

	item := b.tree.Get(&entry{key: key})
	if item == nil {
		return nil, api.ErrNotFound
	}
	return append([]byte{}, item.(*entry).value...), nil
}

func (b *memoryBackend) GetBatch(ctx context.Context, keys []api.Key) ([][]byte, error) {
	b.RLock()
	defer b.RUnlock()

	if b.closed {
		return nil, api.ErrClosed
	}

	values := make([][]byte, len(keys))
	for i, key := range keys {
		if item := b.tree.Get(&entry{key: key}); item != nil {
			values[i] = append([]byte{}, item.(*entry).value...)
		}
	}
	return values, nil
}

func (b *memoryBackend) Apply(ctx context.Context, newRoot hash.Hash, inserts []api.Insert) error {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return api.ErrClosed
	}

	for _, ins := range inserts {
		e := &entry{
			key:    ins.Key(),
			value:  append([]byte{}, ins.Value...),
			expiry: ins.Expiry,
		}
		// A value stored more than once lives until the latest expiry.
		if prev := b.tree.Get(e); prev != nil && prev.(*entry).expiry > e.expiry {
			e.expiry = prev.(*entry).expiry
		}
		b.tree.ReplaceOrInsert(e)
	}
	b.root = newRoot

	b.logger.Debug("applied inserts",
		"count", len(inserts),
		"new_root", newRoot,
	)

	return nil
}

func (b *memoryBackend) Root(ctx context.Context) (hash.Hash, error) {
	b.RLock()
	defer b.RUnlock()

	if b.closed {
		return hash.Hash{}, api.ErrClosed
	}
	return b.root, nil
}

func (b *memoryBackend) Prune(ctx context.Context, round uint64) (int, error) {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return 0, api.ErrClosed
	}

	var expired []btree.Item
	b.tree.Ascend(func(item btree.Item) bool {
		if item.(*entry).expiry < round {
			expired = append(expired, item)
		}
		return true
	})
	for _, item := range expired {
		b.tree.Delete(item)
	}
	return len(expired), nil
}

func (b *memoryBackend) Cleanup() {
	b.Lock()
	defer b.Unlock()

	b.closed = true
	b.tree.Clear(false)
}

// New creates a new in-memory storage backend committed to the given
// initial state root.
func New(initialRoot hash.Hash) api.Backend {
	return &memoryBackend{
		logger: logging.GetLogger("storage/memory"),
		tree:   btree.New(btreeDegree),
		root:   initialRoot,
	}
}
