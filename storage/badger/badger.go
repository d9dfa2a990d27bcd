// Package badger implements a BadgerDB backed storage backend.
package badger

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"

	cmnBadger "github.com/oasisprotocol/enclave-worker/common/badger"
	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/logging"
	"github.com/oasisprotocol/enclave-worker/storage/api"
)

// BackendName is the name of this implementation.
const BackendName = "badger"

var (
	_ api.Backend = (*badgerBackend)(nil)

	// valueKeyPrefix is the prefix of stored values, followed by the value hash.
	valueKeyPrefix = []byte{'v'}
	// rootKey is the key under which the committed state root is stored.
	rootKey = []byte{'r'}
)

type storedValue struct {
	Value  []byte `json:"value"`
	Expiry uint64 `json:"expiry"`
}

func valueKey(key api.Key) []byte {
	return append(append([]byte{}, valueKeyPrefix...), key[:]...)
}

type badgerBackend struct {
	logger *logging.Logger

	db *badger.DB
	gc *cmnBadger.GCWorker
}

func (b *badgerBackend) getLocked(tx *badger.Txn, key api.Key) (*storedValue, error) {
	item, err := tx.Get(valueKey(key))
	switch err {
	case nil:
	case badger.ErrKeyNotFound:
		return nil, api.ErrNotFound
	default:
		return nil, err
	}

	var sv storedValue
	if err = item.Value(func(val []byte) error {
		return cbor.Unmarshal(val, &sv)
	}); err != nil {
		return nil, err
	}
	return &sv, nil
}

func (b *badgerBackend) Get(ctx context.Context, key api.Key) ([]byte, error) {
	var value []byte
	err := b.db.View(func(tx *badger.Txn) error {
		sv, err := b.getLocked(tx, key)
		if err != nil {
			return err
		}
		value = cbor.FixSliceForSerde(sv.Value)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (b *badgerBackend) GetBatch(ctx context.Context, keys []api.Key) ([][]byte, error) {
	values := make([][]byte, len(keys))
	err := b.db.View(func(tx *badger.Txn) error {
		for i, key := range keys {
			sv, err := b.getLocked(tx, key)
			switch err {
			case nil:
				values[i] = cbor.FixSliceForSerde(sv.Value)
			case api.ErrNotFound:
			default:
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return values, nil
}

func (b *badgerBackend) Apply(ctx context.Context, newRoot hash.Hash, inserts []api.Insert) error {
	err := b.db.Update(func(tx *badger.Txn) error {
		for _, ins := range inserts {
			key := ins.Key()
			sv := storedValue{
				Value:  ins.Value,
				Expiry: ins.Expiry,
			}
			// A value stored more than once lives until the latest expiry.
			prev, err := b.getLocked(tx, key)
			switch err {
			case nil:
				if prev.Expiry > sv.Expiry {
					sv.Expiry = prev.Expiry
				}
			case api.ErrNotFound:
			default:
				return err
			}

			if err = tx.Set(valueKey(key), cbor.Marshal(&sv)); err != nil {
				return err
			}
		}
		return tx.Set(rootKey, newRoot[:])
	})
	if err != nil {
		b.logger.Error("failed to apply inserts",
			"err", err,
			"new_root", newRoot,
		)
		return fmt.Errorf("storage/badger: failed to apply inserts: %w", err)
	}
	return nil
}

func (b *badgerBackend) Root(ctx context.Context) (hash.Hash, error) {
	var root hash.Hash
	err := b.db.View(func(tx *badger.Txn) error {
		item, err := tx.Get(rootKey)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return root.UnmarshalBinary(val)
		})
	})
	return root, err
}

func (b *badgerBackend) Prune(ctx context.Context, round uint64) (int, error) {
	var expired [][]byte
	err := b.db.View(func(tx *badger.Txn) error {
		it := tx.NewIterator(badger.IteratorOptions{Prefix: valueKeyPrefix, PrefetchValues: true})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			var sv storedValue
			if err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &sv)
			}); err != nil {
				return err
			}
			if sv.Expiry < round {
				expired = append(expired, item.KeyCopy(nil))
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range expired {
		if err = wb.Delete(key); err != nil {
			return 0, err
		}
	}
	if err = wb.Flush(); err != nil {
		return 0, err
	}
	return len(expired), nil
}

func (b *badgerBackend) Cleanup() {
	b.gc.Close()
	if err := b.db.Close(); err != nil {
		b.logger.Error("failed to close storage database",
			"err", err,
		)
	}
}

// Config is the badger storage backend configuration.
type Config struct {
	// DB is the path to the database directory.
	DB string
	// InMemory keeps the database in memory only.
	InMemory bool
}

// New creates a new badger storage backend. A freshly created database is
// committed to the given initial state root.
func New(cfg *Config, initialRoot hash.Hash) (api.Backend, error) {
	logger := logging.GetLogger("storage/badger")

	opts := badger.DefaultOptions(cfg.DB)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithLogger(cmnBadger.NewLogAdapter(logger))
	opts = opts.WithSyncWrites(true)
	opts = opts.WithCompression(options.None)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("storage/badger: failed to open database: %w", err)
	}

	b := &badgerBackend{
		logger: logger,
		db:     db,
		gc:     cmnBadger.NewGCWorker(logger, db),
	}

	// Initialize the root on first use.
	if err = db.Update(func(tx *badger.Txn) error {
		switch _, err := tx.Get(rootKey); err {
		case nil:
			return nil
		case badger.ErrKeyNotFound:
			return tx.Set(rootKey, initialRoot[:])
		default:
			return err
		}
	}); err != nil {
		b.Cleanup()
		return nil, fmt.Errorf("storage/badger: failed to initialize root: %w", err)
	}

	return b, nil
}
