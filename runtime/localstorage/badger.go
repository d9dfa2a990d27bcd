package localstorage

import (
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/dgraph-io/badger/v3/options"

	cmnBadger "github.com/oasisprotocol/enclave-worker/common/badger"
	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/logging"
)

var _ LocalStorage = (*badgerLocalStorage)(nil)

type badgerLocalStorage struct {
	logger *logging.Logger

	db *badger.DB
	gc *cmnBadger.GCWorker
}

func (s *badgerLocalStorage) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errInvalidKey
	}

	var value []byte
	if err := s.db.View(func(tx *badger.Txn) error {
		item, txErr := tx.Get(key)
		switch txErr {
		case nil:
		case badger.ErrKeyNotFound:
			return nil
		default:
			return txErr
		}

		return item.Value(func(val []byte) error {
			value = append([]byte{}, val...)
			return nil
		})
	}); err != nil {
		s.logger.Error("failed get",
			"err", err,
			"key", hex.EncodeToString(key),
		)
		return nil, err
	}

	return cbor.FixSliceForSerde(value), nil
}

func (s *badgerLocalStorage) Set(key, value []byte) error {
	if len(key) == 0 {
		return errInvalidKey
	}

	if err := s.db.Update(func(tx *badger.Txn) error {
		return tx.Set(key, value)
	}); err != nil {
		s.logger.Error("failed put",
			"err", err,
			"key", hex.EncodeToString(key),
		)
		return err
	}

	return nil
}

func (s *badgerLocalStorage) Stop() {
	s.gc.Close()
	if err := s.db.Close(); err != nil {
		s.logger.Error("failed to close local storage",
			"err", err,
		)
	}
	s.db = nil
}

// NewBadger creates new BadgerDB backed local storage at the given path.
func NewBadger(path string) (LocalStorage, error) {
	s := &badgerLocalStorage{
		logger: logging.GetLogger("runtime/localstorage").With("backend", BackendBadger),
	}

	opts := badger.DefaultOptions(path)
	opts = opts.WithLogger(cmnBadger.NewLogAdapter(s.logger))
	opts = opts.WithSyncWrites(true)
	opts = opts.WithCompression(options.None)

	var err error
	if s.db, err = badger.Open(opts); err != nil {
		return nil, fmt.Errorf("failed to open local storage database: %w", err)
	}
	s.gc = cmnBadger.NewGCWorker(s.logger, s.db)

	return s, nil
}
