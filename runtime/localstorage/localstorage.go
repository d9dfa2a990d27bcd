// Package localstorage implements untrusted local storage that is used
// by workers to store per-node key/value pairs.
package localstorage

import (
	"errors"
	"fmt"
	"path/filepath"
)

const (
	// BackendBadger is the name of the BadgerDB backed local storage.
	BackendBadger = "badger"
	// BackendRedis is the name of the Redis backed local storage.
	BackendRedis = "redis"

	localStorageFile = "worker-local-storage.badger.db"
)

var errInvalidKey = errors.New("invalid local storage key")

// LocalStorage is the untrusted local storage interface.
type LocalStorage interface {
	// Get retrieves a previously stored value under the given key.
	//
	// A key that was never set yields an empty value.
	Get(key []byte) ([]byte, error)

	// Set sets a key to a specific value.
	Set(key, value []byte) error

	// Stop stops local storage.
	Stop()
}

// Config is the local storage configuration.
type Config struct {
	// Backend is the local storage backend name.
	Backend string
	// DataDir is the directory holding the badger database.
	DataDir string
	// RedisAddr is the address of the Redis server.
	RedisAddr string
}

// New creates new untrusted local storage.
func New(cfg *Config) (LocalStorage, error) {
	switch cfg.Backend {
	case BackendBadger, "":
		return NewBadger(filepath.Join(cfg.DataDir, localStorageFile))
	case BackendRedis:
		return NewRedis(cfg.RedisAddr)
	default:
		return nil, fmt.Errorf("localstorage: unsupported backend: '%s'", cfg.Backend)
	}
}
