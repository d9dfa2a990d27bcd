package localstorage

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/logging"
)

// redisKeyPrefix namespaces local storage keys in a shared Redis instance.
const redisKeyPrefix = "enclave-worker:localstorage:"

var _ LocalStorage = (*redisLocalStorage)(nil)

// redisClient is the subset of the Redis client used by local storage.
type redisClient interface {
	Get(key string) *redis.StringCmd
	Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

type redisLocalStorage struct {
	logger *logging.Logger

	client redisClient
}

func redisKey(key []byte) string {
	return redisKeyPrefix + string(key)
}

func (s *redisLocalStorage) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, errInvalidKey
	}

	value, err := s.client.Get(redisKey(key)).Bytes()
	switch err {
	case nil:
	case redis.Nil:
		value = nil
	default:
		s.logger.Error("failed get",
			"err", err,
			"key", hex.EncodeToString(key),
		)
		return nil, err
	}

	return cbor.FixSliceForSerde(value), nil
}

func (s *redisLocalStorage) Set(key, value []byte) error {
	if len(key) == 0 {
		return errInvalidKey
	}

	if err := s.client.Set(redisKey(key), value, 0).Err(); err != nil {
		s.logger.Error("failed put",
			"err", err,
			"key", hex.EncodeToString(key),
		)
		return err
	}

	return nil
}

func (s *redisLocalStorage) Stop() {
	if err := s.client.Close(); err != nil {
		s.logger.Error("failed to close local storage",
			"err", err,
		)
	}
}

// NewRedis creates new Redis backed local storage using the server at the
// given address.
func NewRedis(addr string) (LocalStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})
	if err := client.Ping().Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}

	return newRedisWithClient(client), nil
}

func newRedisWithClient(client redisClient) LocalStorage {
	return &redisLocalStorage{
		logger: logging.GetLogger("runtime/localstorage").With("backend", BackendRedis),
		client: client,
	}
}
