package localstorage

import (
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-redis/redis"
	"github.com/stretchr/testify/require"
)

func testLocalStorage(t *testing.T, s LocalStorage) {
	require := require.New(t)

	value, err := s.Get([]byte("missing"))
	require.NoError(err, "Get(missing)")
	require.NotNil(value, "missing key must yield an empty value")
	require.Len(value, 0)

	err = s.Set([]byte("key"), []byte("value"))
	require.NoError(err, "Set")

	value, err = s.Get([]byte("key"))
	require.NoError(err, "Get")
	require.Equal([]byte("value"), value)

	err = s.Set([]byte("key"), []byte("other value"))
	require.NoError(err, "Set(overwrite)")

	value, err = s.Get([]byte("key"))
	require.NoError(err, "Get")
	require.Equal([]byte("other value"), value)

	_, err = s.Get(nil)
	require.Error(err, "Get with an empty key should fail")
	err = s.Set(nil, []byte("value"))
	require.Error(err, "Set with an empty key should fail")
}

func TestLocalStorageBadger(t *testing.T) {
	s, err := New(&Config{
		Backend: BackendBadger,
		DataDir: t.TempDir(),
	})
	require.NoError(t, err, "New")
	defer s.Stop()

	testLocalStorage(t, s)
}

func TestLocalStorageUnsupportedBackend(t *testing.T) {
	_, err := New(&Config{Backend: "floppy"})
	require.Error(t, err, "New with an unsupported backend should fail")
}

type fakeRedisClient struct {
	sync.Mutex

	values map[string]string
	closed bool
}

func (c *fakeRedisClient) Get(key string) *redis.StringCmd {
	c.Lock()
	defer c.Unlock()

	v, ok := c.values[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (c *fakeRedisClient) Set(key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	c.Lock()
	defer c.Unlock()

	b, ok := value.([]byte)
	if !ok {
		return redis.NewStatusResult("", errors.New("unexpected value type"))
	}
	c.values[key] = string(b)
	return redis.NewStatusResult("OK", nil)
}

func (c *fakeRedisClient) Close() error {
	c.closed = true
	return nil
}

func TestLocalStorageRedisClient(t *testing.T) {
	client := &fakeRedisClient{values: make(map[string]string)}
	s := newRedisWithClient(client)

	testLocalStorage(t, s)

	require.Contains(t, client.values, redisKeyPrefix+"key", "keys should be namespaced")

	s.Stop()
	require.True(t, client.closed, "Stop should close the client")
}

func TestLocalStorageRedis(t *testing.T) {
	addr := os.Getenv("ENCLAVE_WORKER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ENCLAVE_WORKER_TEST_REDIS_ADDR not set")
	}

	s, err := New(&Config{
		Backend:   BackendRedis,
		RedisAddr: addr,
	})
	require.NoError(t, err, "New")
	defer s.Stop()

	testLocalStorage(t, s)
}
