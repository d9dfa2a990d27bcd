package kvruntime

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	"github.com/oasisprotocol/enclave-worker/runtime/worker"
)

type testHost struct {
	storage map[hash.Hash][]byte
	local   map[string][]byte

	failConn bool
}

func (h *testHost) StorageGet(ctx context.Context, key hash.Hash) ([]byte, error) {
	if h.failConn {
		return nil, protocol.ErrConnectionClosed
	}
	value, ok := h.storage[key]
	if !ok {
		return nil, &protocol.RemoteError{Message: "storage: key not found"}
	}
	return value, nil
}

func (h *testHost) StorageGetBatch(ctx context.Context, keys []hash.Hash) ([][]byte, error) {
	values := make([][]byte, 0, len(keys))
	for _, key := range keys {
		values = append(values, h.storage[key])
	}
	return values, nil
}

func (h *testHost) LocalStorageGet(ctx context.Context, key []byte) ([]byte, error) {
	return h.local[string(key)], nil
}

func (h *testHost) LocalStorageSet(ctx context.Context, key, value []byte) error {
	h.local[string(key)] = value
	return nil
}

func (h *testHost) CallRPC(ctx context.Context, endpoint string, request []byte) ([]byte, error) {
	if endpoint != "echo" {
		return nil, &protocol.RemoteError{Message: fmt.Sprintf("unknown endpoint %s", endpoint)}
	}
	return request, nil
}

func newTestHost() *testHost {
	return &testHost{
		storage: make(map[hash.Hash][]byte),
		local:   make(map[string][]byte),
	}
}

func encodeCalls(calls ...*Call) transaction.CallBatch {
	batch := transaction.CallBatch{}
	for _, call := range calls {
		batch = append(batch, cbor.Marshal(call))
	}
	return batch
}

func decodeOutput(t *testing.T, raw []byte) *Output {
	var out Output
	require.NoError(t, cbor.Unmarshal(raw, &out), "output must decode")
	return &out
}

func testBlock(round uint64) *block.Block {
	var blk block.Block
	blk.Header.Round = round
	return &blk
}

func TestExecuteBatchInsertGet(t *testing.T) {
	require := require.New(t)

	host := newTestHost()
	stored := []byte("stored before")
	storedKey := hash.NewFromBytes(stored)
	host.storage[storedKey] = stored

	insertedKey := hash.NewFromBytes([]byte("hello"))
	missingKey := hash.NewFromBytes([]byte("missing"))

	rt := New(10)
	res, err := rt.ExecuteBatch(context.Background(), host, testBlock(5), encodeCalls(
		&Call{Method: MethodInsert, Value: []byte("hello")},
		&Call{Method: MethodGet, Key: insertedKey[:]},
		&Call{Method: MethodGet, Key: storedKey[:]},
		&Call{Method: MethodGet, Key: missingKey[:]},
		&Call{Method: MethodGetBatch, Keys: []hash.Hash{storedKey, missingKey, insertedKey}},
		&Call{Method: "transfer"},
	))
	require.NoError(err, "ExecuteBatch")
	require.Len(res.Outputs, 6, "one output per call")

	require.EqualValues(insertedKey[:], decodeOutput(t, res.Outputs[0]).Result, "insert returns the key")
	require.EqualValues([]byte("hello"), decodeOutput(t, res.Outputs[1]).Result, "batch reads its own writes")
	require.EqualValues(stored, decodeOutput(t, res.Outputs[2]).Result, "get reads host storage")
	require.Equal("storage: key not found", decodeOutput(t, res.Outputs[3]).Error, "missing key is a call error")

	batchOut := decodeOutput(t, res.Outputs[4])
	require.Len(batchOut.Results, 3, "get batch returns all entries")
	require.EqualValues(stored, batchOut.Results[0])
	require.Nil(batchOut.Results[1], "missing entry must be nil")
	require.EqualValues([]byte("hello"), batchOut.Results[2])

	require.Contains(decodeOutput(t, res.Outputs[5]).Error, "unknown method", "unknown method is a call error")

	require.Len(res.StorageInserts, 1, "one insert")
	require.EqualValues(15, res.StorageInserts[0].Expiry, "expiry is round plus TTL")

	require.Len(res.Tags, 2, "block tag and insert tag")
	require.True(res.Tags[0].IsBlockTag(), "first tag refers to the block")
	require.EqualValues(TagKeyRound, res.Tags[0].Key)
	require.EqualValues(0, res.Tags[1].TxnIndex, "insert tag refers to the inserting call")
	require.EqualValues(insertedKey[:], res.Tags[1].Value)
}

func TestExecuteBatchEmpty(t *testing.T) {
	require := require.New(t)

	res, err := New(0).ExecuteBatch(context.Background(), newTestHost(), testBlock(1), transaction.CallBatch{})
	require.NoError(err, "ExecuteBatch")
	require.Empty(res.Outputs, "no outputs")
	require.Empty(res.StorageInserts, "no inserts")
	require.Len(res.Tags, 1, "only the block tag")
}

func TestExecuteBatchLocalAndHostCall(t *testing.T) {
	require := require.New(t)

	host := newTestHost()
	rt := New(0)
	res, err := rt.ExecuteBatch(context.Background(), host, testBlock(1), encodeCalls(
		&Call{Method: MethodLocalSet, Key: []byte("k"), Value: []byte("v")},
		&Call{Method: MethodLocalGet, Key: []byte("k")},
		&Call{Method: MethodHostCall, Endpoint: "echo", Value: []byte("ping")},
		&Call{Method: MethodHostCall, Endpoint: "nope", Value: []byte("ping")},
	))
	require.NoError(err, "ExecuteBatch")

	require.Empty(decodeOutput(t, res.Outputs[0]).Error, "local set succeeds")
	require.EqualValues([]byte("v"), host.local["k"], "local value stored on the host")
	require.EqualValues([]byte("v"), decodeOutput(t, res.Outputs[1]).Result, "local get")
	require.EqualValues([]byte("ping"), decodeOutput(t, res.Outputs[2]).Result, "host call")
	require.Contains(decodeOutput(t, res.Outputs[3]).Error, "unknown endpoint", "host call error")
}

func TestExecuteBatchMalformedCall(t *testing.T) {
	require := require.New(t)

	res, err := New(0).ExecuteBatch(context.Background(), newTestHost(), testBlock(1), transaction.CallBatch{[]byte("garbage")})
	require.NoError(err, "malformed calls must not fail the batch")
	require.Contains(decodeOutput(t, res.Outputs[0]).Error, "malformed call")
}

func TestExecuteBatchConnectionFailure(t *testing.T) {
	require := require.New(t)

	host := newTestHost()
	host.failConn = true
	key := hash.NewFromBytes([]byte("x"))

	_, err := New(0).ExecuteBatch(context.Background(), host, testBlock(1), encodeCalls(
		&Call{Method: MethodGet, Key: key[:]},
	))
	require.ErrorIs(err, protocol.ErrConnectionClosed, "transport failures must fail the batch")
}

func TestCallRPC(t *testing.T) {
	require := require.New(t)

	rt := New(7)
	var stateRoot hash.Hash
	stateRoot.Empty()

	res, err := rt.CallRPC(context.Background(), newTestHost(), stateRoot, cbor.Marshal(&Call{
		Method: MethodInsert,
		Value:  []byte("rpc"),
	}))
	require.NoError(err, "CallRPC")
	require.Len(res.StorageInserts, 1, "RPC insert")
	require.EqualValues(7, res.StorageInserts[0].Expiry)

	key := hash.NewFromBytes([]byte("rpc"))
	var out Output
	require.NoError(cbor.Unmarshal(res.Response, &out))
	require.EqualValues(key[:], out.Result)
}

var _ worker.HostClient = (*testHost)(nil)
