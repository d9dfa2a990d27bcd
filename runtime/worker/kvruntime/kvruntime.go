// Package kvruntime implements a simple key/value runtime.
//
// The runtime stores values in content-addressed host storage, keeps
// per-node values in host local storage and can forward calls to host RPC
// endpoints. It is used by the enclave-worker command and in tests.
package kvruntime

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/logging"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	"github.com/oasisprotocol/enclave-worker/runtime/worker"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
)

const (
	// MethodInsert stores a value and returns its key.
	MethodInsert = "insert"
	// MethodGet returns the value stored under a key.
	MethodGet = "get"
	// MethodGetBatch returns the values stored under multiple keys.
	MethodGetBatch = "get_batch"
	// MethodLocalGet returns a node-local value.
	MethodLocalGet = "local_get"
	// MethodLocalSet sets a node-local value.
	MethodLocalSet = "local_set"
	// MethodHostCall forwards the value to a host RPC endpoint.
	MethodHostCall = "host_call"

	// DefaultValueTTL is the default number of rounds inserted values live.
	DefaultValueTTL = 100
)

var (
	// TagKeyInsert is the key of the tag emitted for every insert.
	TagKeyInsert = []byte("kv_insert")
	// TagKeyRound is the key of the block tag carrying the round.
	TagKeyRound = []byte("kv_round")

	_ worker.Runtime = (*Runtime)(nil)
)

// Call is a key/value runtime call.
type Call struct {
	Method   string      `json:"method"`
	Key      []byte      `json:"key,omitempty"`
	Keys     []hash.Hash `json:"keys,omitempty"`
	Value    []byte      `json:"value,omitempty"`
	Endpoint string      `json:"endpoint,omitempty"`
}

// Output is a key/value runtime call output.
type Output struct {
	Result  []byte   `json:"result,omitempty"`
	Results [][]byte `json:"results,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// Runtime is the key/value runtime.
type Runtime struct {
	logger *logging.Logger

	valueTTL uint64
}

type execution struct {
	host    worker.HostClient
	expiry  uint64
	pending map[hash.Hash][]byte
	inserts []storage.Insert
}

func (e *execution) insert(value []byte) hash.Hash {
	ins := storage.Insert{Value: cbor.FixSliceForSerde(value), Expiry: e.expiry}
	key := ins.Key()
	e.inserts = append(e.inserts, ins)
	e.pending[key] = ins.Value
	return key
}

// isCallError returns true if the error should be reported in the call
// output instead of failing the whole computation.
func isCallError(err error) bool {
	var remoteErr *protocol.RemoteError
	return errors.As(err, &remoteErr)
}

func (e *execution) execute(ctx context.Context, raw []byte) (*Output, error) {
	var call Call
	if err := cbor.Unmarshal(raw, &call); err != nil {
		return &Output{Error: fmt.Sprintf("kvruntime: malformed call: %s", err)}, nil
	}

	switch call.Method {
	case MethodInsert:
		key := e.insert(call.Value)
		return &Output{Result: key[:]}, nil
	case MethodGet:
		var key hash.Hash
		if err := key.UnmarshalBinary(call.Key); err != nil {
			return &Output{Error: fmt.Sprintf("kvruntime: malformed key: %s", err)}, nil
		}
		if value, ok := e.pending[key]; ok {
			return &Output{Result: value}, nil
		}
		value, err := e.host.StorageGet(ctx, key)
		switch {
		case err == nil:
			return &Output{Result: value}, nil
		case isCallError(err):
			return &Output{Error: err.Error()}, nil
		default:
			return nil, err
		}
	case MethodGetBatch:
		values, err := e.host.StorageGetBatch(ctx, call.Keys)
		switch {
		case err == nil:
		case isCallError(err):
			return &Output{Error: err.Error()}, nil
		default:
			return nil, err
		}
		for i, key := range call.Keys {
			if value, ok := e.pending[key]; ok {
				values[i] = value
			}
		}
		return &Output{Results: values}, nil
	case MethodLocalGet:
		value, err := e.host.LocalStorageGet(ctx, call.Key)
		switch {
		case err == nil:
			return &Output{Result: value}, nil
		case isCallError(err):
			return &Output{Error: err.Error()}, nil
		default:
			return nil, err
		}
	case MethodLocalSet:
		err := e.host.LocalStorageSet(ctx, call.Key, call.Value)
		switch {
		case err == nil:
			return &Output{}, nil
		case isCallError(err):
			return &Output{Error: err.Error()}, nil
		default:
			return nil, err
		}
	case MethodHostCall:
		response, err := e.host.CallRPC(ctx, call.Endpoint, call.Value)
		switch {
		case err == nil:
			return &Output{Result: response}, nil
		case isCallError(err):
			return &Output{Error: err.Error()}, nil
		default:
			return nil, err
		}
	default:
		return &Output{Error: fmt.Sprintf("kvruntime: unknown method: '%s'", call.Method)}, nil
	}
}

// ExecuteBatch implements worker.Runtime.
func (r *Runtime) ExecuteBatch(ctx context.Context, host worker.HostClient, blk *block.Block, calls transaction.CallBatch) (*worker.BatchResult, error) {
	exec := &execution{
		host:    host,
		expiry:  blk.Header.Round + r.valueTTL,
		pending: make(map[hash.Hash][]byte),
	}

	var round [8]byte
	binary.BigEndian.PutUint64(round[:], blk.Header.Round)

	res := &worker.BatchResult{
		Outputs: transaction.OutputBatch{},
		Tags: []protocol.Tag{
			{TxnIndex: protocol.TagTxnIndexBlock, Key: TagKeyRound, Value: round[:]},
		},
	}
	for idx, raw := range calls {
		nInserts := len(exec.inserts)

		out, err := exec.execute(ctx, raw)
		if err != nil {
			r.logger.Debug("batch execution failed",
				"err", err,
				"round", blk.Header.Round,
				"call", idx,
			)
			return nil, err
		}
		res.Outputs = append(res.Outputs, cbor.Marshal(out))

		for _, ins := range exec.inserts[nInserts:] {
			key := ins.Key()
			res.Tags = append(res.Tags, protocol.Tag{
				TxnIndex: int32(idx),
				Key:      TagKeyInsert,
				Value:    key[:],
			})
		}
	}
	res.StorageInserts = exec.inserts

	return res, nil
}

// CallRPC implements worker.Runtime.
//
// The request is a single Call executed against the given state root.
func (r *Runtime) CallRPC(ctx context.Context, host worker.HostClient, stateRoot hash.Hash, request []byte) (*worker.RPCResult, error) {
	exec := &execution{
		host:    host,
		expiry:  r.valueTTL,
		pending: make(map[hash.Hash][]byte),
	}

	out, err := exec.execute(ctx, request)
	if err != nil {
		return nil, err
	}

	return &worker.RPCResult{
		Response:       cbor.Marshal(out),
		StorageInserts: exec.inserts,
	}, nil
}

// New creates a new key/value runtime. Inserted values expire valueTTL
// rounds after the round they were inserted in.
func New(valueTTL uint64) *Runtime {
	if valueTTL == 0 {
		valueTTL = DefaultValueTTL
	}
	return &Runtime{
		logger:   logging.GetLogger("runtime/worker/kvruntime"),
		valueTTL: valueTTL,
	}
}
