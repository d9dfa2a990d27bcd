package worker

import (
	"context"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
)

// BatchResult is the result of executing a batch of calls.
type BatchResult struct {
	// Outputs are the call outputs, one per input call.
	Outputs transaction.OutputBatch
	// StorageInserts are the durable writes performed by the batch.
	StorageInserts []storage.Insert
	// Tags are the indexable tags emitted by the batch.
	Tags []protocol.Tag
}

// RPCResult is the result of an opaque RPC call.
type RPCResult struct {
	// Response is the opaque response.
	Response []byte
	// StorageInserts are the durable writes performed by the call.
	StorageInserts []storage.Insert
}

// Runtime executes transactions on behalf of the worker.
//
// Calls are never made concurrently. The context is canceled when the
// computation is aborted.
type Runtime interface {
	// ExecuteBatch executes the calls on top of the given block.
	ExecuteBatch(ctx context.Context, host HostClient, blk *block.Block, calls transaction.CallBatch) (*BatchResult, error)

	// CallRPC performs an opaque RPC call bound to the given state root.
	CallRPC(ctx context.Context, host HostClient, stateRoot hash.Hash, request []byte) (*RPCResult, error)
}
