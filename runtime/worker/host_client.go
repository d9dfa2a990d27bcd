package worker

import (
	"context"
	"fmt"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
)

// HostClient is the interface a runtime uses to issue nested calls to the
// host while a computation is in progress.
type HostClient interface {
	// StorageGet fetches a value from host storage.
	StorageGet(ctx context.Context, key hash.Hash) ([]byte, error)

	// StorageGetBatch fetches multiple values from host storage. Missing
	// values are reported as nil entries.
	StorageGetBatch(ctx context.Context, keys []hash.Hash) ([][]byte, error)

	// LocalStorageGet fetches a value from the host's node-local storage.
	LocalStorageGet(ctx context.Context, key []byte) ([]byte, error)

	// LocalStorageSet stores a value in the host's node-local storage.
	LocalStorageSet(ctx context.Context, key, value []byte) error

	// CallRPC forwards an opaque call to a named host endpoint.
	CallRPC(ctx context.Context, endpoint string, request []byte) ([]byte, error)
}

type hostClient struct {
	conn protocol.Connection
	task *task
}

func (h *hostClient) call(ctx context.Context, body *protocol.Body) (*protocol.Body, error) {
	// Nested calls are abort safe points.
	if h.task.isAborted() {
		return nil, ErrAborted
	}
	rsp, err := h.conn.Call(ctx, body)
	if h.task.isAborted() {
		return nil, ErrAborted
	}
	return rsp, err
}

func (h *hostClient) StorageGet(ctx context.Context, key hash.Hash) ([]byte, error) {
	rsp, err := h.call(ctx, &protocol.Body{HostStorageGetRequest: &protocol.HostStorageGetRequest{
		Key: key,
	}})
	if err != nil {
		return nil, err
	}
	if rsp.HostStorageGetResponse == nil {
		return nil, fmt.Errorf("%w to HostStorageGetRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	return rsp.HostStorageGetResponse.Value, nil
}

func (h *hostClient) StorageGetBatch(ctx context.Context, keys []hash.Hash) ([][]byte, error) {
	if keys == nil {
		keys = []hash.Hash{}
	}
	rsp, err := h.call(ctx, &protocol.Body{HostStorageGetBatchRequest: &protocol.HostStorageGetBatchRequest{
		Keys: keys,
	}})
	if err != nil {
		return nil, err
	}
	if rsp.HostStorageGetBatchResponse == nil {
		return nil, fmt.Errorf("%w to HostStorageGetBatchRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	values := rsp.HostStorageGetBatchResponse.Values
	if len(values) != len(keys) {
		return nil, fmt.Errorf("%w: requested %d keys, got %d values", protocol.ErrUnexpectedResponse, len(keys), len(values))
	}
	return values, nil
}

func (h *hostClient) LocalStorageGet(ctx context.Context, key []byte) ([]byte, error) {
	rsp, err := h.call(ctx, &protocol.Body{HostLocalStorageGetRequest: &protocol.HostLocalStorageGetRequest{
		Key: key,
	}})
	if err != nil {
		return nil, err
	}
	if rsp.HostLocalStorageGetResponse == nil {
		return nil, fmt.Errorf("%w to HostLocalStorageGetRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	return rsp.HostLocalStorageGetResponse.Value, nil
}

func (h *hostClient) LocalStorageSet(ctx context.Context, key, value []byte) error {
	rsp, err := h.call(ctx, &protocol.Body{HostLocalStorageSetRequest: &protocol.HostLocalStorageSetRequest{
		Key:   key,
		Value: value,
	}})
	if err != nil {
		return err
	}
	if rsp.HostLocalStorageSetResponse == nil {
		return fmt.Errorf("%w to HostLocalStorageSetRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	return nil
}

func (h *hostClient) CallRPC(ctx context.Context, endpoint string, request []byte) ([]byte, error) {
	rsp, err := h.call(ctx, &protocol.Body{HostRPCCallRequest: &protocol.HostRPCCallRequest{
		Endpoint: endpoint,
		Request:  request,
	}})
	if err != nil {
		return nil, err
	}
	if rsp.HostRPCCallResponse == nil {
		return nil, fmt.Errorf("%w to HostRPCCallRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	return rsp.HostRPCCallResponse.Response, nil
}
