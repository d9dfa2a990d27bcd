// Package host implements the host side of the worker host protocol.
package host

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/crypto/signature"
	"github.com/oasisprotocol/enclave-worker/common/errors"
	"github.com/oasisprotocol/enclave-worker/common/service"
	"github.com/oasisprotocol/enclave-worker/common/sgx/ias"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
	"github.com/oasisprotocol/enclave-worker/runtime/localstorage"
	"github.com/oasisprotocol/enclave-worker/runtime/tee"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
)

const (
	moduleName = "host"

	// workerStartTimeout is the time the worker has to answer the initial ping.
	workerStartTimeout = 5 * time.Second
	// workerInterruptTimeout is the time the worker has to acknowledge an abort.
	workerInterruptTimeout = 1 * time.Second
	// workerRAKTimeout is the time the RAK handshake may take.
	workerRAKTimeout = 60 * time.Second
)

var (
	// ErrNoStorage is the error returned for storage requests when the host
	// has no storage backend.
	ErrNoStorage = errors.New(moduleName, 1, "host: storage not available")

	// ErrNoLocalStorage is the error returned for local storage requests
	// when the host has no local storage.
	ErrNoLocalStorage = errors.New(moduleName, 2, "host: local storage not available")

	// ErrUnknownEndpoint is the error returned for RPC calls to an endpoint
	// the host does not know about.
	ErrUnknownEndpoint = errors.New(moduleName, 3, "host: unknown RPC endpoint")

	// ErrUnsupportedMethod is the error returned for requests the host does
	// not implement.
	ErrUnsupportedMethod = errors.New(moduleName, 4, "host: unsupported method")

	// ErrInvalidBatch is the error returned when a computed batch fails
	// verification.
	ErrInvalidBatch = errors.New(moduleName, 5, "host: invalid computed batch")

	// ErrInterruptFailed is the error returned when the worker fails to
	// acknowledge an abort in time.
	ErrInterruptFailed = errors.New(moduleName, 6, "host: worker failed to acknowledge abort")

	// ErrNoAttestationService is the error returned when initializing the
	// TEE capability without an attestation service.
	ErrNoAttestationService = errors.New(moduleName, 7, "host: attestation service not configured")

	// ErrRAKMismatch is the error returned when the attested report does not
	// bind the RAK claimed by the worker.
	ErrRAKMismatch = errors.New(moduleName, 8, "host: RAK not bound by attested report")

	_ protocol.Handler          = (*Host)(nil)
	_ service.BackgroundService = (*Host)(nil)
)

// RPCEndpoint is an endpoint the worker can reach through the host.
type RPCEndpoint interface {
	// CallRPC performs an opaque call.
	CallRPC(ctx context.Context, request []byte) ([]byte, error)
}

// RPCEndpointFunc is a function implementing RPCEndpoint.
type RPCEndpointFunc func(ctx context.Context, request []byte) ([]byte, error)

// CallRPC implements RPCEndpoint.
func (f RPCEndpointFunc) CallRPC(ctx context.Context, request []byte) ([]byte, error) {
	return f(ctx, request)
}

// CapabilityTEE is the attested TEE capability of a worker.
type CapabilityTEE struct {
	// RAK is the attested runtime attestation key.
	RAK signature.PublicKey `json:"rak"`
	// AVR is the attestation verification report binding the RAK.
	AVR ias.AVRBundle `json:"avr"`
}

// Config is the host configuration.
type Config struct {
	// Conn is the connection to the worker.
	Conn net.Conn
	// Storage is the content-addressed storage backend.
	Storage storage.Backend
	// LocalStorage is the node-local storage.
	LocalStorage localstorage.LocalStorage
	// Endpoints are the RPC endpoints the worker may call.
	Endpoints map[string]RPCEndpoint
	// AttestationService is the service vouching for worker reports.
	AttestationService tee.AttestationService
}

// Host is the host side of the worker host protocol.
type Host struct { // nolint: maligned
	*service.BaseBackgroundService

	sync.RWMutex

	cfg  Config
	conn protocol.Connection

	capabilityTEE *CapabilityTEE

	started  bool
	stopOnce sync.Once
}

// Start connects to the worker and makes sure it is responsive.
func (h *Host) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), workerStartTimeout)
	defer cancel()

	h.Lock()
	h.started = true
	h.Unlock()

	if err := h.conn.InitHost(ctx, h.cfg.Conn); err != nil {
		h.conn.Close()
		return fmt.Errorf("host: failed to connect to worker: %w", err)
	}

	go func() {
		<-h.conn.Closed()
		if err := h.conn.Err(); err != nil {
			h.Logger.Error("worker connection terminated, worker must be restarted",
				"err", err,
			)
		} else {
			h.Logger.Info("worker connection closed")
		}
		h.Stop()
	}()

	h.Logger.Info("connected to worker")

	return nil
}

// Stop halts the host.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		h.RLock()
		started := h.started
		h.RUnlock()

		if started {
			go h.conn.Close()
			<-h.conn.Closed()
		}
		h.BaseBackgroundService.Stop()
	})
}

// Cleanup releases the storage collaborators.
func (h *Host) Cleanup() {
	if h.cfg.Storage != nil {
		h.cfg.Storage.Cleanup()
	}
	if h.cfg.LocalStorage != nil {
		h.cfg.LocalStorage.Stop()
	}
}

// Handle implements protocol.Handler.
func (h *Host) Handle(ctx context.Context, body *protocol.Body) (*protocol.Body, error) {
	switch {
	case body.HostStorageGetRequest != nil:
		if h.cfg.Storage == nil {
			return nil, ErrNoStorage
		}
		value, err := h.cfg.Storage.Get(ctx, body.HostStorageGetRequest.Key)
		if err != nil {
			return nil, err
		}
		return &protocol.Body{HostStorageGetResponse: &protocol.HostStorageGetResponse{
			Value: cbor.FixSliceForSerde(value),
		}}, nil
	case body.HostStorageGetBatchRequest != nil:
		if h.cfg.Storage == nil {
			return nil, ErrNoStorage
		}
		values, err := h.cfg.Storage.GetBatch(ctx, body.HostStorageGetBatchRequest.Keys)
		if err != nil {
			return nil, err
		}
		if values == nil {
			values = [][]byte{}
		}
		return &protocol.Body{HostStorageGetBatchResponse: &protocol.HostStorageGetBatchResponse{
			Values: values,
		}}, nil
	case body.HostLocalStorageGetRequest != nil:
		if h.cfg.LocalStorage == nil {
			return nil, ErrNoLocalStorage
		}
		value, err := h.cfg.LocalStorage.Get(body.HostLocalStorageGetRequest.Key)
		if err != nil {
			return nil, err
		}
		return &protocol.Body{HostLocalStorageGetResponse: &protocol.HostLocalStorageGetResponse{
			Value: value,
		}}, nil
	case body.HostLocalStorageSetRequest != nil:
		if h.cfg.LocalStorage == nil {
			return nil, ErrNoLocalStorage
		}
		rq := body.HostLocalStorageSetRequest
		if err := h.cfg.LocalStorage.Set(rq.Key, rq.Value); err != nil {
			return nil, err
		}
		return &protocol.Body{HostLocalStorageSetResponse: &protocol.Empty{}}, nil
	case body.HostRPCCallRequest != nil:
		rq := body.HostRPCCallRequest
		endpoint, ok := h.cfg.Endpoints[rq.Endpoint]
		if !ok {
			h.Logger.Warn("worker called unknown endpoint",
				"endpoint", rq.Endpoint,
			)
			return nil, ErrUnknownEndpoint
		}
		response, err := endpoint.CallRPC(ctx, rq.Request)
		if err != nil {
			return nil, err
		}
		return &protocol.Body{HostRPCCallResponse: &protocol.HostRPCCallResponse{
			Response: cbor.FixSliceForSerde(response),
		}}, nil
	default:
		h.Logger.Warn("received unsupported request",
			"type", body.Type(),
		)
		return nil, ErrUnsupportedMethod
	}
}

// Ping checks that the worker is responsive.
func (h *Host) Ping(ctx context.Context) error {
	rsp, err := h.conn.Call(ctx, &protocol.Body{WorkerPingRequest: &protocol.Empty{}})
	if err != nil {
		return err
	}
	if rsp.Empty == nil {
		return fmt.Errorf("%w to WorkerPingRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	return nil
}

// Shutdown asks the worker to terminate. No response is expected.
func (h *Host) Shutdown(ctx context.Context) error {
	h.Logger.Info("requesting worker shutdown")
	return h.conn.Notify(ctx, &protocol.Body{WorkerShutdownRequest: &protocol.Empty{}})
}

// InterruptWorker aborts any computation in progress on the worker.
//
// If the worker does not acknowledge the abort in time it must be
// considered unusable.
func (h *Host) InterruptWorker(ctx context.Context) error {
	h.Logger.Warn("interrupting worker")

	ictx, cancel := context.WithTimeout(ctx, workerInterruptTimeout)
	defer cancel()

	rsp, err := h.conn.Call(ictx, &protocol.Body{WorkerAbortRequest: &protocol.Empty{}})
	if err == nil && rsp.WorkerAbortResponse != nil {
		// Successful response, assume worker is done.
		return nil
	}

	h.Logger.Error("graceful interrupt failed",
		"err", err,
	)
	return ErrInterruptFailed
}

// InitCapabilityTEE performs the RAK handshake with the worker and returns
// the attested TEE capability.
func (h *Host) InitCapabilityTEE(ctx context.Context, targetInfo []byte) (*CapabilityTEE, error) {
	if h.cfg.AttestationService == nil {
		return nil, ErrNoAttestationService
	}

	ctx, cancel := context.WithTimeout(ctx, workerRAKTimeout)
	defer cancel()

	rsp, err := h.conn.Call(ctx, &protocol.Body{
		WorkerCapabilityTEERakReportRequest: &protocol.WorkerCapabilityTEERakReportRequest{
			TargetInfo: cbor.FixSliceForSerde(targetInfo),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("host: error while requesting worker report and public RAK: %w", err)
	}
	report := rsp.WorkerCapabilityTEERakReportResponse
	if report == nil {
		return nil, fmt.Errorf("%w to WorkerCapabilityTEERakReportRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}

	verified, err := h.cfg.AttestationService.VerifyReport(ctx, report.Report, report.Nonce)
	if err != nil {
		return nil, fmt.Errorf("host: error while verifying worker report: %w", err)
	}
	if !bytes.Equal(verified.ReportData, tee.RAKReportData(report.RakPub)) {
		h.Logger.Error("worker report does not bind its RAK",
			"rak", report.RakPub,
		)
		return nil, ErrRAKMismatch
	}
	avr := verified.AVR

	rsp, err = h.conn.Call(ctx, &protocol.Body{
		WorkerCapabilityTEERakAvrRequest: &protocol.WorkerCapabilityTEERakAvrRequest{
			AVR: *avr,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("host: error while configuring AVR: %w", err)
	}
	if rsp.WorkerCapabilityTEERakAvrResponse == nil {
		return nil, fmt.Errorf("%w to WorkerCapabilityTEERakAvrRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}

	capabilityTEE := &CapabilityTEE{
		RAK: report.RakPub,
		AVR: *avr,
	}

	h.Lock()
	h.capabilityTEE = capabilityTEE
	h.Unlock()

	h.Logger.Info("worker TEE capability initialized",
		"rak", report.RakPub,
	)

	return capabilityTEE, nil
}

// CapabilityTEE returns the attested TEE capability of the worker, if any.
func (h *Host) CapabilityTEE() *CapabilityTEE {
	h.RLock()
	defer h.RUnlock()
	return h.capabilityTEE
}

// CallRPC performs an opaque RPC call on the worker bound to the given
// state root. Storage inserts performed by the call are persisted.
func (h *Host) CallRPC(ctx context.Context, stateRoot hash.Hash, request []byte) ([]byte, error) {
	rsp, err := h.conn.Call(ctx, &protocol.Body{WorkerRPCCallRequest: &protocol.WorkerRPCCallRequest{
		Request:   cbor.FixSliceForSerde(request),
		StateRoot: stateRoot,
	}})
	if err != nil {
		return nil, err
	}
	res := rsp.WorkerRPCCallResponse
	if res == nil {
		return nil, fmt.Errorf("%w to WorkerRPCCallRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}

	if expected := storage.ApplyInserts(stateRoot, res.StorageInserts); !expected.Equal(&res.NewStateRoot) {
		return nil, fmt.Errorf("%w: state root mismatch (expected: %s got: %s)", ErrInvalidBatch, expected, res.NewStateRoot)
	}
	if len(res.StorageInserts) > 0 {
		if h.cfg.Storage == nil {
			return nil, ErrNoStorage
		}
		if err = h.cfg.Storage.Apply(ctx, res.NewStateRoot, res.StorageInserts); err != nil {
			return nil, err
		}
	}

	return res.Response, nil
}

// ExecuteBatch executes the calls on the worker on top of the given block
// and verifies the computed batch.
//
// When the worker has an attested TEE capability the batch must carry a
// valid RAK signature.
func (h *Host) ExecuteBatch(ctx context.Context, blk *block.Block, calls transaction.CallBatch) (*protocol.ComputedBatch, error) {
	if calls == nil {
		calls = transaction.CallBatch{}
	}
	rsp, err := h.conn.Call(ctx, &protocol.Body{WorkerRuntimeCallBatchRequest: &protocol.WorkerRuntimeCallBatchRequest{
		Calls: calls,
		Block: *blk,
	}})
	if err != nil {
		return nil, err
	}
	if rsp.WorkerRuntimeCallBatchResponse == nil {
		return nil, fmt.Errorf("%w to WorkerRuntimeCallBatchRequest: %s", protocol.ErrUnexpectedResponse, rsp.Type())
	}
	batch := &rsp.WorkerRuntimeCallBatchResponse.Batch

	if err = h.verifyBatch(blk, calls, batch); err != nil {
		h.Logger.Error("worker returned an invalid batch",
			"err", err,
			"round", blk.Header.Round,
		)
		return nil, err
	}

	return batch, nil
}

func (h *Host) verifyBatch(blk *block.Block, calls transaction.CallBatch, batch *protocol.ComputedBatch) error {
	var result *multierror.Error

	if len(batch.Outputs) != len(calls) {
		result = multierror.Append(result, fmt.Errorf("expected %d outputs, got %d", len(calls), len(batch.Outputs)))
	}
	if expected := storage.ApplyInserts(blk.Header.StateRoot, batch.StorageInserts); !expected.Equal(&batch.NewStateRoot) {
		result = multierror.Append(result, fmt.Errorf("state root mismatch (expected: %s got: %s)", expected, batch.NewStateRoot))
	}
	for _, tag := range batch.Tags {
		if !tag.IsBlockTag() && int(tag.TxnIndex) >= len(calls) {
			result = multierror.Append(result, fmt.Errorf("tag refers to unknown transaction %d", tag.TxnIndex))
		}
	}
	if capabilityTEE := h.CapabilityTEE(); capabilityTEE != nil {
		if err := protocol.VerifyBatch(capabilityTEE.RAK, blk, calls, batch); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBatch, err)
	}
	return nil
}

// CommitBatch persists the storage inserts of an accepted batch and
// advances the committed state root.
func (h *Host) CommitBatch(ctx context.Context, batch *protocol.ComputedBatch) error {
	if h.cfg.Storage == nil {
		return ErrNoStorage
	}
	return h.cfg.Storage.Apply(ctx, batch.NewStateRoot, batch.StorageInserts)
}

// New creates a new host.
func New(cfg *Config) (*Host, error) {
	h := &Host{
		BaseBackgroundService: service.NewBaseBackgroundService("runtime/host"),
		cfg:                   *cfg,
	}

	var err error
	if h.conn, err = protocol.NewConnection(h.Logger, h); err != nil {
		return nil, err
	}

	return h, nil
}
