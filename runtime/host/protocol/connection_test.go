package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/common/errors"
	"github.com/oasisprotocol/enclave-worker/common/logging"
)

const recvTimeout = 5 * time.Second

type testHandler struct {
	sync.Mutex

	calls int
}

// Implements Handler.
func (h *testHandler) Handle(ctx context.Context, body *Body) (*Body, error) {
	// We need to handle WorkerPingRequest for initialization to complete.
	if body.WorkerPingRequest != nil {
		return &Body{Empty: &Empty{}}, nil
	}

	h.Lock()
	h.calls++
	h.Unlock()
	return body, nil
}

func (h *testHandler) getCalls() int {
	h.Lock()
	defer h.Unlock()
	return h.calls
}

type handlerFunc func(ctx context.Context, body *Body) (*Body, error)

// Implements Handler.
func (f handlerFunc) Handle(ctx context.Context, body *Body) (*Body, error) {
	return f(ctx, body)
}

func newConnectedPair(t *testing.T, handlerHost, handlerWorker Handler) (Connection, Connection) {
	require := require.New(t)
	logger := logging.GetLogger("protocol/test")

	connHost, connWorker := net.Pipe()
	protoHost, err := NewConnection(logger, handlerHost)
	require.NoError(err, "NewConnection(host)")
	protoWorker, err := NewConnection(logger, handlerWorker)
	require.NoError(err, "NewConnection(worker)")

	err = protoWorker.InitGuest(connWorker)
	require.NoError(err, "InitGuest")
	err = protoHost.InitHost(context.Background(), connHost)
	require.NoError(err, "InitHost")

	t.Cleanup(func() {
		protoHost.Close()
		protoWorker.Close()
	})

	return protoHost, protoWorker
}

func TestClose(t *testing.T) {
	require := require.New(t)

	logger := logging.GetLogger("protocol/test")
	protoA, err := NewConnection(logger, &testHandler{})
	require.NoError(err, "NewConnection")

	_, err = protoA.Call(context.Background(), &Body{Empty: &Empty{}})
	require.ErrorIs(err, ErrNotReady, "Call before initialization should fail")
	require.NotPanics(func() { protoA.Close() })
}

func TestEchoRequestResponse(t *testing.T) {
	require := require.New(t)
	logger := logging.GetLogger("protocol/test")

	connA, connB := net.Pipe()
	handlerA := &testHandler{}
	protoA, err := NewConnection(logger, handlerA)
	require.NoError(err, "A.New()")
	handlerB := &testHandler{}
	protoB, err := NewConnection(logger, handlerB)
	require.NoError(err, "B.New()")

	err = protoA.InitGuest(connA)
	require.NoError(err, "A.InitGuest()")
	err = protoB.InitHost(context.Background(), connB)
	require.NoError(err, "B.InitHost()")

	require.Panics(func() { _ = protoA.InitHost(context.Background(), connA) }, "connection reinit should panic")
	require.Panics(func() { _ = protoA.InitGuest(connA) }, "connection reinit should panic")
	require.Panics(func() { _ = protoB.InitHost(context.Background(), connB) }, "connection reinit should panic")
	require.Panics(func() { _ = protoB.InitGuest(connB) }, "connection reinit should panic")

	reqA := Body{Empty: &Empty{}}
	respA, err := protoA.Call(context.Background(), &reqA)
	require.NoError(err, "A.Call()")
	require.EqualValues(&reqA, respA, "A.Call()")
	require.EqualValues(0, handlerA.getCalls(), "Handler A must not be called")
	require.EqualValues(1, handlerB.getCalls(), "Handler B must be called")

	reqB := Body{Empty: &Empty{}}
	respB, err := protoB.Call(context.Background(), &reqB)
	require.NoError(err, "B.Call()")
	require.EqualValues(&reqB, respB, "B.Call()")
	require.EqualValues(1, handlerA.getCalls(), "Handler A must be called")
	require.EqualValues(1, handlerB.getCalls(), "Handler B must not be called")

	_, err = protoA.Call(context.Background(), &Body{})
	require.Error(err, "A.Call() with an empty body must fail")

	protoA.Close()
	_, err = protoA.Call(context.Background(), &reqA)
	require.ErrorIs(err, ErrConnectionClosed, "A.Call() must error when connection is closed")

	protoB.Close()
	_, err = protoB.Call(context.Background(), &reqB)
	require.ErrorIs(err, ErrConnectionClosed, "B.Call() must error when connection is closed")

	require.NoError(protoA.Err(), "orderly close must not record an error")
}

func TestBigMessage(t *testing.T) {
	require := require.New(t)

	handlerA := &testHandler{}
	handlerB := &testHandler{}
	protoA, _ := newConnectedPair(t, handlerA, handlerB)

	rq := make([]byte, 2000000)
	reqA := Body{WorkerRPCCallRequest: &WorkerRPCCallRequest{Request: rq}}
	respA, err := protoA.Call(context.Background(), &reqA)
	require.NoError(err, "A.Call()")
	require.EqualValues(&reqA, respA, "A.Call()")
	require.EqualValues(0, handlerA.getCalls(), "Handler A must not be called")
	require.EqualValues(1, handlerB.getCalls(), "Handler B must be called")
}

func TestRemoteError(t *testing.T) {
	require := require.New(t)

	handlerWorker := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		if body.WorkerPingRequest != nil {
			return &Body{Empty: &Empty{}}, nil
		}
		return nil, fmt.Errorf("worker: no runtime loaded")
	})
	protoHost, _ := newConnectedPair(t, &testHandler{}, handlerWorker)

	_, err := protoHost.Call(context.Background(), &Body{WorkerRPCCallRequest: &WorkerRPCCallRequest{}})
	require.Error(err, "Call should fail")

	var remoteErr *RemoteError
	require.True(errors.As(err, &remoteErr), "error should be a remote error")
	require.Equal("worker: no runtime loaded", remoteErr.Message)
}

func TestNestedCall(t *testing.T) {
	require := require.New(t)

	value := []byte("stored value")
	key := hash.NewFromBytes(value)

	handlerHost := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		switch {
		case body.HostStorageGetRequest != nil:
			if !body.HostStorageGetRequest.Key.Equal(&key) {
				return nil, fmt.Errorf("storage: key not found")
			}
			return &Body{HostStorageGetResponse: &HostStorageGetResponse{Value: value}}, nil
		default:
			return nil, fmt.Errorf("unsupported method")
		}
	})

	var protoWorker Connection
	workerReady := make(chan struct{})
	handlerWorker := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		switch {
		case body.WorkerPingRequest != nil:
			return &Body{Empty: &Empty{}}, nil
		case body.WorkerRPCCallRequest != nil:
			<-workerReady

			// Issue two nested calls before answering the original request.
			rsp, err := protoWorker.Call(ctx, &Body{HostStorageGetRequest: &HostStorageGetRequest{Key: key}})
			if err != nil {
				return nil, err
			}
			_, err = protoWorker.Call(ctx, &Body{HostStorageGetRequest: &HostStorageGetRequest{}})
			if err == nil {
				return nil, fmt.Errorf("expected missing key")
			}
			return &Body{WorkerRPCCallResponse: &WorkerRPCCallResponse{
				Response: rsp.HostStorageGetResponse.Value,
			}}, nil
		default:
			return nil, fmt.Errorf("unsupported method")
		}
	})

	var protoHost Connection
	protoHost, protoWorker = newConnectedPair(t, handlerHost, handlerWorker)
	close(workerReady)

	rsp, err := protoHost.Call(context.Background(), &Body{WorkerRPCCallRequest: &WorkerRPCCallRequest{}})
	require.NoError(err, "Call")
	require.NotNil(rsp.WorkerRPCCallResponse, "response type")
	require.Equal(value, rsp.WorkerRPCCallResponse.Response, "nested call result should be returned")
}

func TestAbortDuringNestedCall(t *testing.T) {
	require := require.New(t)

	nestedPending := make(chan struct{})
	releaseNested := make(chan struct{})
	handlerHost := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		if body.HostStorageGetRequest == nil {
			return nil, fmt.Errorf("unsupported method")
		}
		close(nestedPending)
		<-releaseNested
		return &Body{HostStorageGetResponse: &HostStorageGetResponse{Value: []byte{}}}, nil
	})

	var protoWorker Connection
	workerReady := make(chan struct{})
	handlerWorker := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		switch {
		case body.WorkerPingRequest != nil:
			return &Body{Empty: &Empty{}}, nil
		case body.WorkerAbortRequest != nil:
			return &Body{WorkerAbortResponse: &Empty{}}, nil
		case body.WorkerRuntimeCallBatchRequest != nil:
			<-workerReady
			if _, err := protoWorker.Call(ctx, &Body{HostStorageGetRequest: &HostStorageGetRequest{}}); err != nil {
				return nil, err
			}
			return nil, fmt.Errorf("worker: computation aborted")
		default:
			return nil, fmt.Errorf("unsupported method")
		}
	})

	var protoHost Connection
	protoHost, protoWorker = newConnectedPair(t, handlerHost, handlerWorker)
	close(workerReady)

	batchErrCh := make(chan error, 1)
	go func() {
		_, err := protoHost.Call(context.Background(), &Body{WorkerRuntimeCallBatchRequest: &WorkerRuntimeCallBatchRequest{}})
		batchErrCh <- err
	}()

	select {
	case <-nestedPending:
	case <-time.After(recvTimeout):
		t.Fatalf("failed to receive nested call")
	}

	// The abort must be delivered while the nested call is outstanding.
	ctx, cancel := context.WithTimeout(context.Background(), recvTimeout)
	defer cancel()
	rsp, err := protoHost.Call(ctx, &Body{WorkerAbortRequest: &Empty{}})
	require.NoError(err, "Call(abort)")
	require.NotNil(rsp.WorkerAbortResponse, "abort should be acknowledged")

	close(releaseNested)
	select {
	case err = <-batchErrCh:
		require.Error(err, "aborted batch must not succeed")
	case <-time.After(recvTimeout):
		t.Fatalf("failed to receive batch response")
	}
}

func TestRequestIDsPerDirection(t *testing.T) {
	require := require.New(t)
	logger := logging.GetLogger("protocol/test")

	var entered sync.WaitGroup
	entered.Add(2)
	handler := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		// Make sure both requests, which share the same id, are outstanding
		// at the same time.
		entered.Done()
		entered.Wait()
		return body, nil
	})

	connA, connB := net.Pipe()
	protoA, err := NewConnection(logger, handler)
	require.NoError(err, "A.New()")
	protoB, err := NewConnection(logger, handler)
	require.NoError(err, "B.New()")
	require.NoError(protoA.InitGuest(connA), "A.InitGuest()")
	require.NoError(protoB.InitGuest(connB), "B.InitGuest()")
	defer protoA.Close()
	defer protoB.Close()

	reqA := Body{HostRPCCallRequest: &HostRPCCallRequest{Endpoint: "a", Request: []byte("a")}}
	reqB := Body{HostRPCCallRequest: &HostRPCCallRequest{Endpoint: "b", Request: []byte("b")}}

	var wg sync.WaitGroup
	var respA, respB *Body
	var errA, errB error
	wg.Add(2)
	go func() {
		defer wg.Done()
		respA, errA = protoA.Call(context.Background(), &reqA)
	}()
	go func() {
		defer wg.Done()
		respB, errB = protoB.Call(context.Background(), &reqB)
	}()
	wg.Wait()

	require.NoError(errA, "A.Call()")
	require.NoError(errB, "B.Call()")
	require.EqualValues(&reqA, respA, "A must receive the response to its own request")
	require.EqualValues(&reqB, respB, "B must receive the response to its own request")
}

func TestNotify(t *testing.T) {
	require := require.New(t)

	shutdownCh := make(chan struct{})
	handlerWorker := handlerFunc(func(ctx context.Context, body *Body) (*Body, error) {
		switch {
		case body.WorkerPingRequest != nil:
			return &Body{Empty: &Empty{}}, nil
		case body.WorkerShutdownRequest != nil:
			close(shutdownCh)
			return nil, nil
		default:
			return nil, fmt.Errorf("unsupported method")
		}
	})
	protoHost, _ := newConnectedPair(t, &testHandler{}, handlerWorker)

	err := protoHost.Notify(context.Background(), &Body{WorkerShutdownRequest: &Empty{}})
	require.NoError(err, "Notify")

	select {
	case <-shutdownCh:
	case <-time.After(recvTimeout):
		t.Fatalf("failed to receive shutdown request")
	}

	// The connection must still be usable afterwards.
	_, err = protoHost.Call(context.Background(), &Body{WorkerPingRequest: &Empty{}})
	require.NoError(err, "Call(ping)")
}

func TestMalformedMessage(t *testing.T) {
	for _, tc := range []struct {
		name string
		body interface{}
	}{
		{"UnknownVariant", map[string]interface{}{"WorkerTeleportRequest": map[string]interface{}{}}},
		{"NoVariant", map[string]interface{}{}},
		{"TwoVariants", map[string]interface{}{"Empty": map[string]interface{}{}, "WorkerPingRequest": map[string]interface{}{}}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			logger := logging.GetLogger("protocol/test")

			connA, connB := net.Pipe()
			protoA, err := NewConnection(logger, &testHandler{})
			require.NoError(err, "NewConnection")
			require.NoError(protoA.InitGuest(connA), "InitGuest")
			defer protoA.Close()
			defer connB.Close()

			raw := cbor.NewMessageCodec(connB)

			// Have a call outstanding when the connection breaks.
			callErrCh := make(chan error, 1)
			go func() {
				_, err := protoA.Call(context.Background(), &Body{HostStorageGetRequest: &HostStorageGetRequest{}})
				callErrCh <- err
			}()

			var req Message
			err = raw.Read(&req)
			require.NoError(err, "Read")
			require.Equal(MessageRequest, req.MessageType)
			require.NotNil(req.Body.HostStorageGetRequest)

			err = raw.Write(map[string]interface{}{
				"id":           req.ID,
				"message_type": uint8(MessageResponse),
				"body":         tc.body,
				"span_context": []byte{},
			})
			require.NoError(err, "Write")

			select {
			case <-protoA.Closed():
			case <-time.After(recvTimeout):
				t.Fatalf("connection should be closed after a malformed message")
			}
			require.ErrorIs(protoA.Err(), ErrMalformedMessage)

			select {
			case err = <-callErrCh:
				require.ErrorIs(err, ErrConnectionClosed, "pending call must fail")
			case <-time.After(recvTimeout):
				t.Fatalf("pending call should fail")
			}
		})
	}
}

func TestMalformedMessageType(t *testing.T) {
	for _, tc := range []struct {
		name string
		msg  map[string]interface{}
	}{
		{
			name: "InvalidType",
			msg: map[string]interface{}{
				"id":           uint64(0),
				"message_type": uint8(0),
				"body":         map[string]interface{}{"Empty": map[string]interface{}{}},
				"span_context": []byte{},
			},
		},
		{
			name: "AbsentType",
			msg: map[string]interface{}{
				"id":           uint64(0),
				"body":         map[string]interface{}{"Empty": map[string]interface{}{}},
				"span_context": []byte{},
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require := require.New(t)
			logger := logging.GetLogger("protocol/test")

			connA, connB := net.Pipe()
			protoA, err := NewConnection(logger, &testHandler{})
			require.NoError(err, "NewConnection")
			require.NoError(protoA.InitGuest(connA), "InitGuest")
			defer protoA.Close()
			defer connB.Close()

			raw := cbor.NewMessageCodec(connB)
			err = raw.Write(tc.msg)
			require.NoError(err, "Write")

			select {
			case <-protoA.Closed():
			case <-time.After(recvTimeout):
				t.Fatalf("connection should be closed after a malformed message type")
			}
			require.ErrorIs(protoA.Err(), ErrMalformedMessage)
		})
	}
}
