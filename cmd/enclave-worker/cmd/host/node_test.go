package host

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/enclave-worker/common/crypto/hash"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/host"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	"github.com/oasisprotocol/enclave-worker/runtime/worker"
	"github.com/oasisprotocol/enclave-worker/runtime/worker/kvruntime"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
	"github.com/oasisprotocol/enclave-worker/storage/memory"
)

type blockingRuntime struct {
	kvruntime.Runtime
}

func (r *blockingRuntime) ExecuteBatch(ctx context.Context, host worker.HostClient, blk *block.Block, calls transaction.CallBatch) (*worker.BatchResult, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func startNode(t *testing.T, rt worker.Runtime, roundTimeout time.Duration) (*node, storage.Backend) {
	require := require.New(t)

	connHost, connWorker := net.Pipe()
	w, err := worker.New(&worker.Config{Conn: connWorker, Runtime: rt})
	require.NoError(err, "worker.New")
	require.NoError(w.Start(), "worker.Start")

	var emptyRoot hash.Hash
	emptyRoot.Empty()
	backend := memory.New(emptyRoot)

	h, err := host.New(&host.Config{Conn: connHost, Storage: backend})
	require.NoError(err, "host.New")
	require.NoError(h.Start(), "host.Start")

	t.Cleanup(func() {
		h.Stop()
		h.Cleanup()
		w.Stop()
		w.Cleanup()
	})

	n, err := newNode(context.Background(), h, backend, roundTimeout)
	require.NoError(err, "newNode")
	return n, backend
}

func TestNodeRounds(t *testing.T) {
	require := require.New(t)
	ctx := context.Background()

	n, backend := startNode(t, kvruntime.New(1), 5*time.Second)
	require.EqualValues(0, n.current.Header.Round)

	outputs, err := n.runRound(ctx, []*kvruntime.Call{
		{Method: kvruntime.MethodInsert, Value: []byte("value")},
	})
	require.NoError(err, "runRound")
	require.Len(outputs, 1)
	key := hash.NewFromBytes([]byte("value"))
	require.EqualValues(key[:], outputs[0].Result)
	require.EqualValues(1, n.current.Header.Round, "round must advance")

	root, err := backend.Root(ctx)
	require.NoError(err, "Root")
	require.Equal(n.current.Header.StateRoot, root, "block must commit to the stored root")

	outputs, err = n.runRound(ctx, []*kvruntime.Call{
		{Method: kvruntime.MethodGet, Key: key[:]},
	})
	require.NoError(err, "runRound")
	require.EqualValues([]byte("value"), outputs[0].Result, "value must be readable in the next round")

	// The value expires one round after it was inserted in round 0.
	_, err = n.runRound(ctx, []*kvruntime.Call{})
	require.NoError(err, "runRound")
	_, err = backend.Get(ctx, key)
	require.ErrorIs(err, storage.ErrNotFound, "expired value must be pruned")
}

func TestNodeRoundTimeout(t *testing.T) {
	require := require.New(t)

	n, _ := startNode(t, &blockingRuntime{}, 100*time.Millisecond)

	_, err := n.runRound(context.Background(), []*kvruntime.Call{
		{Method: kvruntime.MethodInsert, Value: []byte("value")},
	})
	require.ErrorIs(err, context.DeadlineExceeded, "round must time out")
	require.EqualValues(0, n.current.Header.Round, "timed out round must not advance")
	require.NoError(n.host.Ping(context.Background()), "worker must remain usable after an interrupt")
}
