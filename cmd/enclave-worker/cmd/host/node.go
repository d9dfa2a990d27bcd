package host

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/roothash/api/block"
	"github.com/oasisprotocol/enclave-worker/runtime/host"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	"github.com/oasisprotocol/enclave-worker/runtime/worker/kvruntime"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
)

// node drives rounds of batch execution on a connected worker.
type node struct {
	host    *host.Host
	storage storage.Backend

	roundTimeout time.Duration

	current *block.Block
}

// runRound executes the calls on top of the current block, commits the
// resulting state and advances to the next block.
func (n *node) runRound(ctx context.Context, calls []*kvruntime.Call) ([]*kvruntime.Output, error) {
	batch := make(transaction.CallBatch, 0, len(calls))
	for _, call := range calls {
		batch = append(batch, cbor.Marshal(call))
	}

	rctx, cancel := context.WithTimeout(ctx, n.roundTimeout)
	defer cancel()

	computed, err := n.host.ExecuteBatch(rctx, n.current, batch)
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn("round timed out, interrupting worker",
			"round", n.current.Header.Round,
		)
		if ierr := n.host.InterruptWorker(ctx); ierr != nil {
			return nil, ierr
		}
		return nil, err
	default:
		return nil, err
	}

	if err = n.host.CommitBatch(ctx, computed); err != nil {
		return nil, fmt.Errorf("failed to commit batch: %w", err)
	}

	n.current = block.NewBlock(n.current, uint64(time.Now().Unix()), batch.Hash(), computed.NewStateRoot)

	pruned, err := n.storage.Prune(ctx, n.current.Header.Round)
	if err != nil {
		logger.Warn("failed to prune storage",
			"err", err,
			"round", n.current.Header.Round,
		)
	}

	logger.Info("round finalized",
		"round", n.current.Header.Round,
		"state_root", n.current.Header.StateRoot,
		"calls", len(calls),
		"attested", computed.IsAttested(),
		"pruned", pruned,
	)

	outputs := make([]*kvruntime.Output, 0, len(computed.Outputs))
	for _, raw := range computed.Outputs {
		var out kvruntime.Output
		if err = cbor.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("malformed call output: %w", err)
		}
		outputs = append(outputs, &out)
	}
	return outputs, nil
}

func newNode(ctx context.Context, h *host.Host, backend storage.Backend, roundTimeout time.Duration) (*node, error) {
	root, err := backend.Root(ctx)
	if err != nil {
		return nil, err
	}

	genesis := block.NewGenesisBlock(block.Namespace{}, uint64(time.Now().Unix()))
	genesis.Header.StateRoot = root

	return &node{
		host:         h,
		storage:      backend,
		roundTimeout: roundTimeout,
		current:      genesis,
	}, nil
}
