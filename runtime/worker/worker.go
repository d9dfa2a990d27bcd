// Package worker implements the worker side of the worker host protocol.
//
// The worker executes at most one computation at a time on a dedicated
// compute thread. Computations may issue nested calls to the host and can
// be aborted by the host at any time.
package worker

import (
	"context"
	"crypto/rand"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/google/uuid"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/crypto/signature"
	"github.com/oasisprotocol/enclave-worker/common/crypto/signature/signers/memory"
	"github.com/oasisprotocol/enclave-worker/common/errors"
	"github.com/oasisprotocol/enclave-worker/common/service"
	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
	"github.com/oasisprotocol/enclave-worker/runtime/tee"
	"github.com/oasisprotocol/enclave-worker/runtime/transaction"
	storage "github.com/oasisprotocol/enclave-worker/storage/api"
)

const (
	moduleName = "worker"

	// DefaultAbortTimeout is the default time the worker waits for an
	// aborted computation to unwind before acknowledging the abort.
	DefaultAbortTimeout = 1 * time.Second

	kindBatch = "batch"
	kindRPC   = "rpc"
)

var (
	// ErrAborted is the error returned for computations aborted by the host.
	ErrAborted = errors.New(moduleName, 1, "worker: computation aborted")

	// ErrNoTEE is the error returned for TEE requests when the worker is
	// not running in a TEE.
	ErrNoTEE = errors.New(moduleName, 2, "worker: not running in a TEE")

	// ErrStopped is the error returned for requests received while the
	// worker is stopping.
	ErrStopped = errors.New(moduleName, 3, "worker: stopped")

	// ErrUnsupportedMethod is the error returned for requests the worker
	// does not implement.
	ErrUnsupportedMethod = errors.New(moduleName, 4, "worker: unsupported method")

	errNoRAK = errors.New(moduleName, 5, "worker: RAK not initialized")

	_ protocol.Handler          = (*Worker)(nil)
	_ service.BackgroundService = (*Worker)(nil)
)

// Config is the worker configuration.
type Config struct {
	// Conn is the connection to the host.
	Conn net.Conn
	// Runtime is the runtime executing the computations.
	Runtime Runtime
	// TEE is the trusted execution environment, nil if there is none.
	TEE tee.TEE
	// AbortTimeout is the time the worker waits for an aborted computation
	// to unwind before acknowledging the abort.
	AbortTimeout time.Duration
}

type rakState struct {
	signer   signature.Signer
	nonce    string
	report   []byte
	attested bool
}

// Worker is the worker side of the worker host protocol.
type Worker struct { // nolint: maligned
	*service.BaseBackgroundService

	sync.Mutex

	cfg  Config
	conn protocol.Connection

	queue   *deque.Deque[*task]
	current *task
	queueCh chan struct{}

	rak rakState

	stopOnce      sync.Once
	stopCh        chan struct{}
	computeDoneCh chan struct{}
}

// Start starts the worker.
func (w *Worker) Start() error {
	go w.computeWorker()

	if err := w.conn.InitGuest(w.cfg.Conn); err != nil {
		return fmt.Errorf("worker: failed to initialize connection: %w", err)
	}

	go func() {
		select {
		case <-w.conn.Closed():
			if err := w.conn.Err(); err != nil {
				w.Logger.Error("connection to host terminated",
					"err", err,
				)
			} else {
				w.Logger.Info("connection to host closed")
			}
			w.Stop()
		case <-w.stopCh:
		}
	}()

	return nil
}

// Stop halts the worker.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopCh)

		// Fail all computations that have not started yet.
		w.Lock()
		pending := w.drainQueueLocked()
		current := w.current
		w.Unlock()
		for _, t := range pending {
			t.finish(nil, ErrStopped)
		}
		if current != nil {
			current.abort()
		}

		w.conn.Close()

		select {
		case <-w.computeDoneCh:
		case <-time.After(w.cfg.AbortTimeout):
			w.Logger.Error("computation did not terminate in time, stopping anyway",
				"timeout", w.cfg.AbortTimeout,
			)
		}

		w.Logger.Info("worker stopped")
		w.BaseBackgroundService.Stop()
	})
}

// Cleanup performs the worker specific post-termination cleanup.
func (w *Worker) Cleanup() {
	w.Lock()
	defer w.Unlock()

	if w.rak.signer != nil {
		w.rak.signer.Reset()
		w.rak = rakState{}
	}
}

// Handle implements protocol.Handler.
func (w *Worker) Handle(ctx context.Context, body *protocol.Body) (*protocol.Body, error) {
	switch {
	case body.WorkerPingRequest != nil:
		return &protocol.Body{Empty: &protocol.Empty{}}, nil
	case body.WorkerShutdownRequest != nil:
		w.Logger.Info("received shutdown request")

		// Stopping waits for all request handlers, so it can't happen here.
		go w.Stop()
		return nil, nil
	case body.WorkerAbortRequest != nil:
		w.abort()
		return &protocol.Body{WorkerAbortResponse: &protocol.Empty{}}, nil
	case body.WorkerCapabilityTEERakReportRequest != nil:
		return w.handleRakReport(body.WorkerCapabilityTEERakReportRequest)
	case body.WorkerCapabilityTEERakAvrRequest != nil:
		return w.handleRakAvr(body.WorkerCapabilityTEERakAvrRequest)
	case body.WorkerRPCCallRequest != nil:
		rq := body.WorkerRPCCallRequest
		return w.submit(ctx, kindRPC, func(ctx context.Context, host HostClient) (*protocol.Body, error) {
			return w.callRPC(ctx, host, rq)
		})
	case body.WorkerRuntimeCallBatchRequest != nil:
		rq := body.WorkerRuntimeCallBatchRequest
		return w.submit(ctx, kindBatch, func(ctx context.Context, host HostClient) (*protocol.Body, error) {
			return w.executeBatch(ctx, host, rq)
		})
	default:
		w.Logger.Warn("received unsupported request",
			"type", body.Type(),
		)
		return nil, ErrUnsupportedMethod
	}
}

func (w *Worker) handleRakReport(rq *protocol.WorkerCapabilityTEERakReportRequest) (*protocol.Body, error) {
	if w.cfg.TEE == nil {
		return nil, ErrNoTEE
	}

	signer, err := memory.NewSigner(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("worker: failed to generate RAK: %w", err)
	}
	rakPub := signer.Public()
	nonce := uuid.New().String()

	report, err := w.cfg.TEE.Report(rq.TargetInfo, tee.RAKReportData(rakPub))
	if err != nil {
		signer.Reset()
		return nil, fmt.Errorf("worker: failed to obtain report: %w", err)
	}

	// A new RAK replaces the previous one, which can no longer be used for
	// signing until it has been confirmed by an AVR.
	w.Lock()
	if w.rak.signer != nil {
		w.rak.signer.Reset()
	}
	w.rak = rakState{
		signer: signer,
		nonce:  nonce,
		report: report,
	}
	w.Unlock()

	w.Logger.Info("generated new RAK",
		"rak", rakPub,
	)

	return &protocol.Body{WorkerCapabilityTEERakReportResponse: &protocol.WorkerCapabilityTEERakReportResponse{
		RakPub: rakPub,
		Report: report,
		Nonce:  nonce,
	}}, nil
}

func (w *Worker) handleRakAvr(rq *protocol.WorkerCapabilityTEERakAvrRequest) (*protocol.Body, error) {
	if w.cfg.TEE == nil {
		return nil, ErrNoTEE
	}

	w.Lock()
	defer w.Unlock()

	if w.rak.signer == nil {
		return nil, errNoRAK
	}
	if err := w.cfg.TEE.VerifyAVR(&rq.AVR, w.rak.report, w.rak.nonce); err != nil {
		w.Logger.Error("AVR verification failed",
			"err", err,
		)
		return nil, fmt.Errorf("worker: AVR verification failed: %w", err)
	}
	w.rak.attested = true

	w.Logger.Info("RAK attested",
		"rak", w.rak.signer.Public(),
	)

	return &protocol.Body{WorkerCapabilityTEERakAvrResponse: &protocol.Empty{}}, nil
}

// attestedRAK returns the RAK if it has been confirmed by an AVR.
func (w *Worker) attestedRAK() signature.Signer {
	w.Lock()
	defer w.Unlock()

	if !w.rak.attested {
		return nil
	}
	return w.rak.signer
}

func nonNilInserts(inserts []storage.Insert) []storage.Insert {
	if inserts == nil {
		return []storage.Insert{}
	}
	return inserts
}

func (w *Worker) executeBatch(ctx context.Context, host HostClient, rq *protocol.WorkerRuntimeCallBatchRequest) (*protocol.Body, error) {
	res, err := w.cfg.Runtime.ExecuteBatch(ctx, host, &rq.Block, rq.Calls)
	if err != nil {
		return nil, err
	}
	if len(res.Outputs) != len(rq.Calls) {
		return nil, fmt.Errorf("worker: runtime produced %d outputs for %d calls", len(res.Outputs), len(rq.Calls))
	}

	batch := &protocol.ComputedBatch{
		Outputs:        res.Outputs,
		StorageInserts: nonNilInserts(res.StorageInserts),
		NewStateRoot:   storage.ApplyInserts(rq.Block.Header.StateRoot, res.StorageInserts),
		Tags:           res.Tags,
	}
	if batch.Outputs == nil {
		batch.Outputs = transaction.OutputBatch{}
	}
	if batch.Tags == nil {
		batch.Tags = []protocol.Tag{}
	}

	if err = protocol.SignBatch(w.attestedRAK(), &rq.Block, rq.Calls, batch); err != nil {
		return nil, fmt.Errorf("worker: failed to sign batch: %w", err)
	}

	return &protocol.Body{WorkerRuntimeCallBatchResponse: &protocol.WorkerRuntimeCallBatchResponse{
		Batch: *batch,
	}}, nil
}

func (w *Worker) callRPC(ctx context.Context, host HostClient, rq *protocol.WorkerRPCCallRequest) (*protocol.Body, error) {
	res, err := w.cfg.Runtime.CallRPC(ctx, host, rq.StateRoot, rq.Request)
	if err != nil {
		return nil, err
	}

	return &protocol.Body{WorkerRPCCallResponse: &protocol.WorkerRPCCallResponse{
		Response:       cbor.FixSliceForSerde(res.Response),
		StorageInserts: nonNilInserts(res.StorageInserts),
		NewStateRoot:   storage.ApplyInserts(rq.StateRoot, res.StorageInserts),
	}}, nil
}

// submit schedules a computation on the compute thread and waits for its
// result.
func (w *Worker) submit(ctx context.Context, kind string, fn taskFn) (*protocol.Body, error) {
	t := newTask(ctx, kind, fn)
	defer t.cancel()

	w.Lock()
	select {
	case <-w.stopCh:
		w.Unlock()
		return nil, ErrStopped
	default:
	}
	w.queue.PushBack(t)
	workerQueueSize.Set(float64(w.queue.Len()))
	w.Unlock()

	select {
	case w.queueCh <- struct{}{}:
	default:
	}

	select {
	case res := <-t.resultCh:
		return res.body, res.err
	case <-ctx.Done():
		t.abort()
		return nil, ctx.Err()
	}
}

func (w *Worker) drainQueueLocked() []*task {
	var pending []*task
	for w.queue.Len() > 0 {
		pending = append(pending, w.queue.PopFront())
	}
	workerQueueSize.Set(0)
	return pending
}

func (w *Worker) nextTask() *task {
	w.Lock()
	defer w.Unlock()

	for w.queue.Len() > 0 {
		t := w.queue.PopFront()
		workerQueueSize.Set(float64(w.queue.Len()))
		if t.isAborted() {
			continue
		}
		w.current = t
		return t
	}
	return nil
}

func (w *Worker) runTask(t *task) {
	start := time.Now()
	body, err := t.fn(t.ctx, &hostClient{conn: w.conn, task: t})

	outcome := outcomeSuccess
	switch {
	case t.isAborted():
		outcome = outcomeAborted
		w.Logger.Debug("discarding result of aborted computation",
			"kind", t.kind,
		)
	case err != nil:
		outcome = outcomeFailure
		w.Logger.Error("computation failed",
			"kind", t.kind,
			"err", err,
		)
	}
	workerComputations.WithLabelValues(t.kind, outcome).Inc()
	workerComputationLatency.WithLabelValues(t.kind).Observe(time.Since(start).Seconds())

	// Deliver the result while the task is still current.
	t.finish(body, err)

	w.Lock()
	w.current = nil
	w.Unlock()
	close(t.doneCh)
}

func (w *Worker) computeWorker() {
	defer close(w.computeDoneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.queueCh:
		}

		for {
			select {
			case <-w.stopCh:
				return
			default:
			}

			t := w.nextTask()
			if t == nil {
				break
			}
			w.runTask(t)
		}
	}
}

// abort aborts all computations and waits for at most the abort timeout
// for the running one to unwind.
func (w *Worker) abort() {
	w.Lock()
	pending := w.drainQueueLocked()
	current := w.current
	w.Unlock()

	for _, t := range pending {
		t.abort()
	}
	if current == nil {
		w.Logger.Debug("abort requested with no computation in progress")
		return
	}

	w.Logger.Warn("aborting computation",
		"kind", current.kind,
		"pending", len(pending),
	)
	current.abort()

	select {
	case <-current.doneCh:
	case <-time.After(w.cfg.AbortTimeout):
		w.Logger.Error("aborted computation did not terminate in time",
			"kind", current.kind,
			"timeout", w.cfg.AbortTimeout,
		)
	}
}

// New creates a new worker.
func New(cfg *Config) (*Worker, error) {
	initMetrics()

	if cfg.Runtime == nil {
		return nil, fmt.Errorf("worker: no runtime configured")
	}

	w := &Worker{
		BaseBackgroundService: service.NewBaseBackgroundService("runtime/worker"),
		cfg:                   *cfg,
		queue:                 deque.New[*task](0, 16),
		queueCh:               make(chan struct{}, 1),
		stopCh:                make(chan struct{}),
		computeDoneCh:         make(chan struct{}),
	}
	if w.cfg.AbortTimeout == 0 {
		w.cfg.AbortTimeout = DefaultAbortTimeout
	}
	if w.cfg.TEE != nil {
		w.Logger = w.Logger.With("tee", w.cfg.TEE.Kind())
	}

	var err error
	if w.conn, err = protocol.NewConnection(w.Logger, w); err != nil {
		return nil, err
	}

	return w, nil
}
