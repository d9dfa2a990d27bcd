package worker

import (
	"context"
	"sync"

	"github.com/oasisprotocol/enclave-worker/runtime/host/protocol"
)

type taskFn func(ctx context.Context, host HostClient) (*protocol.Body, error)

type taskResult struct {
	body *protocol.Body
	err  error
}

// task is a single computation scheduled on the compute thread.
type task struct {
	kind string

	ctx    context.Context
	cancel context.CancelFunc
	fn     taskFn

	resultCh   chan *taskResult
	resultOnce sync.Once

	abortCh   chan struct{}
	abortOnce sync.Once

	// doneCh is closed once the compute thread is done with the task.
	doneCh chan struct{}
}

func (t *task) finish(body *protocol.Body, err error) {
	t.resultOnce.Do(func() {
		t.resultCh <- &taskResult{body: body, err: err}
	})
}

// abort cancels the task and fails it with ErrAborted. Any result the task
// produces afterwards is discarded.
func (t *task) abort() {
	t.abortOnce.Do(func() {
		close(t.abortCh)
		t.cancel()
		t.finish(nil, ErrAborted)
	})
}

func (t *task) isAborted() bool {
	select {
	case <-t.abortCh:
		return true
	default:
		return false
	}
}

func newTask(ctx context.Context, kind string, fn taskFn) *task {
	taskCtx, cancel := context.WithCancel(ctx)
	return &task{
		kind:     kind,
		ctx:      taskCtx,
		cancel:   cancel,
		fn:       fn,
		resultCh: make(chan *taskResult, 1),
		abortCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}
