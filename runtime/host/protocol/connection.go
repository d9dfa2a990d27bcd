// Package protocol implements the worker host protocol.
package protocol

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/oasisprotocol/enclave-worker/common/cbor"
	"github.com/oasisprotocol/enclave-worker/common/errors"
	"github.com/oasisprotocol/enclave-worker/common/logging"
	"github.com/oasisprotocol/enclave-worker/common/tracing"
)

const (
	moduleName = "protocol"

	// connWriteTimeout is the connection write timeout.
	connWriteTimeout = 5 * time.Second
	// connReadyTimeout is the timeout while waiting for the connection to be ready while attempting
	// to handle a new request from the other side.
	connReadyTimeout = 5 * time.Second
)

var (
	// ErrNotReady is the error reported when the connection is not initialized.
	ErrNotReady = errors.New(moduleName, 1, "protocol: not ready")

	// ErrConnectionClosed is the error reported when the connection has been closed.
	ErrConnectionClosed = errors.New(moduleName, 2, "protocol: connection closed")

	// ErrMalformedMessage is the error reported when the other side sent a
	// message that violates the wire contract.
	ErrMalformedMessage = errors.New(moduleName, 3, "protocol: malformed message")

	// ErrUnexpectedResponse is the error reported when a call is answered
	// with a body of the wrong type.
	ErrUnexpectedResponse = errors.New(moduleName, 4, "protocol: unexpected response")
)

// RemoteError is an error reported by the other side in place of a
// response.
type RemoteError struct {
	// Message is the error message.
	Message string
}

// Error implements error.
func (e *RemoteError) Error() string {
	return e.Message
}

// Handler is a protocol message handler interface.
type Handler interface {
	// Handle given request and return a response.
	//
	// Returning a nil body and a nil error sends no response.
	Handle(ctx context.Context, body *Body) (*Body, error)
}

// Connection is a worker host protocol connection interface.
type Connection interface {
	// Close closes the connection.
	Close()

	// Call sends a request to the other side and returns the response or error.
	Call(ctx context.Context, body *Body) (*Body, error)

	// Notify sends a request to the other side without waiting for a response.
	Notify(ctx context.Context, body *Body) error

	// Closed returns a channel that is closed once the connection terminates.
	Closed() <-chan struct{}

	// Err returns the error that caused the connection to terminate, if any.
	Err() error

	// InitHost performs initialization in host mode and transitions the connection to Ready state.
	// The worker is pinged to ensure that it is responsive.
	//
	// Only one of InitHost/InitGuest can be called otherwise the method may panic.
	InitHost(ctx context.Context, conn net.Conn) error

	// InitGuest performs initialization in guest (worker) mode and transitions the connection
	// to Ready state.
	//
	// Only one of InitHost/InitGuest can be called otherwise the method may panic.
	InitGuest(conn net.Conn) error
}

// state is the connection state.
type state uint8

const (
	stateUninitialized state = iota
	stateInitializing
	stateReady
	stateClosed
)

func (s state) String() string {
	switch s {
	case stateUninitialized:
		return "uninitialized"
	case stateInitializing:
		return "initializing"
	case stateReady:
		return "ready"
	case stateClosed:
		return "closed"
	default:
		return fmt.Sprintf("[malformed: %d]", s)
	}
}

// validStateTransitions are allowed connection state transitions.
var validStateTransitions = map[state][]state{
	stateUninitialized: {
		stateInitializing,
	},
	stateInitializing: {
		stateReady,
		stateClosed,
	},
	stateReady: {
		stateClosed,
	},
	// No transitions from Closed state.
	stateClosed: {},
}

type connection struct { // nolint: maligned
	sync.RWMutex

	conn  net.Conn
	codec *cbor.MessageCodec

	handler Handler

	state state
	// pendingRequests are requests issued by this side. Responses from the
	// other side are only ever matched against these, so the ids of the two
	// directions never mix.
	pendingRequests map[uint64]chan<- *Body
	nextRequestID   uint64
	err             error

	readyCh chan struct{}
	outCh   chan *Message
	closeCh chan struct{}
	quitWg  sync.WaitGroup

	logger *logging.Logger
}

func (c *connection) getState() state {
	c.RLock()
	s := c.state
	c.RUnlock()
	return s
}

// waitReady waits for the connection to become ready for at most connReadyTimeout.
func (c *connection) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, connReadyTimeout)
	defer cancel()

	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) setStateLocked(s state) {
	// Validate state transition.
	dests := validStateTransitions[c.state]

	var valid bool
	for _, dest := range dests {
		if dest == s {
			valid = true
			break
		}
	}

	if !valid {
		panic(fmt.Sprintf("invalid state transition: %s -> %s", c.state, s))
	}

	c.state = s
}

// Implements Connection.
func (c *connection) Close() {
	c.Lock()
	if c.state != stateReady && c.state != stateInitializing {
		c.Unlock()
		return
	}

	c.setStateLocked(stateClosed)
	c.Unlock()

	if err := c.conn.Close(); err != nil {
		c.logger.Debug("error while closing connection",
			"err", err,
		)
	}

	// Wait for all the connection-handling goroutines to terminate.
	c.quitWg.Wait()
}

// Implements Connection.
func (c *connection) Closed() <-chan struct{} {
	return c.closeCh
}

// Implements Connection.
func (c *connection) Err() error {
	c.RLock()
	defer c.RUnlock()
	return c.err
}

func (c *connection) checkReady() error {
	switch c.getState() {
	case stateReady:
		return nil
	case stateClosed:
		return ErrConnectionClosed
	default:
		return ErrNotReady
	}
}

// Implements Connection.
func (c *connection) Call(ctx context.Context, body *Body) (*Body, error) {
	if err := c.checkReady(); err != nil {
		return nil, err
	}

	return c.call(ctx, body)
}

// Implements Connection.
func (c *connection) Notify(ctx context.Context, body *Body) error {
	if err := c.checkReady(); err != nil {
		return err
	}
	if err := body.ValidateBasic(); err != nil {
		return err
	}

	c.Lock()
	id := c.nextRequestID
	c.nextRequestID++
	c.Unlock()

	msg := Message{
		ID:          id,
		MessageType: MessageRequest,
		Body:        *body,
		SpanContext: tracing.SpanContextFromContext(ctx),
	}
	if err := c.sendMessage(ctx, &msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *connection) call(ctx context.Context, body *Body) (result *Body, err error) {
	if err = body.ValidateBasic(); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		protocolLatency.With(prometheus.Labels{"call": body.Type()}).Observe(time.Since(start).Seconds())
		if err != nil {
			protocolCallFailures.With(prometheus.Labels{"call": body.Type()}).Inc()

			// Specifically measure timeouts.
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				protocolCallTimeouts.Inc()
			}
		} else {
			protocolCallSuccesses.With(prometheus.Labels{"call": body.Type()}).Inc()
		}
	}()

	// Create channel for sending the response and grab next request identifier.
	respCh := make(chan *Body, 1)

	c.Lock()
	id := c.nextRequestID
	c.nextRequestID++
	c.pendingRequests[id] = respCh
	c.Unlock()

	defer func() {
		c.Lock()
		defer c.Unlock()
		delete(c.pendingRequests, id)
	}()

	msg := Message{
		ID:          id,
		MessageType: MessageRequest,
		Body:        *body,
		SpanContext: tracing.SpanContextFromContext(ctx),
	}

	// Queue the message.
	if err = c.sendMessage(ctx, &msg); err != nil {
		return nil, fmt.Errorf("failed to send message: %w", err)
	}

	// Await a response.
	resp, err := c.readResponse(ctx, respCh)
	if err != nil {
		return nil, err
	}

	return resp, nil
}

func (c *connection) sendMessage(ctx context.Context, msg *Message) error {
	select {
	case c.outCh <- msg:
		return nil
	case <-c.closeCh:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *connection) readResponse(ctx context.Context, respCh <-chan *Body) (*Body, error) {
	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &RemoteError{Message: resp.Error.Message}
		}

		return resp, nil
	case <-c.closeCh:
		return nil, fmt.Errorf("failed to read response: %w", ErrConnectionClosed)
	case <-ctx.Done():
		return nil, fmt.Errorf("failed to read response: %w", ctx.Err())
	}
}

func (c *connection) workerOutgoing() {
	for {
		select {
		case msg := <-c.outCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(connWriteTimeout)); err != nil {
				c.logger.Error("error setting connection deadline",
					"err", err,
				)
			}
			// Outgoing message, send it.
			if err := c.codec.Write(msg); err != nil {
				c.logger.Error("error while sending message",
					"err", err,
					"id", msg.ID,
					"type", msg.Body.Type(),
				)
			}
			if err := c.conn.SetWriteDeadline(time.Time{}); err != nil {
				c.logger.Error("error setting connection deadline",
					"err", err,
				)
			}
		case <-c.closeCh:
			// Connection has terminated.
			return
		}
	}
}

func errorToBody(err error) *Body {
	return &Body{
		Error: &Error{
			Message: err.Error(),
		},
	}
}

func newResponseMessage(req *Message, body *Body) *Message {
	return &Message{
		ID:          req.ID,
		MessageType: MessageResponse,
		Body:        *body,
		SpanContext: cbor.FixSliceForSerde(req.SpanContext),
	}
}

func (c *connection) handleMessage(ctx context.Context, message *Message) {
	switch message.MessageType {
	case MessageRequest:
		// Incoming request.
		if err := c.waitReady(ctx); err != nil {
			_ = c.sendMessage(ctx, newResponseMessage(message, errorToBody(ErrNotReady)))
			return
		}

		ctx, finish := tracing.ContextWithSpanContext(ctx, message.Body.Type(), message.SpanContext)
		defer finish()

		// Call actual handler.
		body, err := c.handler.Handle(ctx, &message.Body)
		switch {
		case err != nil:
			body = errorToBody(err)
		case body == nil:
			// No response expected.
			return
		case body.ValidateBasic() != nil:
			c.logger.Error("handler returned a malformed response",
				"request", message.Body.Type(),
			)
			body = errorToBody(fmt.Errorf("protocol: malformed response"))
		}

		// Prepare and send response.
		if err := c.sendMessage(ctx, newResponseMessage(message, body)); err != nil {
			c.logger.Warn("failed to send response message",
				"err", err,
			)
		}
	case MessageResponse:
		// Response to our request.
		c.Lock()
		respCh, ok := c.pendingRequests[message.ID]
		delete(c.pendingRequests, message.ID)
		c.Unlock()

		if !ok {
			c.logger.Warn("received a response but no request with id is outstanding",
				"id", message.ID,
			)
			break
		}

		respCh <- &message.Body
	}
}

// fail records the reason for terminating the connection.
func (c *connection) fail(err error) {
	c.Lock()
	defer c.Unlock()

	if c.err == nil {
		c.err = err
	}
}

func (c *connection) workerIncoming() {
	// Wait for request handlers to finish.
	var wg sync.WaitGroup
	defer wg.Wait()

	// Cancel all request handlers.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		// Close connection and signal that connection is closed.
		_ = c.conn.Close()
		close(c.closeCh)
	}()

	for {
		// Decode incoming messages.
		var message Message
		err := c.codec.Read(&message)
		if err == nil {
			err = message.ValidateBasic()
			if err != nil {
				err = fmt.Errorf("%w: %s", cbor.ErrMessageMalformed, err)
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, cbor.ErrMessageMalformed), errors.Is(err, cbor.ErrMessageTooLarge):
			// The wire contract has been violated, there is no way to recover.
			protocolDecodeFailures.Inc()
			c.logger.Error("received a malformed message, terminating connection",
				"err", err,
			)
			c.fail(fmt.Errorf("%w: %s", ErrMalformedMessage, err))
			return
		default:
			c.logger.Debug("error while receiving message",
				"err", err,
			)
			return
		}

		// Handle message in a separate goroutine.
		wg.Add(1)
		go func() {
			defer wg.Done()

			// Ensure each message has its own context which is canceled at the end.
			localCtx, localCancel := context.WithCancel(ctx)
			defer localCancel()

			c.handleMessage(localCtx, &message)
		}()
	}
}

func (c *connection) initConn(conn net.Conn) {
	c.Lock()
	defer c.Unlock()

	if c.state != stateUninitialized {
		panic("protocol: connection already initialized")
	}

	c.conn = conn
	c.codec = cbor.NewMessageCodec(conn)

	c.quitWg.Add(2)
	go func() {
		defer c.quitWg.Done()
		c.workerIncoming()
	}()
	go func() {
		defer c.quitWg.Done()
		c.workerOutgoing()
	}()

	// Change protocol state to Initializing so that some of the requests are allowed.
	c.setStateLocked(stateInitializing)
}

func (c *connection) markReady() {
	c.Lock()
	c.setStateLocked(stateReady)
	c.Unlock()

	close(c.readyCh)
}

// Implements Connection.
func (c *connection) InitGuest(conn net.Conn) error {
	c.initConn(conn)

	// Transition the protocol state to Ready.
	c.markReady()

	return nil
}

// Implements Connection.
func (c *connection) InitHost(ctx context.Context, conn net.Conn) error {
	c.initConn(conn)

	// Make sure the worker is responsive.
	rsp, err := c.call(ctx, &Body{WorkerPingRequest: &Empty{}})
	switch {
	default:
	case err != nil:
		return fmt.Errorf("protocol: error while pinging worker: %w", err)
	case rsp.Empty == nil:
		c.logger.Error("unexpected response to WorkerPingRequest",
			"response", rsp.Type(),
		)
		return fmt.Errorf("%w to WorkerPingRequest", ErrUnexpectedResponse)
	}

	c.logger.Info("worker host protocol initialized")

	// Transition the protocol state to Ready.
	c.markReady()

	return nil
}

// NewConnection creates a new uninitialized protocol connection.
func NewConnection(logger *logging.Logger, handler Handler) (Connection, error) {
	initMetrics()

	return &connection{
		handler:         handler,
		state:           stateUninitialized,
		pendingRequests: make(map[uint64]chan<- *Body),
		readyCh:         make(chan struct{}),
		outCh:           make(chan *Message),
		closeCh:         make(chan struct{}),
		logger:          logger,
	}, nil
}
