// Package transport implements the RPC endpoint that sits on top of the
// framed byte stream: id allocation, pending-call tracking and the
// send/receive primitives for requests, responses and notifications.
//
// An Endpoint is symmetric. Either side may send requests and either side may
// answer them, so it tracks two tables:
//
//	pending  ── requests we sent, waiting for the peer's response
//	inflight ── requests the peer sent, waiting for our response
//
// Reading is single-owner: exactly one goroutine calls ReceiveNext. Writing is
// shared: handlers that complete later, notifications and the dispatch loop
// may all write at once, and the protocol.Writer serializes whole frames.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"plugin-rpc/codec"
	"plugin-rpc/message"
	"plugin-rpc/protocol"
)

var (
	// ErrConnClosed resolves every call still pending when an endpoint is
	// torn down.
	ErrConnClosed = errors.New("transport: connection closed")
	// ErrNotInFlight is returned when answering an id that is not an
	// outstanding inbound request, including answering the same id twice.
	ErrNotInFlight = errors.New("transport: no inbound request awaiting this id")
)

// PendingCall correlates an outbound request with its eventual response.
type PendingCall struct {
	ID     message.ID
	Method string

	once sync.Once
	done chan struct{}
	resp *message.Message
	err  error
}

func newPendingCall(id message.ID, method string) *PendingCall {
	return &PendingCall{ID: id, Method: method, done: make(chan struct{})}
}

func (p *PendingCall) resolve(resp *message.Message, err error) {
	p.once.Do(func() {
		p.resp = resp
		p.err = err
		close(p.done)
	})
}

// Done is closed once the call is resolved.
func (p *PendingCall) Done() <-chan struct{} { return p.done }

// Wait blocks until the call resolves or ctx ends. An error response is
// returned both as the message and as a *message.Error.
func (p *PendingCall) Wait(ctx context.Context) (*message.Message, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if p.err != nil {
		return nil, p.err
	}
	if p.resp.Error != nil {
		return p.resp, p.resp.Error
	}
	return p.resp, nil
}

// Option configures an Endpoint.
type Option func(*Endpoint)

// WithLogger sets the logger used for dropped responses and teardown.
func WithLogger(l *zap.Logger) Option {
	return func(e *Endpoint) { e.logger = l }
}

// WithCloser sets what Close releases, typically the connection or the
// pipes of a child process.
func WithCloser(c io.Closer) Option {
	return func(e *Endpoint) { e.closer = c }
}

// WithIDFunc replaces the default numeric ids. n is the endpoint's
// monotonically increasing counter, starting at 1.
func WithIDFunc(f func(method string, n uint64) message.ID) Option {
	return func(e *Endpoint) { e.idFunc = f }
}

// Endpoint is one side of a JSON-RPC connection.
type Endpoint struct {
	reader *protocol.Reader
	writer *protocol.Writer
	codec  codec.JSONCodec
	closer io.Closer
	logger *zap.Logger
	idFunc func(method string, n uint64) message.ID
	nextID atomic.Uint64

	mu       sync.Mutex
	pending  map[message.ID]*PendingCall
	inflight map[message.ID]string
	closed   bool
	closeErr error
}

// New builds an Endpoint reading frames from r and writing frames to w.
func New(r io.Reader, w io.Writer, opts ...Option) *Endpoint {
	e := &Endpoint{
		reader:   protocol.NewReader(r),
		writer:   protocol.NewWriter(w),
		logger:   zap.NewNop(),
		idFunc:   func(_ string, n uint64) message.ID { return message.NumberID(n) },
		pending:  make(map[message.ID]*PendingCall),
		inflight: make(map[message.ID]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewConn builds an Endpoint over a bidirectional stream that Close releases.
func NewConn(rwc io.ReadWriteCloser, opts ...Option) *Endpoint {
	return New(rwc, rwc, append([]Option{WithCloser(rwc)}, opts...)...)
}

// SendRequest allocates a fresh id, registers a PendingCall and writes the
// request. It does not wait for the response.
func (e *Endpoint) SendRequest(method string, params any) (*PendingCall, error) {
	id := e.idFunc(method, e.nextID.Add(1))
	msg, err := message.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	call := newPendingCall(id, method)
	// Register before writing: the response may be read before Write returns.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrConnClosed
	}
	e.pending[id] = call
	e.mu.Unlock()

	if err := e.write(msg); err != nil {
		e.mu.Lock()
		delete(e.pending, id)
		e.mu.Unlock()
		return nil, err
	}
	return call, nil
}

// SendNotification writes an untracked notification.
func (e *Endpoint) SendNotification(method string, params any) error {
	msg, err := message.NewNotification(method, params)
	if err != nil {
		return err
	}
	return e.write(msg)
}

// SendResponse answers an inbound request with a result.
func (e *Endpoint) SendResponse(id message.ID, result any) error {
	msg, err := message.NewResult(id, result)
	if err != nil {
		return err
	}
	return e.Respond(msg)
}

// SendFailure answers an inbound request with an error.
func (e *Endpoint) SendFailure(id message.ID, rpcErr *message.Error) error {
	return e.Respond(message.NewFailure(id, rpcErr))
}

// Respond writes a response message. Each inbound id can be answered once;
// later attempts return ErrNotInFlight without writing anything. Once the
// endpoint is torn down every answer fails with ErrConnClosed.
func (e *Endpoint) Respond(resp *message.Message) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrConnClosed
	}
	if _, ok := e.inflight[resp.ID]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInFlight, resp.ID)
	}
	delete(e.inflight, resp.ID)
	e.mu.Unlock()
	return e.write(resp)
}

// ReceiveNext blocks until the next request or notification arrives, or a
// response to one of our pending calls. Responses are handed to their
// PendingCall and returned as well; responses nobody is waiting for are
// logged and skipped. Any read or decode failure tears the endpoint down.
func (e *Endpoint) ReceiveNext() (*message.Message, error) {
	for {
		doc, err := e.reader.Next()
		if err != nil {
			e.teardown(err)
			return nil, err
		}
		msg, err := e.codec.Decode(doc)
		if err != nil {
			err = &protocol.FramingError{Err: err}
			e.teardown(err)
			return nil, err
		}

		switch msg.Kind {
		case message.KindRequest:
			e.mu.Lock()
			_, dup := e.inflight[msg.ID]
			e.inflight[msg.ID] = msg.Method
			e.mu.Unlock()
			if dup {
				e.logger.Warn("duplicate inbound request id", zap.Stringer("id", msg.ID), zap.String("method", msg.Method))
			}
			return msg, nil
		case message.KindNotification:
			return msg, nil
		}

		e.mu.Lock()
		call, ok := e.pending[msg.ID]
		delete(e.pending, msg.ID)
		e.mu.Unlock()
		if !ok {
			e.logger.Warn("dropping response for unknown id", zap.Stringer("id", msg.ID))
			continue
		}
		call.resolve(msg, nil)
		return msg, nil
	}
}

// Pending returns the number of outbound calls awaiting a response.
func (e *Endpoint) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// InFlight returns the number of inbound requests not yet answered.
func (e *Endpoint) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.inflight)
}

// Closed reports whether the endpoint has been torn down.
func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Close tears the endpoint down: the underlying stream is closed and every
// pending call fails with ErrConnClosed. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.teardown(nil)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closeErr
}

func (e *Endpoint) write(msg *message.Message) error {
	if e.Closed() {
		return ErrConnClosed
	}
	wire, err := e.codec.Wire(msg)
	if err != nil {
		return err
	}
	if err := e.writer.Write(wire); err != nil {
		e.teardown(err)
		return fmt.Errorf("transport: write %s: %w", msg.Kind, err)
	}
	return nil
}

func (e *Endpoint) teardown(cause error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pending := e.pending
	e.pending = make(map[message.ID]*PendingCall)
	e.inflight = make(map[message.ID]string)
	e.mu.Unlock()

	var err error
	if e.closer != nil {
		err = e.closer.Close()
	}

	failure := ErrConnClosed
	if cause != nil && !errors.Is(cause, io.EOF) {
		failure = fmt.Errorf("%w: %w", ErrConnClosed, cause)
		e.logger.Debug("endpoint torn down", zap.Error(cause))
	}
	for _, call := range pending {
		call.resolve(nil, failure)
	}

	e.mu.Lock()
	e.closeErr = multierr.Append(e.closeErr, err)
	e.mu.Unlock()
}
