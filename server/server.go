// Package server implements the method registry and dispatcher: it binds
// loosely-typed wire parameters onto declared handler parameters, injects
// per-dispatch context, runs the handler and turns the outcome into a
// response.
//
// Request processing pipeline:
//
//	HandleRequest → Middleware Chain → invoke (lookup → bind → handler) → Respond
//
// Dispatch is synchronous: the caller's loop services exactly one message at
// a time. A Deferred handler returns without answering; it keeps the *Call
// and completes it later from any goroutine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"plugin-rpc/message"
	"plugin-rpc/middleware"
)

var (
	// ErrDoubleCompletion is returned when a call is completed twice.
	ErrDoubleCompletion = errors.New("server: call already completed")
	// ErrAbandoned wraps the teardown cause for deferred calls that never
	// completed before the dispatcher was aborted.
	ErrAbandoned = errors.New("server: call abandoned")
)

// UnknownMethodError is returned for a method nobody registered.
type UnknownMethodError struct {
	Method string
}

func (e *UnknownMethodError) Error() string {
	return fmt.Sprintf("Unknown command '%s'", e.Method)
}

// Responder writes a response for an inbound request. transport.Endpoint
// implements it.
type Responder interface {
	Respond(resp *message.Message) error
}

type callState uint8

const (
	statePending callState = iota
	stateFinished
	stateFailed
	stateAbandoned
)

// Call is the context of one dispatched request: the message itself, the
// endpoint it came from and its completion state. Handlers that declare an
// injected call receive it; Deferred handlers complete it.
type Call struct {
	Message  *message.Message
	Endpoint Responder

	mu       sync.Mutex
	state    callState
	abortErr error
	onDone   func(*Call)
}

// ID returns the request id.
func (c *Call) ID() message.ID { return c.Message.ID }

// Method returns the request method.
func (c *Call) Method() string { return c.Message.Method }

// Params returns the raw request parameters.
func (c *Call) Params() json.RawMessage { return c.Message.Params }

// SetResult completes the call with a result.
func (c *Call) SetResult(result any) error {
	resp, err := message.NewResult(c.ID(), result)
	if err != nil {
		return err
	}
	return c.complete(resp, stateFinished)
}

// SetError completes the call with a failure. *message.Error values keep
// their code and data; anything else is wrapped generically.
func (c *Call) SetError(err error) error {
	return c.complete(message.NewFailure(c.ID(), toRPCError(c.Method(), err)), stateFailed)
}

// Pending reports whether the call is still waiting for its response.
func (c *Call) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == statePending
}

func (c *Call) complete(resp *message.Message, next callState) error {
	c.mu.Lock()
	switch c.state {
	case statePending:
	case stateAbandoned:
		err := c.abortErr
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s: %w", ErrAbandoned, c.Method(), c.ID(), err)
	default:
		c.mu.Unlock()
		return fmt.Errorf("%w: %s %s", ErrDoubleCompletion, c.Method(), c.ID())
	}
	c.state = next
	onDone := c.onDone
	c.mu.Unlock()

	if onDone != nil {
		onDone(c)
	}
	return c.Endpoint.Respond(resp)
}

func (c *Call) abandon(err error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != statePending {
		return false
	}
	c.state = stateAbandoned
	c.abortErr = err
	return true
}

type callKey struct{}

func callFromContext(ctx context.Context) *Call {
	c, _ := ctx.Value(callKey{}).(*Call)
	return c
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOwner sets the value injected into InjectOwner parameters.
func WithOwner(owner any) Option {
	return func(d *Dispatcher) { d.owner = owner }
}

// WithLogger sets the dispatcher logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// Fallback answers methods missing from the registry. ok is false when it
// has nothing for method either.
type Fallback func(method string) (result json.RawMessage, ok bool, err error)

// WithFallback installs a Fallback consulted before reporting an unknown
// method.
func WithFallback(f Fallback) Option {
	return func(d *Dispatcher) { d.fallback = f }
}

// Dispatcher runs requests and notifications against a Registry.
type Dispatcher struct {
	registry    *Registry
	owner       any
	logger      *zap.Logger
	fallback    Fallback
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	mu       sync.Mutex
	deferred map[message.ID]*Call
	aborted  error
}

// NewDispatcher returns a dispatcher over reg.
func NewDispatcher(reg *Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		logger:   zap.NewNop(),
		deferred: make(map[message.ID]*Call),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.handler = d.invoke
	return d
}

// Registry returns the registry the dispatcher serves.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Use appends a middleware. Middlewares run in the order they are added,
// around the lookup, binding and handler stage.
func (d *Dispatcher) Use(mw middleware.Middleware) {
	d.middlewares = append(d.middlewares, mw)
	d.handler = middleware.Chain(d.middlewares...)(d.invoke)
}

// HandleRequest dispatches one request and writes its response unless the
// method is Deferred. Lookup, binding and handler failures become error
// responses; the returned error is reserved for failures to write.
func (d *Dispatcher) HandleRequest(ctx context.Context, ep Responder, req *message.Message) error {
	call := &Call{Message: req, Endpoint: ep}
	ctx = context.WithValue(ctx, callKey{}, call)

	resp := d.handler(ctx, req)
	if resp == nil {
		return nil
	}
	state := stateFinished
	if resp.Error != nil {
		state = stateFailed
	}
	err := call.complete(resp, state)
	if errors.Is(err, ErrDoubleCompletion) {
		// An Immediate handler already answered through its call.
		d.logger.Error("immediate handler completed its own call", zap.String("method", req.Method), zap.Stringer("id", req.ID))
		return nil
	}
	return err
}

// invoke is the innermost handler of the middleware chain.
func (d *Dispatcher) invoke(ctx context.Context, req *message.Message) *message.Message {
	call := callFromContext(ctx)
	if call == nil {
		call = &Call{Message: req}
	}

	desc, ok := d.registry.Lookup(req.Method)
	if !ok {
		return d.unknown(req)
	}

	args, err := bind(req.Method, desc.Params, req.Params, call, d.owner)
	if err != nil {
		return message.NewFailure(req.ID, toRPCError(req.Method, err))
	}

	if desc.Completion == Deferred {
		d.track(call)
	}
	result, err := d.run(desc.Handler, args)

	if desc.Completion == Deferred {
		if err != nil && call.Pending() {
			return message.NewFailure(req.ID, toRPCError(req.Method, err))
		}
		if err != nil {
			d.logger.Error("deferred handler failed after completing", zap.String("method", req.Method), zap.Error(err))
		}
		return nil
	}
	if err != nil {
		return message.NewFailure(req.ID, toRPCError(req.Method, err))
	}
	resp, err := message.NewResult(req.ID, result)
	if err != nil {
		return message.NewFailure(req.ID, toRPCError(req.Method, err))
	}
	return resp
}

func (d *Dispatcher) unknown(req *message.Message) *message.Message {
	if d.fallback != nil {
		result, ok, err := d.fallback(req.Method)
		if err != nil {
			return message.NewFailure(req.ID, toRPCError(req.Method, err))
		}
		if ok {
			return &message.Message{Kind: message.KindResponse, ID: req.ID, Result: result}
		}
	}
	return message.NewFailure(req.ID, toRPCError(req.Method, &UnknownMethodError{Method: req.Method}))
}

func (d *Dispatcher) run(h Handler, args *Args) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return h(args)
}

func (d *Dispatcher) track(call *Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.aborted != nil {
		call.abandon(d.aborted)
		return
	}
	d.deferred[call.ID()] = call
	call.mu.Lock()
	call.onDone = func(c *Call) {
		d.mu.Lock()
		delete(d.deferred, c.ID())
		d.mu.Unlock()
	}
	call.mu.Unlock()
}

// HandleNotification runs the subscription for a notification. There is
// nobody to answer, so failures are only logged.
func (d *Dispatcher) HandleNotification(ctx context.Context, note *message.Message) {
	sub, ok := d.registry.Subscription(note.Method)
	if !ok {
		d.logger.Debug("no subscription for notification", zap.String("topic", note.Method))
		return
	}
	call := &Call{Message: note}
	args, err := bind(note.Method, sub.Params, note.Params, call, d.owner)
	if err != nil {
		d.logger.Warn("notification binding failed", zap.String("topic", note.Method), zap.Error(err))
		return
	}
	_, err = d.run(func(a *Args) (any, error) { return nil, sub.Handler(a) }, args)
	if err != nil {
		d.logger.Warn("notification handler failed", zap.String("topic", note.Method), zap.Error(err))
	}
}

// Outstanding returns the number of Deferred calls not yet completed.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.deferred)
}

// Abort fails every outstanding Deferred call with cause; completing one of
// them afterwards returns ErrAbandoned instead of writing. Calls deferred
// after Abort are abandoned immediately.
func (d *Dispatcher) Abort(cause error) {
	d.mu.Lock()
	d.aborted = cause
	calls := d.deferred
	d.deferred = make(map[message.ID]*Call)
	d.mu.Unlock()

	for _, c := range calls {
		if c.abandon(cause) {
			d.logger.Warn("deferred call abandoned", zap.String("method", c.Method()), zap.Stringer("id", c.ID()), zap.Error(cause))
		}
	}
}

// toRPCError maps a dispatch failure onto the wire error.
func toRPCError(method string, err error) *message.Error {
	var rpcErr *message.Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var unknown *UnknownMethodError
	if errors.As(err, &unknown) {
		return &message.Error{Code: message.CodeMethodNotFound, Message: unknown.Error()}
	}
	var bindErr *BindingError
	if errors.As(err, &bindErr) {
		return &message.Error{Code: message.CodeInvalidParams, Message: bindErr.Error()}
	}
	return &message.Error{
		Code:    message.CodeInternal,
		Message: fmt.Sprintf("Error while processing %s: %v", method, err),
	}
}

// ToRPCError exposes the dispatcher's error mapping to callers that answer
// requests themselves.
func ToRPCError(method string, err error) *message.Error {
	return toRPCError(method, err)
}
