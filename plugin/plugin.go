// Package plugin is the responder side of the plugin protocol: a process that
// registers methods, hooks, subscriptions and options, answers the host's
// getmanifest/init handshake over its standard streams and then serves
// requests until the host goes away.
//
//	p := plugin.New()
//	p.AddMethod("hello", []server.ParamSpec{server.Optional("name", "world")}, hello,
//		server.WithDescription("Greet someone"))
//	if err := p.Run(ctx); err != nil { ... }
//
// Everything a plugin logs goes to the host as `log` notifications; stdout
// carries the protocol and nothing else.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"plugin-rpc/client"
	"plugin-rpc/message"
	"plugin-rpc/middleware"
	"plugin-rpc/server"
	"plugin-rpc/transport"
)

var (
	// ErrInitAlreadySet is returned when a second init callback is registered.
	ErrInitAlreadySet = errors.New("plugin: init callback already set")
	// ErrDuplicateOption is returned when an option name is taken.
	ErrDuplicateOption = errors.New("plugin: option already registered")
	// ErrUnknownOption is returned when reading an option nobody registered.
	ErrUnknownOption = errors.New("plugin: no such option")
	// ErrNotConfigured is returned by calls that need init to have happened.
	ErrNotConfigured = errors.New("plugin: not configured yet")
	// ErrRegistrationClosed is returned when registering after the handshake
	// started.
	ErrRegistrationClosed = errors.New("plugin: registration closed")
)

// InitFunc runs once init has been applied. Its result, or null, answers the
// init request; a non-nil error answers it with a failure.
type InitFunc func(p *Plugin, cfg Configuration) (any, error)

// Setting configures a Plugin.
type Setting func(*Plugin)

// WithStreams replaces stdin and stdout.
func WithStreams(in io.Reader, out io.Writer) Setting {
	return func(p *Plugin) {
		p.in = in
		p.out = out
	}
}

// WithLevel sets the lowest level sent to the host. Defaults to info.
func WithLevel(enab zapcore.LevelEnabler) Setting {
	return func(p *Plugin) { p.level = enab }
}

// WithMiddleware wraps the dispatch of registered methods.
func WithMiddleware(mws ...middleware.Middleware) Setting {
	return func(p *Plugin) { p.middlewares = append(p.middlewares, mws...) }
}

// Plugin is a plugin process's view of the protocol.
type Plugin struct {
	in          io.Reader
	out         io.Writer
	level       zapcore.LevelEnabler
	middlewares []middleware.Middleware

	ep         *transport.Endpoint
	logger     *zap.Logger
	handshake  *Handshake
	registry   *server.Registry
	dispatcher *server.Dispatcher
	builtins   *server.Dispatcher

	mu             sync.Mutex
	options        map[string]*Option
	optionOrder    []string
	onInit         InitFunc
	config         Configuration
	configured     bool
	deprecatedAPIs bool
	rpc            *client.Client
}

// New returns a plugin speaking over stdin and stdout.
func New(settings ...Setting) *Plugin {
	p := &Plugin{
		in:        os.Stdin,
		out:       os.Stdout,
		level:     zapcore.InfoLevel,
		handshake: NewHandshake(),
		registry:  server.NewRegistry(),
		options:   make(map[string]*Option),
	}
	for _, s := range settings {
		s(p)
	}

	p.logger = zap.New(NewLogCore(p.sendLog, p.level))
	var opts []transport.Option
	if c, ok := p.in.(io.Closer); ok {
		opts = append(opts, transport.WithCloser(c))
	}
	p.ep = transport.New(p.in, p.out, append(opts, transport.WithLogger(p.logger))...)

	p.dispatcher = server.NewDispatcher(p.registry, server.WithOwner(p), server.WithLogger(p.logger))
	for _, mw := range p.middlewares {
		p.dispatcher.Use(mw)
	}

	builtins := server.NewRegistry()
	_ = builtins.AddMethod(MethodGetManifest,
		[]server.ParamSpec{server.Optional("allow-deprecated-apis", false), server.KwArgs("extra")},
		p.getManifest)
	_ = builtins.AddMethod(MethodInit,
		[]server.ParamSpec{server.Param("options"), server.Param("configuration"), server.KwArgs("extra")},
		p.init)
	p.builtins = server.NewDispatcher(builtins, server.WithOwner(p), server.WithLogger(p.logger))
	return p
}

func (p *Plugin) checkOpen(name string) error {
	if p.handshake.State() != StateStarted {
		return fmt.Errorf("%w: %q", ErrRegistrationClosed, name)
	}
	if name == MethodGetManifest || name == MethodInit {
		return fmt.Errorf("%w: %q is a handshake method", server.ErrDuplicate, name)
	}
	return nil
}

// AddMethod registers an RPC method answered with the handler's return value.
func (p *Plugin) AddMethod(name string, params []server.ParamSpec, h server.Handler, opts ...server.MethodOption) error {
	if err := p.checkOpen(name); err != nil {
		return err
	}
	return p.registry.AddMethod(name, params, h, opts...)
}

// AddAsyncMethod registers an RPC method that completes later through its
// injected *server.Call.
func (p *Plugin) AddAsyncMethod(name string, params []server.ParamSpec, h server.Handler, opts ...server.MethodOption) error {
	return p.AddMethod(name, params, h, append(opts, server.WithDeferred())...)
}

// AddHook registers a hook.
func (p *Plugin) AddHook(name string, params []server.ParamSpec, h server.Handler, opts ...server.MethodOption) error {
	if err := p.checkOpen(name); err != nil {
		return err
	}
	return p.registry.AddHook(name, params, h, opts...)
}

// AddAsyncHook registers a hook that completes later through its injected
// *server.Call.
func (p *Plugin) AddAsyncHook(name string, params []server.ParamSpec, h server.Handler, opts ...server.MethodOption) error {
	return p.AddHook(name, params, h, append(opts, server.WithDeferred())...)
}

// AddSubscription registers the handler for a notification topic.
func (p *Plugin) AddSubscription(topic string, params []server.ParamSpec, h server.NotificationHandler) error {
	if err := p.checkOpen(topic); err != nil {
		return err
	}
	return p.registry.AddSubscription(topic, params, h)
}

// AddOption registers a startup option. Its type is reported from the
// default: bool, int or string.
func (p *Plugin) AddOption(name string, def any, description string) error {
	if err := p.checkOpen(name); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.options[name]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateOption, name)
	}
	p.options[name] = &Option{Name: name, Default: def, Description: description, Type: optionType(def)}
	p.optionOrder = append(p.optionOrder, name)
	return nil
}

// Option returns the value of a registered option.
func (p *Plugin) Option(name string) (any, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.options[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	return o.Value(), nil
}

// DecodeOption unmarshals the value of a registered option into v.
func (p *Plugin) DecodeOption(name string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.options[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownOption, name)
	}
	return o.Decode(v)
}

// OnInit sets the callback run when init arrives. It can be set once.
func (p *Plugin) OnInit(f InitFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onInit != nil {
		return ErrInitAlreadySet
	}
	p.onInit = f
	return nil
}

// Configuration returns what init delivered.
func (p *Plugin) Configuration() (Configuration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.configured {
		return Configuration{}, ErrNotConfigured
	}
	return p.config, nil
}

// DeprecatedAPIs reports whether the host enabled deprecated APIs in
// getmanifest.
func (p *Plugin) DeprecatedAPIs() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deprecatedAPIs
}

// State returns the handshake state.
func (p *Plugin) State() State { return p.handshake.State() }

// Notify sends a notification to the host.
func (p *Plugin) Notify(method string, params any) error {
	return p.ep.SendNotification(method, params)
}

// Logger returns the logger whose entries become `log` notifications.
func (p *Plugin) Logger() *zap.Logger { return p.logger }

// RedirectStdLog routes the standard library logger to the host.
func (p *Plugin) RedirectStdLog() func() {
	return RedirectStdLog(p.logger)
}

func (p *Plugin) sendLog(level, line string) error {
	return p.ep.SendNotification("log", map[string]string{"level": level, "message": line})
}

// RPC returns a client for the host's RPC socket, dialling it on first use.
func (p *Plugin) RPC(ctx context.Context) (*client.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rpc != nil {
		return p.rpc, nil
	}
	if !p.configured {
		return nil, ErrNotConfigured
	}
	c, err := client.Dial(ctx, p.config.RPCPath(), client.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	p.rpc = c
	return c, nil
}

// Run serves the host until it closes stdin, ctx ends or the protocol is
// violated. Deferred calls still open when Run returns are abandoned.
func (p *Plugin) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { _ = p.ep.Close() })
	defer stop()

	err := p.serve(ctx)
	p.dispatcher.Abort(transport.ErrConnClosed)

	p.mu.Lock()
	rpc := p.rpc
	p.rpc = nil
	p.mu.Unlock()
	closeErr := p.ep.Close()
	if rpc != nil {
		closeErr = multierr.Append(closeErr, rpc.Close())
	}

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, io.EOF):
		return closeErr
	}
	return multierr.Append(err, closeErr)
}

func (p *Plugin) serve(ctx context.Context) error {
	for {
		msg, err := p.ep.ReceiveNext()
		if err != nil {
			return err
		}
		switch msg.Kind {
		case message.KindRequest:
			if err := p.handleRequest(ctx, msg); err != nil {
				return err
			}
		case message.KindNotification:
			if !p.handshake.Running() {
				p.logger.Warn("dropping notification before init", zap.String("method", msg.Method))
				continue
			}
			p.dispatcher.HandleNotification(ctx, msg)
		}
	}
}

func (p *Plugin) handleRequest(ctx context.Context, req *message.Message) error {
	if err := p.handshake.Admit(req.Method); err != nil {
		_ = p.ep.SendFailure(req.ID, message.NewError(message.CodeInvalidRequest, err.Error(), nil))
		return err
	}
	switch req.Method {
	case MethodGetManifest, MethodInit:
		return p.builtins.HandleRequest(ctx, p.ep, req)
	}
	return p.dispatcher.HandleRequest(ctx, p.ep, req)
}

func (p *Plugin) getManifest(args *server.Args) (any, error) {
	deprecated, err := args.Bool("allow-deprecated-apis")
	if err != nil {
		return nil, &server.BindingError{Method: MethodGetManifest, Reason: err.Error()}
	}
	p.mu.Lock()
	p.deprecatedAPIs = deprecated
	m := p.manifest()
	p.mu.Unlock()
	p.handshake.ManifestWritten()
	return m, nil
}

func (p *Plugin) init(args *server.Args) (any, error) {
	var options map[string]json.RawMessage
	if err := args.Decode("options", &options); err != nil {
		return nil, &server.BindingError{Method: MethodInit, Reason: err.Error()}
	}
	var cfg Configuration
	if err := args.Decode("configuration", &cfg); err != nil {
		return nil, &server.BindingError{Method: MethodInit, Reason: err.Error()}
	}

	p.mu.Lock()
	var unknown []string
	for name := range options {
		if _, ok := p.options[name]; !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		p.mu.Unlock()
		sort.Strings(unknown)
		return nil, &server.BindingError{Method: MethodInit, Reason: "unknown option(s): " + strings.Join(unknown, ", ")}
	}
	for name, raw := range options {
		if string(raw) == "null" {
			continue
		}
		o := p.options[name]
		o.value = raw
		o.set = true
	}
	p.config = cfg
	p.configured = true
	onInit := p.onInit
	p.mu.Unlock()

	p.handshake.Configured()
	// The response is written after we return, so RUNNING must already hold
	// when the host sees it. A failing callback still leaves us running.
	defer p.handshake.Run()
	if onInit == nil {
		return nil, nil
	}
	return onInit(p, cfg)
}
