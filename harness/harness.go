// Package harness runs a plugin outside its host. It spawns the plugin with
// pipes on its standard streams, performs the initiating side of the
// getmanifest/init handshake, offers a Unix socket the plugin connects back
// on, and then services both streams from one loop.
//
// Reader goroutines only decode; every message is serviced by the loop in
// Run, one at a time, so a Service never sees concurrent calls.
package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"plugin-rpc/config"
	"plugin-rpc/message"
	"plugin-rpc/plugin"
	"plugin-rpc/registry"
	"plugin-rpc/transport"
)

// SocketName is the file name of the RPC socket inside the temporary
// lightning directory.
const SocketName = "lightning-rpc"

var (
	// ErrPluginExited is returned when the plugin closes its stdout.
	ErrPluginExited = errors.New("harness: plugin exited")
	// ErrInitRejected is returned when the plugin answers init with an error.
	ErrInitRejected = errors.New("harness: plugin rejected init")
)

// Option configures a Harness.
type Option func(*Harness)

// WithLogger sets the harness logger.
func WithLogger(l *zap.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// WithOutput sets where responses are printed. Defaults to stdout.
func WithOutput(w io.Writer) Option {
	return func(h *Harness) { h.out = w }
}

// WithStderr sets where the plugin's stderr goes. Defaults to stderr.
func WithStderr(w io.Writer) Option {
	return func(h *Harness) { h.stderr = w }
}

// WithRegistry publishes the plugin's methods while it runs.
func WithRegistry(r registry.Registry) Option {
	return func(h *Harness) { h.registry = r }
}

// WithOneShot makes Run return once the command's response is printed.
func WithOneShot() Option {
	return func(h *Harness) { h.oneShot = true }
}

// Harness drives one plugin process.
type Harness struct {
	cfg      config.Config
	svc      *Service
	logger   *zap.Logger
	out      io.Writer
	stderr   io.Writer
	registry registry.Registry
	oneShot  bool
}

// New returns a harness servicing plugin calls with svc.
func New(cfg config.Config, svc *Service, opts ...Option) *Harness {
	h := &Harness{
		cfg:    cfg,
		svc:    svc,
		logger: zap.NewNop(),
		out:    os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

type event struct {
	msg *message.Message
	err error
}

// run is the state of one Run call.
type run struct {
	*Harness
	name      string
	command   []string
	handshake *plugin.Handshake
	child     *transport.Endpoint
	sock      *transport.Endpoint
	commandID message.ID
	published []string
	done      chan struct{}
}

// Run starts pluginCmd and, once the plugin is initialized, sends command:
// command[0] is the method and the remaining words its positional
// parameters. It returns when ctx ends, the plugin's stream fails, or, in
// one-shot mode, after the command's response.
func (h *Harness) Run(ctx context.Context, pluginCmd []string, command []string) (err error) {
	if len(pluginCmd) == 0 {
		return errors.New("harness: no plugin to run")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, pluginCmd[0], pluginCmd[1:]...)
	cmd.Stderr = h.stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("harness: start %s: %w", pluginCmd[0], err)
	}

	r := &run{
		Harness:   h,
		name:      filepath.Base(pluginCmd[0]),
		command:   command,
		handshake: plugin.NewHandshake(),
		done:      make(chan struct{}),
	}
	r.child = transport.New(stdout, stdin,
		transport.WithCloser(stdin),
		transport.WithLogger(h.logger.Named("child")),
		transport.WithIDFunc(func(method string, n uint64) message.ID {
			return message.StringID(fmt.Sprintf("pluginate:%s#%d", method, n))
		}))
	defer func() {
		close(r.done)
		err = multierr.Append(err, r.teardown(cmd))
	}()

	if err := r.getManifest(ctx); err != nil {
		return err
	}

	dir, err := os.MkdirTemp("", "pluginate")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)
	sockPath := filepath.Join(dir, SocketName)
	ln, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("harness: rpc socket: %w", err)
	}
	defer ln.Close()

	if err := r.sendInit(dir, sockPath); err != nil {
		return err
	}
	return r.loop(ctx, ln)
}

func (r *run) getManifest(ctx context.Context) error {
	call, err := r.child.SendRequest(plugin.MethodGetManifest, map[string]any{
		"allow-deprecated-apis": r.cfg.DeprecatedAPIs,
	})
	if err != nil {
		return err
	}
	if err := r.handshake.Sent(plugin.MethodGetManifest, call.ID); err != nil {
		return err
	}

	// Nothing else runs yet, so read synchronously until the answer arrives.
	for {
		msg, err := r.child.ReceiveNext()
		if err != nil {
			return r.childErr(ctx, err)
		}
		if msg.Kind != message.KindResponse {
			if _, err := r.fromChild(ctx, msg); err != nil {
				return err
			}
			continue
		}
		if msg.ID != call.ID || !r.handshake.Acked(msg.ID) {
			return fmt.Errorf("harness: expected getmanifest response %s, got %s", call.ID, msg.ID)
		}
		if msg.Error != nil {
			return fmt.Errorf("harness: getmanifest: %w", msg.Error)
		}
		var m plugin.Manifest
		if err := json.Unmarshal(msg.Result, &m); err != nil {
			return fmt.Errorf("harness: decode manifest: %w", err)
		}
		r.logger.Info("plugin manifest",
			zap.Int("rpcmethods", len(m.RPCMethods)),
			zap.Strings("hooks", m.Hooks),
			zap.Strings("subscriptions", m.Subscriptions))
		return r.publish(ctx, &m)
	}
}

func (r *run) publish(ctx context.Context, m *plugin.Manifest) error {
	if r.registry == nil {
		return nil
	}
	entries := make([]registry.MethodEntry, 0, len(m.RPCMethods)+len(m.Hooks))
	for _, rm := range m.RPCMethods {
		entries = append(entries, registry.MethodEntry{Plugin: r.name, Method: rm.Name, Usage: rm.Usage, Description: rm.Description})
	}
	for _, hook := range m.Hooks {
		entries = append(entries, registry.MethodEntry{Plugin: r.name, Method: hook, Hook: true})
	}
	for _, e := range entries {
		if err := r.registry.Register(ctx, e, r.cfg.RegistryTTL); err != nil {
			return fmt.Errorf("harness: publish %s: %w", e.Method, err)
		}
		r.published = append(r.published, e.Method)
	}
	return nil
}

func (r *run) sendInit(dir, sockPath string) error {
	fs := r.cfg.FeatureSet
	options := r.cfg.Options
	if options == nil {
		options = map[string]any{}
	}
	call, err := r.child.SendRequest(plugin.MethodInit, map[string]any{
		"options": options,
		"configuration": plugin.Configuration{
			LightningDir:   dir,
			RPCFile:        sockPath,
			Startup:        true,
			Network:        r.cfg.Network,
			FeatureSet:     plugin.FeatureSet{Init: fs.Init, Node: fs.Node, Channel: fs.Channel, Invoice: fs.Invoice},
			AlwaysUseProxy: false,
		},
	})
	if err != nil {
		return err
	}
	return r.handshake.Sent(plugin.MethodInit, call.ID)
}

// read pumps ep into events until it fails or the run ends.
func (r *run) read(ep *transport.Endpoint, events chan<- event) {
	for {
		msg, err := ep.ReceiveNext()
		select {
		case events <- event{msg: msg, err: err}:
		case <-r.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (r *run) loop(ctx context.Context, ln net.Listener) error {
	childEvents := make(chan event)
	go r.read(r.child, childEvents)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	var sockEvents chan event
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev := <-childEvents:
			if ev.err != nil {
				return r.childErr(ctx, ev.err)
			}
			finished, err := r.fromChild(ctx, ev.msg)
			if err != nil || finished {
				return err
			}

		case conn := <-accepted:
			// Only one connection is expected; stop listening.
			_ = ln.Close()
			r.logger.Debug("plugin connected to rpc socket")
			r.sock = transport.NewConn(conn, transport.WithLogger(r.logger.Named("socket")))
			sockEvents = make(chan event)
			go r.read(r.sock, sockEvents)

		case ev := <-sockEvents:
			if ev.err != nil {
				r.logger.Debug("rpc socket closed", zap.Error(ev.err))
				_ = r.sock.Close()
				sockEvents = nil
				continue
			}
			r.fromSocket(ctx, ev.msg)
		}
	}
}

// fromChild services one message from the plugin's stdout. finished reports
// that a one-shot run is complete.
func (r *run) fromChild(ctx context.Context, msg *message.Message) (finished bool, err error) {
	switch msg.Kind {
	case message.KindNotification:
		if !r.svc.Notify(ctx, msg) {
			fmt.Fprintf(r.out, "Plugin notification: %s %s\n", msg.Method, msg.Params)
		}
		return false, nil
	case message.KindRequest:
		return false, r.svc.Serve(ctx, r.child, msg)
	}

	if r.handshake.Acked(msg.ID) {
		if msg.Error != nil {
			return false, fmt.Errorf("%w: %w", ErrInitRejected, msg.Error)
		}
		fmt.Fprintln(r.out, "Plugin initialized:")
		if len(r.command) == 0 {
			return r.oneShot, nil
		}
		params := r.command[1:]
		if params == nil {
			params = []string{}
		}
		call, err := r.child.SendRequest(r.command[0], params)
		if err != nil {
			return false, err
		}
		r.commandID = call.ID
		return false, nil
	}

	r.print(msg)
	return r.oneShot && msg.ID == r.commandID, nil
}

func (r *run) print(msg *message.Message) {
	var body any = msg.Result
	if msg.Error != nil {
		body = map[string]any{"error": msg.Error}
	}
	out, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		fmt.Fprintf(r.out, "%s\n", msg.Result)
		return
	}
	fmt.Fprintf(r.out, "%s\n", out)
}

func (r *run) fromSocket(ctx context.Context, msg *message.Message) {
	switch msg.Kind {
	case message.KindRequest:
		if err := r.svc.Serve(ctx, r.sock, msg); err != nil {
			r.logger.Warn("rpc socket write failed", zap.String("method", msg.Method), zap.Error(err))
			_ = r.sock.Close()
		}
	case message.KindNotification:
		r.svc.Notify(ctx, msg)
	default:
		r.logger.Debug("ignoring response on rpc socket", zap.Stringer("id", msg.ID))
	}
}

// childErr explains a failed plugin stream. A cancelled run kills the
// plugin, so the cancellation is reported instead of the exit.
func (r *run) childErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, io.EOF) {
		return ErrPluginExited
	}
	return fmt.Errorf("harness: plugin stream: %w", err)
}

func (r *run) teardown(cmd *exec.Cmd) error {
	var err error
	if r.sock != nil {
		err = multierr.Append(err, r.sock.Close())
	}
	err = multierr.Append(err, ignoreClosed(r.child.Close()))
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()

	if r.registry != nil && len(r.published) > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, method := range r.published {
			err = multierr.Append(err, r.registry.Deregister(ctx, r.name, method))
		}
	}
	return err
}

func ignoreClosed(err error) error {
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}
