package harness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-rpc/config"
	"plugin-rpc/plugin"
	"plugin-rpc/protocol"
	"plugin-rpc/registry"
	"plugin-rpc/server"
)

const helperEnv = "PLUGINATE_HELPER_PLUGIN"

// TestMain turns the test binary into a plugin when the harness starts it.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		os.Exit(helperPlugin(mode))
	}
	os.Exit(m.Run())
}

func helperPlugin(mode string) int {
	switch mode {
	case "exit":
		_, _ = protocol.NewReader(os.Stdin).Next()
		return 0
	}

	p := plugin.New()
	_ = p.AddOption("greeting", "hello", "What to say")
	_ = p.AddMethod("hello", []server.ParamSpec{server.Optional("name", "world"), server.InjectOwner("plugin")},
		func(args *server.Args) (any, error) {
			p := args.Owner().(*plugin.Plugin)
			greeting, _ := p.Option("greeting")
			name, err := args.String("name")
			if err != nil {
				return nil, err
			}
			p.Logger().Info("hello called")
			return fmt.Sprintf("%v %s", greeting, name), nil
		}, server.WithDescription("Greet someone"))
	_ = p.AddMethod("ask", []server.ParamSpec{server.Param("method"), server.InjectOwner("plugin")},
		func(args *server.Args) (any, error) {
			p := args.Owner().(*plugin.Plugin)
			method, err := args.String("method")
			if err != nil {
				return nil, err
			}
			rpc, err := p.RPC(context.Background())
			if err != nil {
				return nil, err
			}
			var result map[string]any
			if err := rpc.Call(context.Background(), method, nil, &result); err != nil {
				return nil, err
			}
			return result, nil
		}, server.WithDescription("Forward a call to the host"))
	_ = p.AddHook("peer_connected", nil, func(*server.Args) (any, error) { return nil, nil })
	if mode == "badinit" {
		_ = p.OnInit(func(*plugin.Plugin, plugin.Configuration) (any, error) {
			return nil, errors.New("refusing to start")
		})
	}
	if err := p.Run(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

type recordingRegistry struct {
	registry.Registry
	mu         sync.Mutex
	registered []registry.MethodEntry
}

func (r *recordingRegistry) Register(ctx context.Context, e registry.MethodEntry, ttl int64) error {
	r.mu.Lock()
	r.registered = append(r.registered, e)
	r.mu.Unlock()
	return r.Registry.Register(ctx, e, ttl)
}

func runHelper(t *testing.T, mode string, cfg config.Config, svc func(out *bytes.Buffer) *Service, command []string, opts ...Option) (string, error) {
	t.Helper()
	t.Setenv(helperEnv, mode)
	var out bytes.Buffer
	h := New(cfg, svc(&out), append([]Option{WithOutput(&out), WithOneShot()}, opts...)...)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	err := h.Run(ctx, []string{os.Args[0]}, command)
	return out.String(), err
}

func payService(dir string) func(*bytes.Buffer) *Service {
	return func(out *bytes.Buffer) *Service {
		return NewPayService(out, WithCannedDir(dir))
	}
}

func TestRunCommandWithOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Options = map[string]any{"greeting": "hey"}
	reg := &recordingRegistry{Registry: registry.NewMemoryRegistry()}

	out, err := runHelper(t, "plugin", cfg, payService(""), []string{"hello", "bob"}, WithRegistry(reg))
	require.NoError(t, err)
	assert.Contains(t, out, "Plugin initialized:")
	assert.Contains(t, out, "info: hello called")
	assert.Contains(t, out, `"hey bob"`)

	name := filepath.Base(os.Args[0])
	assert.ElementsMatch(t, []registry.MethodEntry{
		{Plugin: name, Method: "hello", Usage: "[name]", Description: "Greet someone"},
		{Plugin: name, Method: "ask", Usage: "method", Description: "Forward a call to the host"},
		{Plugin: name, Method: "peer_connected", Hook: true},
	}, reg.registered)

	left, err := reg.Discover(context.Background(), name)
	require.NoError(t, err)
	assert.Empty(t, left, "entries are withdrawn when the run ends")
}

func TestPluginCallsBackOverSocket(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "getinfo"), []byte(`{"alias":"harness","blockheight":101}`), 0o600))

	out, err := runHelper(t, "plugin", config.Default(), payService(dir), []string{"ask", "getinfo"})
	require.NoError(t, err)
	assert.Contains(t, out, `"alias": "harness"`)
	assert.Contains(t, out, `"blockheight": 101`)
}

func TestUnservedCallbackIsNotImplemented(t *testing.T) {
	out, err := runHelper(t, "plugin", config.Default(), payService(t.TempDir()), []string{"ask", "listfunds"})
	require.NoError(t, err)
	assert.Contains(t, out, `"error"`)
	assert.Contains(t, out, "not implemented: listfunds")
}

func TestUnknownCommandPrintsError(t *testing.T) {
	out, err := runHelper(t, "plugin", config.Default(), payService(""), []string{"nosuch"})
	require.NoError(t, err)
	assert.Contains(t, out, "Unknown command 'nosuch'")
}

func TestPluginExitDuringHandshake(t *testing.T) {
	_, err := runHelper(t, "exit", config.Default(), payService(""), []string{"hello"})
	assert.ErrorIs(t, err, ErrPluginExited)
}

func TestInitRejected(t *testing.T) {
	_, err := runHelper(t, "badinit", config.Default(), payService(""), []string{"hello"})
	assert.ErrorIs(t, err, ErrInitRejected)
	assert.ErrorContains(t, err, "refusing to start")
}

func TestUnknownOptionRejected(t *testing.T) {
	cfg := config.Default()
	cfg.Options = map[string]any{"bogus": 1}
	_, err := runHelper(t, "plugin", cfg, payService(""), nil)
	assert.ErrorIs(t, err, ErrInitRejected)
	assert.ErrorContains(t, err, "unknown option(s): bogus")
}

func TestRunUntilCancelled(t *testing.T) {
	t.Setenv(helperEnv, "plugin")
	var out bytes.Buffer
	h := New(config.Default(), NewPayService(&out), WithOutput(&out))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := h.Run(ctx, []string{os.Args[0]}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunNeedsPlugin(t *testing.T) {
	h := New(config.Default(), NewService())
	assert.Error(t, h.Run(context.Background(), nil, nil))
	assert.Error(t, h.Run(context.Background(), []string{filepath.Join(t.TempDir(), "missing")}, nil))
}
