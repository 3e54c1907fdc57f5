package test

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-rpc/amount"
	"plugin-rpc/harness"
	"plugin-rpc/message"
	"plugin-rpc/plugin"
	"plugin-rpc/registry"
	"plugin-rpc/server"
	"plugin-rpc/transport"
)

// ---- plugin under test ----

func newPlugin(t testing.TB, in io.Reader, out io.Writer) *plugin.Plugin {
	p := plugin.New(plugin.WithStreams(in, out))
	require.NoError(t, p.AddMethod("add", []server.ParamSpec{server.Param("a"), server.Param("b")},
		func(args *server.Args) (any, error) {
			a, err := args.Int("a")
			if err != nil {
				return nil, err
			}
			b, err := args.Int("b")
			return a + b, err
		}, server.WithDescription("Add two numbers")))
	require.NoError(t, p.AddMethod("total", []server.ParamSpec{server.Msat("first"), server.VarArgs("more")},
		func(args *server.Args) (any, error) {
			sum, err := args.Msat("first")
			if err != nil {
				return nil, err
			}
			for _, raw := range args.Rest() {
				m, err := amount.FromJSON(raw)
				if err != nil {
					return nil, err
				}
				sum += m
			}
			return sum, nil
		}, server.WithDescription("Sum amounts")))
	require.NoError(t, p.AddMethod("alias", []server.ParamSpec{server.InjectOwner("plugin")},
		func(args *server.Args) (any, error) {
			rpc, err := args.Owner().(*plugin.Plugin).RPC(context.Background())
			if err != nil {
				return nil, err
			}
			var info struct {
				Alias string `json:"alias"`
			}
			if err := rpc.Call(context.Background(), "getinfo", nil, &info); err != nil {
				return nil, err
			}
			return info.Alias, nil
		}, server.WithDescription("Ask the host for its alias")))
	require.NoError(t, p.AddOption("greeting", "hello", "unused"))
	return p
}

// ---- host side ----

type host struct {
	ep        *transport.Endpoint
	handshake *plugin.Handshake
}

func startHost(t *testing.T, svc *harness.Service) (*host, *plugin.Plugin, string) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, harness.SocketName)
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ep := transport.NewConn(conn)
		for {
			msg, err := ep.ReceiveNext()
			if err != nil {
				return
			}
			if msg.Kind == message.KindRequest {
				_ = svc.Serve(context.Background(), ep, msg)
			}
		}
	}()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	p := newPlugin(t, inR, outW)
	done := make(chan error, 1)
	go func() {
		done <- p.Run(context.Background())
		outW.Close()
	}()

	h := &host{ep: transport.New(outR, inW, transport.WithCloser(inW)), handshake: plugin.NewHandshake()}
	go func() {
		for {
			msg, err := h.ep.ReceiveNext()
			if err != nil {
				return
			}
			if msg.Kind == message.KindNotification {
				svc.Notify(context.Background(), msg)
			}
		}
	}()
	t.Cleanup(func() {
		h.ep.Close()
		outR.Close()
		<-done
	})
	return h, p, dir
}

func (h *host) call(t *testing.T, method string, params any) (*message.Message, error) {
	t.Helper()
	pending, err := h.ep.SendRequest(method, params)
	require.NoError(t, err)
	if method == plugin.MethodGetManifest || method == plugin.MethodInit {
		require.NoError(t, h.handshake.Sent(method, pending.ID))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	resp, err := pending.Wait(ctx)
	if resp != nil {
		h.handshake.Acked(resp.ID)
	}
	return resp, err
}

func TestPluginEndToEnd(t *testing.T) {
	canned := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(canned, "getinfo"), []byte(`{"alias":"SLICKERBOAR"}`), 0o600))
	var logs strings.Builder
	svc := harness.NewPayService(&logs, harness.WithCannedDir(canned))
	h, p, dir := startHost(t, svc)

	// Before the handshake only getmanifest is allowed, so start with it.
	resp, err := h.call(t, "getmanifest", map[string]any{})
	require.NoError(t, err)
	var manifest plugin.Manifest
	require.NoError(t, json.Unmarshal(resp.Result, &manifest))
	require.Len(t, manifest.RPCMethods, 3)
	assert.Equal(t, "a b", manifest.RPCMethods[0].Usage)
	assert.Equal(t, "first", manifest.RPCMethods[1].Usage)
	assert.Equal(t, plugin.StateCapabilitiesAcked, h.handshake.State())

	reg := registry.NewMemoryRegistry()
	for _, m := range manifest.RPCMethods {
		require.NoError(t, reg.Register(context.Background(), registry.MethodEntry{Plugin: "itest", Method: m.Name, Usage: m.Usage, Description: m.Description}, 10))
	}
	published, err := reg.Discover(context.Background(), "itest")
	require.NoError(t, err)
	assert.Len(t, published, 3)

	_, err = h.call(t, "init", map[string]any{
		"options":       map[string]any{"greeting": "hi"},
		"configuration": plugin.Configuration{LightningDir: dir, RPCFile: harness.SocketName, Network: "regtest", Startup: true},
	})
	require.NoError(t, err)
	assert.True(t, h.handshake.Running())
	assert.Equal(t, plugin.StateRunning, p.State())

	resp, err = h.call(t, "add", []int{2, 3})
	require.NoError(t, err)
	assert.Equal(t, "5", string(resp.Result))
	resp, err = h.call(t, "add", map[string]int{"a": 2, "b": 3})
	require.NoError(t, err)
	assert.Equal(t, "5", string(resp.Result))

	resp, err = h.call(t, "total", []any{"1sat", 500, "0.00000001btc"})
	require.NoError(t, err)
	assert.Equal(t, "2500", string(resp.Result))

	_, err = h.call(t, "nosuch", nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeMethodNotFound, rpcErr.Code)

	resp, err = h.call(t, "alias", nil)
	require.NoError(t, err, "the endpoint survives an unknown method")
	assert.Equal(t, `"SLICKERBOAR"`, string(resp.Result))
}

// Needs a live etcd, e.g. PLUGIN_RPC_ETCD=127.0.0.1:2379.
func TestManifestPublishedToEtcd(t *testing.T) {
	endpoints := os.Getenv("PLUGIN_RPC_ETCD")
	if endpoints == "" {
		t.Skip("PLUGIN_RPC_ETCD not set")
	}
	reg, err := registry.NewEtcdRegistry(strings.Split(endpoints, ","), nil)
	require.NoError(t, err)
	defer reg.Close()

	h, _, _ := startHost(t, harness.NewService())
	resp, err := h.call(t, "getmanifest", nil)
	require.NoError(t, err)
	var manifest plugin.Manifest
	require.NoError(t, json.Unmarshal(resp.Result, &manifest))

	ctx := context.Background()
	for _, m := range manifest.RPCMethods {
		require.NoError(t, reg.Register(ctx, registry.MethodEntry{Plugin: "itest-etcd", Method: m.Name, Usage: m.Usage}, 10))
		defer reg.Deregister(ctx, "itest-etcd", m.Name)
	}
	found, err := reg.Discover(ctx, "itest-etcd")
	require.NoError(t, err)
	assert.Len(t, found, len(manifest.RPCMethods))
}
