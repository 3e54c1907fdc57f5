package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plugin-rpc/message"
	"plugin-rpc/transport"
)

// serve answers getinfo and fails everything else.
func serve(ep *transport.Endpoint) {
	for {
		msg, err := ep.ReceiveNext()
		if err != nil {
			return
		}
		if msg.Kind != message.KindRequest {
			continue
		}
		switch msg.Method {
		case "getinfo":
			_ = ep.SendResponse(msg.ID, map[string]any{"id": "02aa", "params": json.RawMessage(msg.Params)})
		case "hang":
		default:
			_ = ep.SendFailure(msg.ID, message.NewError(message.CodeMethodNotFound, "Unknown command '"+msg.Method+"'", nil))
		}
	}
}

func newPair(t *testing.T) *Client {
	t.Helper()
	a, b := net.Pipe()
	host := transport.NewConn(b)
	go serve(host)
	c := New(a)
	t.Cleanup(func() {
		_ = c.Close()
		_ = host.Close()
	})
	return c
}

func TestCallDecodesResult(t *testing.T) {
	c := newPair(t)

	var info struct {
		ID     string          `json:"id"`
		Params json.RawMessage `json:"params"`
	}
	require.NoError(t, c.Call(context.Background(), "getinfo", nil, &info))
	assert.Equal(t, "02aa", info.ID)
	assert.JSONEq(t, `{}`, string(info.Params))

	require.NoError(t, c.Call(context.Background(), "getinfo", []string{"x"}, &info))
	assert.JSONEq(t, `["x"]`, string(info.Params))

	require.NoError(t, c.Call(context.Background(), "getinfo", nil, nil))
}

func TestCallReturnsRPCError(t *testing.T) {
	c := newPair(t)

	err := c.Call(context.Background(), "listfunds", nil, nil)
	var rpcErr *message.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, message.CodeMethodNotFound, rpcErr.Code)

	require.NoError(t, c.Call(context.Background(), "getinfo", nil, nil), "client still usable")
}

func TestCancelClosesClient(t *testing.T) {
	c := newPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Call(ctx, "hang", nil, nil) }()
	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)

	err := c.Call(context.Background(), "getinfo", nil, nil)
	assert.ErrorIs(t, err, transport.ErrConnClosed)
}

func TestCallAfterPeerHangsUp(t *testing.T) {
	a, b := net.Pipe()
	c := New(a)
	defer c.Close()

	go func() {
		host := transport.NewConn(b)
		_, _ = host.ReceiveNext()
		_ = host.Close()
	}()

	err := c.Call(context.Background(), "getinfo", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, transport.ErrConnClosed) || errors.Is(err, net.ErrClosed), err)
}

func TestDialUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lightning-rpc")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		serve(transport.NewConn(conn))
	}()

	c, err := Dial(context.Background(), path)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Call(context.Background(), "getinfo", nil, nil))

	_, err = Dial(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}
