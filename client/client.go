// Package client is the synchronous JSON-RPC client a plugin uses to call
// back into its host over the Unix socket advertised during init.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"plugin-rpc/message"
	"plugin-rpc/transport"
)

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for unexpected inbound traffic.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// Client issues one call at a time over a framed connection.
type Client struct {
	mu     sync.Mutex
	ep     *transport.Endpoint
	logger *zap.Logger
}

// Dial connects to the Unix socket at path.
func Dial(ctx context.Context, path string, opts ...Option) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", path, err)
	}
	return New(conn, opts...), nil
}

// New wraps an established connection. The client owns conn from now on.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	c.ep = transport.NewConn(conn, transport.WithLogger(c.logger))
	return c
}

// Call sends method with params and blocks until its response arrives.
// The result is decoded into reply unless reply is nil. An error response is
// returned as *message.Error. Calls are serialized; cancelling ctx closes the
// client, since the stream position of an abandoned call is unknown.
func (c *Client) Call(ctx context.Context, method string, params any, reply any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending, err := c.ep.SendRequest(method, params)
	if err != nil {
		return fmt.Errorf("client: %s: %w", method, err)
	}
	stop := context.AfterFunc(ctx, func() { _ = c.ep.Close() })
	defer stop()

	for {
		msg, err := c.ep.ReceiveNext()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) {
				err = transport.ErrConnClosed
			}
			return fmt.Errorf("client: %s: %w", method, err)
		}
		switch msg.Kind {
		case message.KindResponse:
			if msg.ID != pending.ID {
				continue
			}
		case message.KindRequest:
			c.logger.Warn("host sent a request on the rpc socket", zap.String("method", msg.Method))
			_ = c.ep.SendFailure(msg.ID, message.NewError(message.CodeMethodNotFound, "client does not serve requests", nil))
			continue
		default:
			c.logger.Debug("ignoring notification", zap.String("method", msg.Method))
			continue
		}

		if msg.Error != nil {
			return msg.Error
		}
		if reply == nil {
			return nil
		}
		if err := json.Unmarshal(msg.Result, reply); err != nil {
			return fmt.Errorf("client: decode %s result: %w", method, err)
		}
		return nil
	}
}

// Close releases the connection.
func (c *Client) Close() error {
	return c.ep.Close()
}
