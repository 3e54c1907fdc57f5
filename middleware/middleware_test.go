package middleware

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"plugin-rpc/message"
)

// echoHandler answers every request with "ok".
func echoHandler(ctx context.Context, req *message.Message) *message.Message {
	return &message.Message{Kind: message.KindResponse, ID: req.ID, Result: json.RawMessage(`"ok"`)}
}

// deferredHandler answers nothing, like a Deferred method.
func deferredHandler(ctx context.Context, req *message.Message) *message.Message {
	return nil
}

func request(method string) *message.Message {
	return &message.Message{Kind: message.KindRequest, ID: message.NumberID(1), Method: method}
}

func TestLogging(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	handler := LoggingMiddleware(zap.New(core))(echoHandler)

	resp := handler(context.Background(), request("add"))
	require.NotNil(t, resp)
	assert.Equal(t, `"ok"`, string(resp.Result))

	entries := logs.FilterMessage("dispatch done").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "add", entries[0].ContextMap()["method"])

	assert.Nil(t, LoggingMiddleware(zap.New(core))(deferredHandler)(context.Background(), request("later")))
	assert.Equal(t, 1, logs.FilterMessage("dispatch deferred").Len())
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: the first two pass, the third is rejected.
	handler := RateLimitMiddleware(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), request("add"))
		require.Nil(t, resp.Error, "request %d should pass", i)
	}

	resp := handler(context.Background(), request("add"))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "rate limit exceeded", resp.Error.Message)
	assert.Equal(t, message.CodeServer, resp.Error.Code)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)

	handler := Chain(MetricsMiddleware(m))(echoHandler)
	handler(context.Background(), request("add"))
	handler(context.Background(), request("add"))
	Chain(MetricsMiddleware(m))(deferredHandler)(context.Background(), request("later"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Requests.WithLabelValues("add", "0")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Requests.WithLabelValues("later", "-1")))

	_, err = NewMetrics(reg)
	assert.Error(t, err, "collectors register once per registry")
}

func TestChainOrder(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Message) *message.Message {
				order = append(order, name+".before")
				resp := next(ctx, req)
				order = append(order, name+".after")
				return resp
			}
		}
	}

	handler := Chain(mark("A"), mark("B"))(echoHandler)
	require.NotNil(t, handler(context.Background(), request("x")))
	assert.Equal(t, []string{"A.before", "B.before", "B.after", "A.after"}, order)
}
