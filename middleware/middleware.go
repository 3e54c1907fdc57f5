// Package middleware wraps the dispatch stage with cross-cutting behaviour.
//
// A HandlerFunc turns a request into its response. It returns nil when the
// method completes later (Deferred), so middlewares must tolerate a nil
// response.
package middleware

import (
	"context"

	"plugin-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Message) *message.Message

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one; Chain(A, B, C)(h) runs as A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
