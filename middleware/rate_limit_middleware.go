package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"plugin-rpc/message"
)

// RateLimitMiddleware rejects requests beyond a token-bucket budget of r per
// second with the given burst.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			if !limiter.Allow() {
				return message.NewFailure(req.ID, &message.Error{
					Code:    message.CodeServer,
					Message: "rate limit exceeded",
				})
			}
			return next(ctx, req)
		}
	}
}
