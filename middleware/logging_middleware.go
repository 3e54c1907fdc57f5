package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"plugin-rpc/message"
)

// LoggingMiddleware logs every dispatch with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Message) *message.Message {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Stringer("id", req.ID),
				zap.Duration("duration", time.Since(start)),
			}
			switch {
			case resp == nil:
				logger.Debug("dispatch deferred", fields...)
			case resp.Error != nil:
				logger.Info("dispatch failed", append(fields, zap.Int("code", resp.Error.Code), zap.String("error", resp.Error.Message))...)
			default:
				logger.Debug("dispatch done", fields...)
			}
			return resp
		}
	}
}
