package middleware

import (
	"context"
	"time"

	"render-rpc/message"

	"go.uber.org/zap"
)

// LoggingMiddleware logs every call with its duration and outcome.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.Method),
				zap.Duration("duration", time.Since(start)),
			}
			if len(req.Binary) > 0 {
				fields = append(fields, zap.Int("binary_out", len(req.Binary)))
			}
			if err != nil {
				logger.Warn("call failed", append(fields, zap.Error(err))...)
				return reply, err
			}
			if len(reply.Binary) > 0 {
				fields = append(fields, zap.Int("binary_in", len(reply.Binary)))
			}
			logger.Debug("call finished", fields...)
			return reply, nil
		}
	}
}
