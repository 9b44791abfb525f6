package middleware

import (
	"context"

	"render-rpc/message"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// RateLimitMiddleware throttles calls with a token bucket of r calls
// per second and the given burst. Calls wait for a token rather than fail,
// unless their context ends first.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, errors.Wrap(err, "rate limit")
			}
			return next(ctx, req)
		}
	}
}
