package middleware

import (
	"context"
	"time"

	"render-rpc/message"

	"github.com/pkg/errors"
)

// ErrTimeout is returned when a call does not complete within its deadline.
var ErrTimeout = errors.New("request timed out")

// TimeoutMiddleware bounds the time a call may wait for its reply. When the
// deadline passes the client sends a cancel notification for the request and
// returns ErrTimeout; the service may still finish the work.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			reply, err := next(ctx, req)
			if err != nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, errors.Wrapf(ErrTimeout, "%s after %s", req.Method, timeout)
			}
			return reply, err
		}
	}
}
