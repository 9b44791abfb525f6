// Package middleware wraps calls: blocking client calls, and the handlers of
// the stub server, which share the same signature.
//
// Middlewares compose like an onion: Chain(A, B, C)(call) runs
// A.before → B.before → C.before → call → C.after → B.after → A.after.
package middleware

import (
	"context"

	"render-rpc/message"
)

// HandlerFunc performs one call and waits for its outcome.
type HandlerFunc func(ctx context.Context, req *message.Request) (*message.Reply, error)

// Middleware decorates a HandlerFunc.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines several middlewares into one, the first being the outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
