package server

import (
	"context"
	"encoding/json"

	"render-rpc/codec"
	"render-rpc/message"

	"github.com/pkg/errors"
)

// Call is the handler's view of one request.
type Call struct {
	ctx  context.Context
	req  *message.Request
	conn *conn
}

type callKey struct{}

func withCall(ctx context.Context, call *Call) context.Context {
	return context.WithValue(ctx, callKey{}, call)
}

func callFrom(ctx context.Context) *Call {
	call, _ := ctx.Value(callKey{}).(*Call)
	return call
}

// Context is cancelled when the client sends a cancel notification for this
// request or the connection goes away.
func (c *Call) Context() context.Context { return c.ctx }

// Canceled reports whether the client asked to stop this call.
func (c *Call) Canceled() bool { return c.ctx.Err() != nil }

// ID returns the request id, absent for notifications.
func (c *Call) ID() message.ID { return c.req.ID }

func (c *Call) Method() string { return c.req.Method }

// Binary returns the raw bytes sent along with the request.
func (c *Call) Binary() []byte { return c.req.Binary }

// Params unmarshals the request params into v. Missing params leave v untouched.
func (c *Call) Params(v any) error {
	switch p := c.req.Params.(type) {
	case nil:
		return nil
	case json.RawMessage:
		if err := json.Unmarshal(p, v); err != nil {
			return &message.RemoteError{Code: message.CodeInvalidParams, Message: err.Error()}
		}
		return nil
	default:
		js, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, "params")
		}
		return json.Unmarshal(js, v)
	}
}

// Progress reports how far operation has got, amount going from 0 to 1.
// It is a no-op for notifications, which nobody is waiting on.
func (c *Call) Progress(operation string, amount float64) error {
	if c.req.IsNotification() || c.conn == nil {
		return nil
	}
	if amount < 0 || amount > 1 {
		return errors.Errorf("progress amount %v out of [0, 1]", amount)
	}
	f, err := codec.EncodeProgress(&message.Progress{ID: c.req.ID, Operation: operation, Amount: amount})
	if err != nil {
		return err
	}
	return c.conn.write(f)
}
