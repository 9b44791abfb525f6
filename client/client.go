// Package client is the caller-facing side of the rendering service protocol.
//
// A Client wires one Transport to one pending Registry. Calls are registered
// before their frame is written, so a fast reply can never arrive for an id
// nobody is waiting on:
//
//	Task ──► registry.Register(id) ──► codec.EncodeRequest ──► transport.Send
//	Poll ──► transport.Poll ──► codec.Decode ──► registry.Resolve
//
// There is no dispatcher goroutine in the client: whichever goroutine waits on
// a Future drives Poll, and every frame it dequeues is routed to the right
// Task, its own or another caller's.
package client

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"render-rpc/codec"
	"render-rpc/message"
	"render-rpc/metrics"
	"render-rpc/middleware"
	"render-rpc/pending"
	"render-rpc/protocol"
	"render-rpc/transport"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrDisconnected resolves every request still pending when Disconnect is
// called, and is returned by calls made afterwards.
var ErrDisconnected = errors.New("client disconnected")

// Client issues calls to the rendering service over one connection.
// It is safe for concurrent use. Once its connection fails, a Client stays
// failed: discard it and connect again.
type Client struct {
	transport *transport.Transport
	registry  *pending.Registry
	logger    *zap.Logger
	metrics   *metrics.Metrics
	handler   middleware.HandlerFunc

	middlewares []middleware.Middleware
	closeOnce   sync.Once
	closed      atomic.Bool
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics records client activity in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithMiddleware wraps Execute and Request. Middlewares are applied in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(c *Client) { c.middlewares = append(c.middlewares, mws...) }
}

// New returns a client using an open transport. The client owns the
// transport from now on and closes it on Disconnect.
func New(t *transport.Transport, opts ...Option) *Client {
	c := &Client{
		transport: t,
		registry:  pending.NewRegistry(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = middleware.Chain(c.middlewares...)(c.call)
	return c
}

// Request calls method and blocks until its JSON result is available.
func (c *Client) Request(ctx context.Context, method string, params any) (json.RawMessage, error) {
	reply, err := c.Execute(ctx, method, params, nil)
	if err != nil {
		return nil, err
	}
	return reply.Result, nil
}

// Execute calls method with an optional binary payload and blocks until the
// reply (JSON result and binary payload) is available. A remote failure is
// returned as a *message.RemoteError.
func (c *Client) Execute(ctx context.Context, method string, params any, binary []byte) (*message.Reply, error) {
	return c.handler(ctx, &message.Request{Method: method, Params: params, Binary: binary})
}

// call is the innermost handler of the middleware chain.
func (c *Client) call(ctx context.Context, req *message.Request) (*message.Reply, error) {
	future, err := c.Task(req.Method, req.Params, req.Binary)
	if err != nil {
		return nil, err
	}
	return future.WaitContext(ctx)
}

// Task starts a call and returns immediately with its Future. The request id
// is the smallest integer not currently pending.
func (c *Client) Task(method string, params any, binary []byte) (*Future, error) {
	if c.closed.Load() {
		return nil, ErrDisconnected
	}
	task, err := c.allocate()
	if err != nil {
		return nil, err
	}
	req := &message.Request{ID: task.ID(), Method: method, Params: params, Binary: binary}
	return c.send(req, task)
}

// Send starts a call with a caller-chosen id. A request without id is sent
// as a notification and its Future is ready at once.
func (c *Client) Send(req *message.Request) (*Future, error) {
	if c.closed.Load() {
		return nil, ErrDisconnected
	}
	if req.IsNotification() {
		return c.notify(req)
	}
	task, err := c.registry.Register(req.ID)
	if err != nil {
		return nil, err
	}
	c.metrics.RequestStarted()
	return c.send(req, task)
}

// Notify sends a notification: no id, no reply.
func (c *Client) Notify(method string, params any) error {
	_, err := c.Send(&message.Request{Method: method, Params: params})
	return err
}

// IsRunning reports whether a request with this id is still waiting for its reply.
func (c *Client) IsRunning(id message.ID) bool {
	return c.registry.IsPending(id)
}

// Cancel asks the service to stop working on request id. It is advisory: the
// request still completes through a later reply or error.
func (c *Client) Cancel(id message.ID) error {
	return c.Notify(message.CancelMethod, map[string]message.ID{"id": id})
}

// Poll dequeues at most one inbound frame and routes it to its task. With
// block set it waits for a frame. A transport failure fails every pending
// request and is returned.
func (c *Client) Poll(block bool) error {
	if block {
		return c.pollContext(context.Background())
	}
	f, ok, err := c.transport.Poll(false)
	return c.handle(f, ok, err)
}

// Disconnect closes the connection and fails every pending request with
// ErrDisconnected. Calling it again has no effect.
func (c *Client) Disconnect() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		err = c.transport.Close()
		n := c.registry.ResolveGlobalError(ErrDisconnected)
		c.metrics.RequestsFinished(metrics.OutcomeAbort, n)
		c.logger.Info("disconnected", zap.Int("aborted", n))
	})
	return err
}

// Pending returns the number of requests waiting for a reply.
func (c *Client) Pending() int {
	return c.registry.Len()
}

// allocate registers the smallest free integer id. A concurrent Task may grab
// the same id between the scan and the registration; the scan then moves on.
func (c *Client) allocate() (*pending.Task, error) {
	for n := int64(0); ; n++ {
		id := message.IntID(n)
		if c.registry.IsPending(id) {
			continue
		}
		task, err := c.registry.Register(id)
		if errors.Is(err, pending.ErrAlreadyPending) {
			continue
		}
		if err != nil {
			return nil, err
		}
		c.metrics.RequestStarted()
		return task, nil
	}
}

// send encodes and writes a request whose task is already registered.
func (c *Client) send(req *message.Request, task *pending.Task) (*Future, error) {
	f, err := codec.EncodeRequest(req)
	if err == nil {
		err = c.transport.Send(f)
	}
	if err != nil {
		c.registry.Remove(req.ID)
		c.metrics.RequestsFinished(metrics.OutcomeAbort, 1)
		return nil, err
	}
	c.logger.Debug("request sent",
		zap.Stringer("id", req.ID),
		zap.String("method", req.Method),
		zap.Int("binary", len(req.Binary)))
	return &Future{client: c, task: task}, nil
}

func (c *Client) notify(req *message.Request) (*Future, error) {
	f, err := codec.EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(f); err != nil {
		return nil, err
	}
	c.logger.Debug("notification sent", zap.String("method", req.Method))
	return &Future{client: c}, nil
}

// pollContext blocks for one frame. A context error is returned as is and
// does not affect pending requests.
func (c *Client) pollContext(ctx context.Context) error {
	f, ok, err := c.transport.PollContext(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return err
	}
	return c.handle(f, ok, err)
}

func (c *Client) handle(f protocol.Frame, ok bool, err error) error {
	if err != nil {
		if c.closed.Load() {
			err = ErrDisconnected
		}
		if n := c.registry.ResolveGlobalError(err); n > 0 {
			c.logger.Warn("connection lost, failing pending requests", zap.Int("count", n), zap.Error(err))
			c.metrics.RequestsFinished(metrics.OutcomeAbort, n)
		}
		return err
	}
	if ok {
		c.dispatch(f)
	}
	return nil
}

// dispatch decodes one frame and resolves the task it addresses. Malformed
// frames cannot be attributed to a request, so they fail every pending one.
func (c *Client) dispatch(f protocol.Frame) {
	msg, err := codec.Decode(f)
	if err != nil {
		c.metrics.DecodeError()
		n := c.registry.ResolveGlobalError(err)
		c.metrics.RequestsFinished(metrics.OutcomeAbort, n)
		c.logger.Warn("malformed frame", zap.Error(err), zap.Int("failed", n))
		return
	}

	n := c.registry.Resolve(msg)
	if n == 0 {
		c.metrics.Dropped()
		c.logger.Debug("dropping message for unknown request",
			zap.Stringer("kind", msg.Kind),
			zap.Stringer("id", msg.ID()))
		return
	}
	switch msg.Kind {
	case message.KindProgress:
		c.metrics.Progress()
	case message.KindReply:
		c.metrics.RequestsFinished(metrics.OutcomeReply, n)
	case message.KindError:
		c.metrics.RequestsFinished(metrics.OutcomeError, n)
		if msg.Error.Global() {
			c.logger.Warn("global error from service", zap.Error(msg.Error), zap.Int("failed", n))
		}
	}
}
