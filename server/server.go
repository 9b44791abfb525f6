// Package server implements a rendering service endpoint speaking the client
// protocol over websocket. It backs the integration tests and can stand in
// for the real renderer during development.
//
// Request processing pipeline:
//
//	Upgrade → serveConn (single goroutine reads frames)
//	  → "cancel" notification: cancel the matching call context
//	  → anything else: go handleRequest (parallel processing)
//	    → codec.DecodeRequest → middleware chain → invoke (Handler) → codec.Encode* → write
package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"render-rpc/codec"
	"render-rpc/discovery"
	"render-rpc/message"
	"render-rpc/middleware"
	"render-rpc/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler serves one method. The result is marshalled to JSON; a non-empty
// binary payload is attached to the reply. Returning a *message.RemoteError
// sends that error as is, any other error becomes an internal error.
type Handler func(call *Call) (result any, binary []byte, err error)

// Server dispatches websocket requests to registered handlers.
type Server struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	conns    map[*conn]struct{}

	logger      *zap.Logger
	upgrader    websocket.Upgrader
	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	http     *http.Server
	wg       sync.WaitGroup // In-flight requests
	shutdown atomic.Bool

	registry  discovery.Registry // nil unless Announce was called
	service   string
	advertise discovery.Instance
}

// NewServer creates a server without handlers.
func NewServer(logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		handlers: make(map[string]Handler),
		conns:    make(map[*conn]struct{}),
		logger:   logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.handler = s.invoke
	return s
}

// Handle registers h for method, replacing any previous handler.
func (s *Server) Handle(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Use registers a middleware around every handler. Middlewares are applied
// in the order they are added and must be registered before serving.
func (s *Server) Use(mw middleware.Middleware) {
	s.middlewares = append(s.middlewares, mw)
	s.handler = middleware.Chain(s.middlewares...)(s.invoke)
}

// Announce registers the server under service in reg. It is deregistered on Shutdown.
func (s *Server) Announce(ctx context.Context, reg discovery.Registry, service string, instance discovery.Instance, ttl int64) error {
	if err := reg.Register(ctx, service, instance, ttl); err != nil {
		return errors.Wrapf(err, "announce %s", service)
	}
	s.registry = reg
	s.service = service
	s.advertise = instance
	return nil
}

// Serve accepts websocket connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return nil
	}
	s.http = &http.Server{Handler: s, ReadHeaderTimeout: 10 * time.Second}
	srv := s.http
	s.mu.Unlock()

	s.logger.Info("serving", zap.Stringer("addr", l.Addr()))
	err := srv.Serve(l)
	if s.shutdown.Load() && errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the TCP address addr and calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(l)
}

// ServeHTTP upgrades the request to a websocket and serves it.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.shutdown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	c := &conn{ws: ws, calls: make(map[message.ID]context.CancelFunc)}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.serveConn(c)

	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// Shutdown stops the server gracefully:
//  1. Deregister from discovery, so clients stop picking this instance
//  2. Stop accepting connections
//  3. Wait for in-flight requests, at most timeout
//  4. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if s.registry != nil {
		if err := s.registry.Deregister(ctx, s.service, s.advertise.Addr); err != nil {
			s.logger.Warn("deregister failed", zap.String("service", s.service), zap.Error(err))
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	srv := s.http
	s.mu.Unlock()
	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.New("timeout waiting for ongoing requests to finish")
	}

	s.mu.RLock()
	for c := range s.conns {
		c.close()
	}
	s.mu.RUnlock()
	return err
}

func (s *Server) serveConn(c *conn) {
	defer c.close()
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			s.logger.Debug("connection closed", zap.Error(err))
			c.cancelAll()
			return
		}
		req, err := codec.DecodeRequest(protocol.Frame{Binary: typ == websocket.BinaryMessage, Data: data})
		if err != nil {
			s.logger.Debug("malformed request", zap.Error(err))
			c.writeError(&message.RemoteError{Code: message.CodeParseError, Message: err.Error()})
			continue
		}
		if req.Method == message.CancelMethod && req.IsNotification() {
			c.cancel(req)
			continue
		}

		// Shutdown flips the flag under the write lock before waiting, so no
		// request joins the wait group once Wait may have started.
		s.mu.RLock()
		if s.shutdown.Load() {
			s.mu.RUnlock()
			if !req.IsNotification() {
				c.writeError(&message.RemoteError{ID: req.ID, Code: message.CodeInternalError, Message: "server shutting down"})
			}
			continue
		}
		s.wg.Add(1)
		s.mu.RUnlock()

		// The call is tracked before the next frame is read, so a cancel
		// right behind its request always finds it.
		ctx, cancel := context.WithCancel(context.Background())
		if !req.IsNotification() {
			c.track(req.ID, cancel)
		}
		go s.handleRequest(ctx, cancel, c, req)
	}
}

// handleRequest runs one call and writes its reply. Notifications run the
// handler but never get an answer.
func (s *Server) handleRequest(ctx context.Context, cancel context.CancelFunc, c *conn, req *message.Request) {
	defer s.wg.Done()
	defer cancel()
	if !req.IsNotification() {
		defer c.untrack(req.ID)
	}
	call := &Call{ctx: ctx, req: req, conn: c}

	reply, err := s.handler(withCall(ctx, call), req)
	if req.IsNotification() {
		return
	}
	if err != nil {
		var remote *message.RemoteError
		if !errors.As(err, &remote) {
			remote = &message.RemoteError{Code: message.CodeInternalError, Message: err.Error()}
		}
		e := *remote
		e.ID = req.ID
		c.writeError(&e)
		return
	}
	reply.ID = req.ID
	f, err := codec.EncodeReply(reply)
	if err != nil {
		s.logger.Warn("encode reply failed", zap.String("method", req.Method), zap.Error(err))
		c.writeError(&message.RemoteError{ID: req.ID, Code: message.CodeInternalError, Message: err.Error()})
		return
	}
	if err := c.write(f); err != nil {
		s.logger.Debug("write reply failed", zap.Error(err))
	}
}

// invoke is the innermost handler of the middleware chain.
func (s *Server) invoke(ctx context.Context, req *message.Request) (*message.Reply, error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Method]
	s.mu.RUnlock()
	if !ok {
		return nil, &message.RemoteError{Code: message.CodeMethodNotFound, Message: "method not found: " + req.Method}
	}
	call := callFrom(ctx)
	if call == nil {
		call = &Call{ctx: ctx, req: req}
	}
	result, binary, err := h(call)
	if err != nil {
		return nil, err
	}
	js, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal result of %s", req.Method)
	}
	return &message.Reply{Result: js, Binary: binary}, nil
}

// conn is one client websocket. Writes are serialized by writeMu since
// handlers reply from their own goroutines.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu    sync.Mutex
	calls map[message.ID]context.CancelFunc

	closeOnce sync.Once
}

func (c *conn) write(f protocol.Frame) error {
	typ := websocket.TextMessage
	if f.Binary {
		typ = websocket.BinaryMessage
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(typ, f.Data)
}

func (c *conn) writeError(e *message.RemoteError) {
	f, err := codec.EncodeError(e)
	if err != nil {
		return
	}
	_ = c.write(f)
}

func (c *conn) track(id message.ID, cancel context.CancelFunc) {
	c.mu.Lock()
	c.calls[id] = cancel
	c.mu.Unlock()
}

func (c *conn) untrack(id message.ID) {
	c.mu.Lock()
	delete(c.calls, id)
	c.mu.Unlock()
}

// cancel handles a {"method":"cancel","params":{"id":...}} notification.
// Unknown ids are ignored, the call may have finished already.
func (c *conn) cancel(req *message.Request) {
	var params struct {
		ID message.ID `json:"id"`
	}
	raw, _ := req.Params.(json.RawMessage)
	if err := json.Unmarshal(raw, &params); err != nil || params.ID.IsZero() {
		return
	}
	c.mu.Lock()
	cancel, ok := c.calls[params.ID]
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *conn) cancelAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.calls {
		cancel()
	}
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
	})
}
