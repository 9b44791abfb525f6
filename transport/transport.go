// Package transport owns the socket to the rendering service.
//
// A Transport pairs one websocket connection with a dedicated goroutine
// (recvLoop) that keeps reading frames and appends them to a bounded inbox.
// Callers never touch the socket for reading: they Poll the inbox, blocking or
// not, from as many goroutines as they like.
//
//	service ──► socket ──► recvLoop ──► inbox ──► Poll (goroutine-1)
//	                                          └─► Poll (goroutine-2)
//	caller  ──► Send (write lock) ──► socket ──► service
//
// The first terminal failure (peer reset, close frame, protocol violation) is
// recorded once and becomes sticky: frames already queued are still handed
// out, then every later Poll or Send returns the same error.
package transport

import (
	"context"
	"sync"
	"time"

	"render-rpc/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrServiceUnavailable means nothing is listening yet. The connector retries on it.
	ErrServiceUnavailable = errors.New("service unavailable")
	// ErrProtocol means the peer did not speak the expected protocol.
	ErrProtocol = errors.New("protocol error")
	// ErrCertificate means the server certificate was rejected.
	ErrCertificate = errors.New("invalid server certificate")
	// ErrConnectionClosed means the peer closed the connection or it broke.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrClosed means Close was called on this side.
	ErrClosed = errors.New("transport closed")
)

const (
	defaultInboxSize = 1024
	writeWait        = 10 * time.Second
)

// Socket is the subset of *websocket.Conn used by the transport.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Options tune a Transport. The zero value is usable.
type Options struct {
	Logger       *zap.Logger
	InboxSize    int           // Frames buffered before recvLoop stops reading (default 1024)
	PingInterval time.Duration // Websocket ping period, 0 disables heartbeats
}

// Transport manages a single socket and its inbound queue.
type Transport struct {
	socket  Socket
	logger  *zap.Logger
	sending sync.Mutex // Serializes data writes, a websocket supports one concurrent writer

	mu       sync.Mutex
	cond     *sync.Cond // Signaled on every inbox change, terminal error and close
	inbox    []protocol.Frame
	capacity int
	err      error // Sticky terminal error, nil while healthy

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{} // Closed when recvLoop exits
}

// New wraps an open socket and starts its background goroutines:
//   - recvLoop: reads frames into the inbox until the socket fails or is closed
//   - heartbeatLoop: sends websocket pings when opts.PingInterval > 0
func New(socket Socket, opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	t := &Transport{
		socket:   socket,
		logger:   opts.Logger,
		capacity: opts.InboxSize,
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	go t.recvLoop()
	if opts.PingInterval > 0 {
		go t.heartbeatLoop(opts.PingInterval)
	}
	return t
}

// Send writes one frame to the socket. It fails with the sticky error once
// the transport is broken or closed.
func (t *Transport) Send(f protocol.Frame) error {
	if err := t.Err(); err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if f.Binary {
		messageType = websocket.BinaryMessage
	}

	t.sending.Lock()
	err := t.socket.SetWriteDeadline(time.Now().Add(writeWait))
	if err == nil {
		err = t.socket.WriteMessage(messageType, f.Data)
	}
	t.sending.Unlock()

	if err != nil {
		t.fail(classifyIOError(err))
		return t.Err()
	}
	return nil
}

// Poll returns the oldest queued frame. With block set it waits until a frame
// arrives or a terminal error is recorded; without it, it returns ok=false
// when the inbox is empty.
func (t *Transport) Poll(block bool) (f protocol.Frame, ok bool, err error) {
	if block {
		return t.PollContext(context.Background())
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.inbox) > 0 {
		return t.dequeue(), true, nil
	}
	return protocol.Frame{}, false, t.err
}

// PollContext blocks like Poll(true) but gives up when ctx is done, returning ctx.Err().
func (t *Transport) PollContext(ctx context.Context) (protocol.Frame, bool, error) {
	stop := context.AfterFunc(ctx, func() {
		t.mu.Lock()
		t.cond.Broadcast()
		t.mu.Unlock()
	})
	defer stop()

	t.mu.Lock()
	defer t.mu.Unlock()
	for len(t.inbox) == 0 && t.err == nil {
		if err := ctx.Err(); err != nil {
			return protocol.Frame{}, false, err
		}
		t.cond.Wait()
	}
	if len(t.inbox) > 0 {
		return t.dequeue(), true, nil
	}
	return protocol.Frame{}, false, t.err
}

// Err returns the sticky terminal error, if any.
func (t *Transport) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Close stops the background goroutines and releases the socket. Calling it
// more than once has no further effect. It never waits on a pending Send:
// closing the socket aborts a write stuck on a peer that stopped reading.
func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.fail(ErrClosed)
		close(t.closing)

		// WriteControl and Close may run concurrently with WriteMessage.
		_ = t.socket.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = t.socket.Close()
		<-t.done
		t.logger.Debug("transport closed")
	})
	return err
}

// Done returns a channel closed once the receive goroutine has exited.
func (t *Transport) Done() <-chan struct{} {
	return t.done
}

// dequeue pops the head of the inbox. Caller holds t.mu.
func (t *Transport) dequeue() protocol.Frame {
	f := t.inbox[0]
	t.inbox[0] = protocol.Frame{}
	t.inbox = t.inbox[1:]
	t.cond.Broadcast() // recvLoop may be waiting for space
	return f
}

// fail records the first terminal error and wakes every waiter.
func (t *Transport) fail(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	t.err = err
	t.cond.Broadcast()
}

// recvLoop runs in its own goroutine and is the only reader of the socket.
// Errors are stored, never returned: there is no caller to return them to.
func (t *Transport) recvLoop() {
	defer close(t.done)
	for {
		messageType, data, err := t.socket.ReadMessage()
		if err != nil {
			err = classifyIOError(err)
			t.logger.Debug("receive loop stopped", zap.Error(err))
			t.fail(err)
			return
		}

		var f protocol.Frame
		switch messageType {
		case websocket.TextMessage:
			f = protocol.Frame{Data: data}
		case websocket.BinaryMessage:
			f = protocol.Frame{Binary: true, Data: data}
		default:
			continue
		}

		t.mu.Lock()
		for len(t.inbox) >= t.capacity && t.err == nil {
			t.cond.Wait()
		}
		if t.err != nil {
			t.mu.Unlock()
			return
		}
		t.inbox = append(t.inbox, f)
		t.cond.Broadcast()
		t.mu.Unlock()
	}
}

// heartbeatLoop sends periodic pings so that dead peers are noticed by the
// next read or write instead of hanging forever.
func (t *Transport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closing:
			return
		case <-t.done:
			return
		case <-ticker.C:
		}
		err := t.socket.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
		if err != nil {
			t.fail(classifyIOError(err))
			return
		}
	}
}

// classifyIOError maps errors seen on an established connection.
func classifyIOError(err error) error {
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrConnectionClosed), errors.Is(err, ErrProtocol):
		return err
	case websocket.IsCloseError(err, websocket.CloseProtocolError, websocket.CloseUnsupportedData, websocket.CloseInvalidFramePayloadData):
		return errors.Wrap(ErrProtocol, err.Error())
	default:
		return errors.Wrap(ErrConnectionClosed, err.Error())
	}
}
