package server

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"render-rpc/codec"
	"render-rpc/discovery"
	"render-rpc/message"
	"render-rpc/middleware"
	"render-rpc/protocol"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type addArgs struct {
	A, B int
}

func newTestServer(t *testing.T, setup ...func(*Server)) (*Server, *websocket.Conn) {
	t.Helper()
	svr := NewServer(nil)
	svr.Handle("add", func(call *Call) (any, []byte, error) {
		var args addArgs
		if err := call.Params(&args); err != nil {
			return nil, nil, err
		}
		return args.A + args.B, nil, nil
	})
	svr.Handle("reverse", func(call *Call) (any, []byte, error) {
		in := call.Binary()
		out := make([]byte, len(in))
		for i, b := range in {
			out[len(in)-1-i] = b
		}
		return map[string]int{"size": len(out)}, out, nil
	})
	for _, fn := range setup {
		fn(svr)
	}

	hs := httptest.NewServer(svr)
	t.Cleanup(hs.Close)
	ws, _, err := websocket.DefaultDialer.Dial("ws://"+strings.TrimPrefix(hs.URL, "http://"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return svr, ws
}

func send(t *testing.T, ws *websocket.Conn, req *message.Request) {
	t.Helper()
	f, err := codec.EncodeRequest(req)
	require.NoError(t, err)
	typ := websocket.TextMessage
	if f.Binary {
		typ = websocket.BinaryMessage
	}
	require.NoError(t, ws.WriteMessage(typ, f.Data))
}

func receive(t *testing.T, ws *websocket.Conn) *message.Inbound {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	typ, data, err := ws.ReadMessage()
	require.NoError(t, err)
	msg, err := codec.Decode(protocol.Frame{Binary: typ == websocket.BinaryMessage, Data: data})
	require.NoError(t, err)
	return msg
}

func TestServerReply(t *testing.T) {
	_, ws := newTestServer(t)

	send(t, ws, &message.Request{ID: message.IntID(123), Method: "add", Params: addArgs{1, 2}})
	msg := receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.Equal(t, message.IntID(123), msg.Reply.ID)
	assert.JSONEq(t, `3`, string(msg.Reply.Result))
}

func TestServerBinaryReply(t *testing.T) {
	_, ws := newTestServer(t)

	send(t, ws, &message.Request{ID: message.StringID("r"), Method: "reverse", Binary: []byte("abc")})
	msg := receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.Equal(t, []byte("cba"), msg.Reply.Binary)
	assert.JSONEq(t, `{"size":3}`, string(msg.Reply.Result))
}

func TestServerMethodNotFound(t *testing.T) {
	_, ws := newTestServer(t)

	send(t, ws, &message.Request{ID: message.IntID(1), Method: "nope"})
	msg := receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.Equal(t, message.IntID(1), msg.Error.ID)
	assert.Equal(t, message.CodeMethodNotFound, msg.Error.Code)
}

func TestServerInvalidParams(t *testing.T) {
	_, ws := newTestServer(t)

	send(t, ws, &message.Request{ID: message.IntID(1), Method: "add", Params: "not an object"})
	msg := receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.Equal(t, message.CodeInvalidParams, msg.Error.Code)
}

func TestServerMalformedRequest(t *testing.T) {
	_, ws := newTestServer(t)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{not json`)))
	msg := receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.True(t, msg.Error.Global())
	assert.Equal(t, message.CodeParseError, msg.Error.Code)
}

func TestServerProgressThenReply(t *testing.T) {
	svr, ws := newTestServer(t)
	svr.Handle("render", func(call *Call) (any, []byte, error) {
		for _, amount := range []float64{0.25, 0.5} {
			if err := call.Progress("render", amount); err != nil {
				return nil, nil, err
			}
		}
		return "done", nil, nil
	})

	send(t, ws, &message.Request{ID: message.IntID(7), Method: "render"})
	for _, amount := range []float64{0.25, 0.5} {
		msg := receive(t, ws)
		require.Equal(t, message.KindProgress, msg.Kind)
		assert.Equal(t, message.IntID(7), msg.Progress.ID)
		assert.Equal(t, "render", msg.Progress.Operation)
		assert.Equal(t, amount, msg.Progress.Amount)
	}
	msg := receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.JSONEq(t, `"done"`, string(msg.Reply.Result))
}

func TestServerCancel(t *testing.T) {
	svr, ws := newTestServer(t)
	started := make(chan struct{})
	svr.Handle("wait", func(call *Call) (any, []byte, error) {
		close(started)
		<-call.Context().Done()
		return nil, nil, &message.RemoteError{Code: 1, Message: "canceled"}
	})

	send(t, ws, &message.Request{ID: message.IntID(5), Method: "wait"})
	<-started
	send(t, ws, &message.Request{Method: message.CancelMethod, Params: map[string]any{"id": 5}})

	msg := receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.Equal(t, message.IntID(5), msg.Error.ID)
	assert.Equal(t, 1, msg.Error.Code)
}

func TestServerCancelBeforeHandlerRuns(t *testing.T) {
	svr, ws := newTestServer(t)
	gate := make(chan struct{})
	svr.Handle("wait", func(call *Call) (any, []byte, error) {
		<-gate
		if err := call.Context().Err(); err != nil {
			return nil, nil, &message.RemoteError{Code: 1, Message: "canceled"}
		}
		return "finished", nil, nil
	})

	send(t, ws, &message.Request{ID: message.IntID(5), Method: "wait"})
	send(t, ws, &message.Request{Method: message.CancelMethod, Params: map[string]any{"id": 5}})
	// Frames are read in order: once add is answered the cancel was handled.
	send(t, ws, &message.Request{ID: message.IntID(6), Method: "add", Params: addArgs{1, 1}})
	msg := receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.Equal(t, message.IntID(6), msg.Reply.ID)
	close(gate)

	msg = receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.Equal(t, message.IntID(5), msg.Error.ID)
	assert.Equal(t, 1, msg.Error.Code)
}

func TestServerRejectsRequestsDuringShutdown(t *testing.T) {
	svr, ws := newTestServer(t)
	started := make(chan struct{})
	release := make(chan struct{})
	svr.Handle("slow", func(*Call) (any, []byte, error) {
		close(started)
		<-release
		return "slow", nil, nil
	})

	send(t, ws, &message.Request{ID: message.IntID(1), Method: "slow"})
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- svr.Shutdown(2 * time.Second) }()
	assert.Eventually(t, svr.shutdown.Load, time.Second, 5*time.Millisecond)

	send(t, ws, &message.Request{ID: message.IntID(2), Method: "add", Params: addArgs{1, 1}})
	msg := receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.Equal(t, message.IntID(2), msg.Error.ID)
	assert.Equal(t, "server shutting down", msg.Error.Message)

	close(release)
	msg = receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.Equal(t, message.IntID(1), msg.Reply.ID)
	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}

func TestServerHandlerError(t *testing.T) {
	svr, ws := newTestServer(t)
	svr.Handle("fail", func(*Call) (any, []byte, error) {
		return nil, nil, errors.New("boom")
	})

	send(t, ws, &message.Request{ID: message.IntID(2), Method: "fail"})
	msg := receive(t, ws)
	require.Equal(t, message.KindError, msg.Kind)
	assert.Equal(t, message.CodeInternalError, msg.Error.Code)
	assert.Equal(t, "boom", msg.Error.Message)
}

func TestServerNotificationGetsNoReply(t *testing.T) {
	svr, ws := newTestServer(t)
	var mu sync.Mutex
	var seen []string
	svr.Handle("log", func(call *Call) (any, []byte, error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, call.Method())
		return nil, nil, nil
	})

	send(t, ws, &message.Request{Method: "log"})
	send(t, ws, &message.Request{ID: message.IntID(1), Method: "add", Params: addArgs{2, 2}})

	msg := receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.Equal(t, message.IntID(1), msg.Reply.ID)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServerMiddleware(t *testing.T) {
	methods := make(chan string, 1)
	_, ws := newTestServer(t, func(svr *Server) {
		svr.Use(func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.Request) (*message.Reply, error) {
				methods <- req.Method
				return next(ctx, req)
			}
		})
	})

	send(t, ws, &message.Request{ID: message.IntID(1), Method: "add", Params: addArgs{1, 1}})
	msg := receive(t, ws)
	require.Equal(t, message.KindReply, msg.Kind)
	assert.Equal(t, "add", <-methods)
}

type fakeRegistry struct {
	discovery.Static
	registered   []string
	deregistered []string
}

func (r *fakeRegistry) Register(_ context.Context, service string, inst discovery.Instance, _ int64) error {
	r.registered = append(r.registered, service+"="+inst.Addr)
	return nil
}

func (r *fakeRegistry) Deregister(_ context.Context, service, addr string) error {
	r.deregistered = append(r.deregistered, service+"="+addr)
	return nil
}

func (r *fakeRegistry) Watch(context.Context, string) <-chan []discovery.Instance {
	return nil
}

func TestServeAnnounceAndShutdown(t *testing.T) {
	svr := NewServer(nil)
	reg := &fakeRegistry{}
	require.NoError(t, svr.Announce(context.Background(), reg, "renderer", discovery.Instance{Addr: "127.0.0.1:9"}, 10))
	assert.Equal(t, []string{"renderer=127.0.0.1:9"}, reg.registered)

	served := make(chan error, 1)
	go func() { served <- svr.ListenAndServe("127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	assert.Equal(t, []string{"renderer=127.0.0.1:9"}, reg.deregistered)
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Shutdown")
	}
}
