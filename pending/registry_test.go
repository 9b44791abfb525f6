package pending

import (
	"encoding/json"
	"sync"
	"testing"

	"render-rpc/message"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(id int64, result string) *message.Reply {
	return &message.Reply{ID: message.IntID(id), Result: json.RawMessage(result)}
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(message.IntID(0))
	require.NoError(t, err)

	_, err = r.Register(message.IntID(0))
	assert.True(t, errors.Is(err, ErrAlreadyPending))

	_, err = r.Register(message.ID{})
	assert.True(t, errors.Is(err, ErrNoID))
	assert.Equal(t, 1, r.Len())
}

func TestResolveReplyRemovesTask(t *testing.T) {
	r := NewRegistry()
	task, err := r.Register(message.IntID(0))
	require.NoError(t, err)
	assert.False(t, task.Ready())

	_, err = task.Result()
	assert.True(t, errors.Is(err, ErrNotReady))

	assert.True(t, r.ResolveReply(reply(0, `{"major":1}`)))
	assert.True(t, task.Ready())
	assert.False(t, r.IsPending(message.IntID(0)))
	assert.Equal(t, 0, r.Len())

	got, err := task.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"major":1}`, string(got.Result))

	select {
	case <-task.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestRegistryIsolation(t *testing.T) {
	r := NewRegistry()
	t0, _ := r.Register(message.IntID(0))
	t1, _ := r.Register(message.IntID(1))

	r.ResolveProgress(&message.Progress{ID: message.IntID(0), Operation: "loading", Amount: 0.3})
	r.ResolveReply(reply(0, `1`))

	assert.True(t, t0.Ready())
	assert.False(t, t1.Ready())
	assert.False(t, t1.HasProgress())
	assert.True(t, r.IsPending(message.IntID(1)))
}

func TestLateAndDuplicateRepliesDropped(t *testing.T) {
	r := NewRegistry()
	task, _ := r.Register(message.IntID(5))
	require.True(t, r.ResolveReply(reply(5, `"first"`)))

	assert.NotPanics(t, func() {
		assert.False(t, r.ResolveReply(reply(5, `"second"`)))
		assert.False(t, r.ResolveError(&message.RemoteError{ID: message.IntID(5), Code: 1}))
		assert.False(t, r.ResolveProgress(&message.Progress{ID: message.IntID(5), Amount: 1}))
		assert.False(t, r.ResolveReply(reply(99, `0`)))
	})

	got, err := task.Result()
	require.NoError(t, err)
	assert.Equal(t, `"first"`, string(got.Result))
	assert.False(t, task.HasProgress())
}

func TestAddressedError(t *testing.T) {
	r := NewRegistry()
	task, _ := r.Register(message.StringID("a"))
	other, _ := r.Register(message.StringID("b"))

	remote := &message.RemoteError{ID: message.StringID("a"), Code: 3, Message: "bad camera"}
	assert.True(t, r.ResolveError(remote))

	_, err := task.Result()
	var got *message.RemoteError
	require.True(t, errors.As(err, &got))
	assert.Equal(t, 3, got.Code)
	assert.False(t, other.Ready())
}

func TestGlobalErrorResolvesAll(t *testing.T) {
	r := NewRegistry()
	t0, _ := r.Register(message.IntID(0))
	t1, _ := r.Register(message.IntID(1))

	closed := errors.New("connection closed")
	assert.Equal(t, 2, r.ResolveGlobalError(closed))
	assert.Equal(t, 0, r.Len())

	for _, task := range []*Task{t0, t1} {
		_, err := task.Result()
		assert.Equal(t, closed, err)
	}

	t2, err := r.Register(message.IntID(0))
	require.NoError(t, err)
	assert.False(t, t2.Ready())
}

func TestGlobalRemoteErrorThroughResolve(t *testing.T) {
	r := NewRegistry()
	task, _ := r.Register(message.IntID(0))
	msg := &message.Inbound{Kind: message.KindError, Error: &message.RemoteError{Code: message.CodeParseError, Message: "garbage"}}
	assert.Equal(t, 1, r.Resolve(msg))
	assert.True(t, task.Ready())
	assert.Equal(t, 0, r.Len())
}

func TestProgressOrder(t *testing.T) {
	r := NewRegistry()
	task, _ := r.Register(message.IntID(0))
	r.Resolve(&message.Inbound{Kind: message.KindProgress, Progress: &message.Progress{ID: message.IntID(0), Operation: "loading", Amount: 0.5}})
	r.Resolve(&message.Inbound{Kind: message.KindProgress, Progress: &message.Progress{ID: message.IntID(0), Operation: "loading", Amount: 1}})
	assert.Equal(t, 1, r.Resolve(&message.Inbound{Kind: message.KindReply, Reply: reply(0, `null`)}))
	assert.Equal(t, 0, r.Resolve(&message.Inbound{Kind: message.KindReply, Reply: reply(0, `null`)}))

	p, err := task.NextProgress()
	require.NoError(t, err)
	assert.Equal(t, 0.5, p.Amount)
	p, err = task.NextProgress()
	require.NoError(t, err)
	assert.Equal(t, 1.0, p.Amount)

	_, err = task.NextProgress()
	assert.True(t, errors.Is(err, ErrNoProgress))
	assert.True(t, task.Ready())
}

func TestConcurrentRegisterAndResolve(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int64) {
			defer wg.Done()
			task, err := r.Register(message.IntID(n))
			if !assert.NoError(t, err) {
				return
			}
			r.ResolveReply(reply(n, `true`))
			<-task.Done()
		}(int64(i))
	}
	wg.Wait()
	assert.Equal(t, 0, r.Len())
}
