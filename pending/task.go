package pending

import (
	"sync"

	"render-rpc/message"

	"github.com/pkg/errors"
)

var (
	// ErrNotReady is returned when reading the outcome of a task still pending.
	ErrNotReady = errors.New("task not ready")
	// ErrNoProgress is returned by NextProgress when nothing is queued.
	ErrNoProgress = errors.New("no progress queued")
)

// State is the lifecycle stage of a Task.
type State byte

const (
	StatePending State = 0
	StateReplied State = 1
	StateFailed  State = 2
)

// Task is the pending state of one request: pending → replied|failed, exactly once.
//
// All fields are guarded by the owning registry's mutex so that dispatch and
// registration share a single lock and never nest.
type Task struct {
	mu       *sync.Mutex
	id       message.ID
	state    State
	reply    *message.Reply
	err      error
	progress []message.Progress
	done     chan struct{}
}

func newTask(mu *sync.Mutex, id message.ID) *Task {
	return &Task{mu: mu, id: id, done: make(chan struct{})}
}

// ID returns the request id the task was registered with.
func (t *Task) ID() message.ID {
	return t.id
}

// State returns the current lifecycle stage.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Ready reports whether the task has a reply or an error.
func (t *Task) Ready() bool {
	return t.State() != StatePending
}

// Done returns a channel closed once the task is resolved.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// HasProgress reports whether progress events are queued.
func (t *Task) HasProgress() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.progress) > 0
}

// NextProgress pops the oldest queued progress event.
func (t *Task) NextProgress() (message.Progress, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.progress) == 0 {
		return message.Progress{}, ErrNoProgress
	}
	p := t.progress[0]
	t.progress[0] = message.Progress{}
	t.progress = t.progress[1:]
	return p, nil
}

// Result returns the reply, or the error the task resolved with.
func (t *Task) Result() (*message.Reply, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateReplied:
		return t.reply, nil
	case StateFailed:
		return nil, t.err
	default:
		return nil, ErrNotReady
	}
}

// The methods below require the registry lock to be held.

func (t *Task) addProgress(p message.Progress) {
	t.progress = append(t.progress, p)
}

func (t *Task) setReply(reply *message.Reply) {
	t.reply = reply
	t.state = StateReplied
	close(t.done)
}

func (t *Task) setError(err error) {
	t.err = err
	t.state = StateFailed
	close(t.done)
}
