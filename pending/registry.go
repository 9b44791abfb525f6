// Package pending tracks requests that are waiting for the rendering service.
//
// The Registry maps request ids to Tasks. It is the only structure written by
// both the goroutine dispatching inbound messages and the goroutines issuing
// calls, so every operation runs under one mutex. The registry never calls
// back into the transport or the client.
//
//	Register(id) ──► tasks[id] = Task(pending)
//	ResolveProgress   ──► tasks[id].progress += p
//	ResolveReply      ──► tasks[id] = replied,  delete(tasks, id)
//	ResolveError      ──► tasks[id] = failed,   delete(tasks, id)
//	ResolveGlobalError ─► every task = failed,  clear(tasks)
package pending

import (
	"sync"

	"render-rpc/message"

	"github.com/pkg/errors"
)

var (
	// ErrAlreadyPending is returned when registering an id already in flight.
	ErrAlreadyPending = errors.New("request id already pending")
	// ErrNoID is returned when registering a notification.
	ErrNoID = errors.New("notifications cannot be registered")
)

// Registry maps in-flight request ids to their tasks.
type Registry struct {
	mu    sync.Mutex
	tasks map[message.ID]*Task
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[message.ID]*Task)}
}

// Register creates a pending task for id. It must be called before the
// request is sent, otherwise the reply could arrive for an unknown id.
func (r *Registry) Register(id message.ID) (*Task, error) {
	if id.IsZero() {
		return nil, ErrNoID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[id]; ok {
		return nil, errors.Wrapf(ErrAlreadyPending, "id %s", id)
	}
	task := newTask(&r.mu, id)
	r.tasks[id] = task
	return task, nil
}

// Remove deregisters a task without resolving it, used when its request could not be sent.
func (r *Registry) Remove(id message.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
}

// IsPending reports whether a task is registered for id.
func (r *Registry) IsPending(id message.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.tasks[id]
	return ok
}

// Len returns the number of pending tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// Resolve routes a decoded inbound message to its task. It returns the
// number of tasks the message reached: 0 for an unknown id, every pending
// task for a global error, 1 otherwise.
func (r *Registry) Resolve(msg *message.Inbound) int {
	found := false
	switch msg.Kind {
	case message.KindReply:
		found = r.ResolveReply(msg.Reply)
	case message.KindError:
		if msg.Error.Global() {
			return r.ResolveGlobalError(msg.Error)
		}
		found = r.ResolveError(msg.Error)
	case message.KindProgress:
		found = r.ResolveProgress(msg.Progress)
	}
	if found {
		return 1
	}
	return 0
}

// ResolveReply completes the task addressed by the reply.
func (r *Registry) ResolveReply(reply *message.Reply) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[reply.ID]
	if !ok {
		return false
	}
	delete(r.tasks, reply.ID)
	task.setReply(reply)
	return true
}

// ResolveError fails the task addressed by the error.
// A global error is broadcast to every task.
func (r *Registry) ResolveError(e *message.RemoteError) bool {
	if e.Global() {
		return r.ResolveGlobalError(e) > 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[e.ID]
	if !ok {
		return false
	}
	delete(r.tasks, e.ID)
	task.setError(e)
	return true
}

// ResolveProgress queues a progress event on the task it addresses.
func (r *Registry) ResolveProgress(p *message.Progress) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[p.ID]
	if !ok {
		return false
	}
	task.addProgress(*p)
	return true
}

// ResolveGlobalError fails every pending task with err and empties the
// registry. It returns the number of tasks resolved.
func (r *Registry) ResolveGlobalError(err error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.tasks)
	for _, task := range r.tasks {
		task.setError(err)
	}
	clear(r.tasks)
	return n
}
