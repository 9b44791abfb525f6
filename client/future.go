package client

import (
	"context"
	"iter"

	"render-rpc/message"
	"render-rpc/pending"
)

// Future is the caller's handle on one outstanding call.
//
//	pending ──progress*──► ready(reply) | ready(error)
//
// Waiting methods drive the client's Poll loop until the task is resolved.
// A Future for a notification has no task and is ready from the start.
type Future struct {
	client *Client
	task   *pending.Task
}

// ID returns the request id, absent for notifications.
func (f *Future) ID() message.ID {
	if f.task == nil {
		return message.ID{}
	}
	return f.task.ID()
}

// IsReady reports whether the outcome is known.
func (f *Future) IsReady() bool {
	return f.task == nil || f.task.Ready()
}

// HasProgress reports whether progress events are queued.
func (f *Future) HasProgress() bool {
	return f.task != nil && f.task.HasProgress()
}

// NextProgress pops the oldest queued progress event, or fails with
// pending.ErrNoProgress.
func (f *Future) NextProgress() (message.Progress, error) {
	if f.task == nil {
		return message.Progress{}, pending.ErrNoProgress
	}
	return f.task.NextProgress()
}

// Poll processes at most one inbound frame, see Client.Poll.
func (f *Future) Poll(block bool) error {
	return f.client.Poll(block)
}

// Cancel sends a best-effort cancel notification for this request. It does
// not resolve the Future.
func (f *Future) Cancel() error {
	if f.IsReady() {
		return nil
	}
	return f.client.Cancel(f.task.ID())
}

// Progress iterates over progress events as they arrive and stops once the
// call is resolved and every queued event has been yielded.
func (f *Future) Progress() iter.Seq[message.Progress] {
	return f.ProgressContext(context.Background())
}

// ProgressContext is Progress that also stops when ctx ends.
func (f *Future) ProgressContext(ctx context.Context) iter.Seq[message.Progress] {
	return func(yield func(message.Progress) bool) {
		if f.task == nil {
			return
		}
		for {
			for {
				p, err := f.task.NextProgress()
				if err != nil {
					break
				}
				if !yield(p) {
					return
				}
			}
			if f.task.Ready() {
				if f.task.HasProgress() {
					continue
				}
				return
			}
			if err := f.pollOnce(ctx); err != nil && !f.task.Ready() {
				return
			}
		}
	}
}

// Wait blocks until the call is resolved and returns its reply. A remote
// failure is returned as a *message.RemoteError; a lost connection as the
// transport error.
func (f *Future) Wait() (*message.Reply, error) {
	return f.WaitContext(context.Background())
}

// WaitContext is Wait with a deadline. When ctx ends first, a cancel
// notification is sent and ctx.Err() is returned; the request stays pending.
func (f *Future) WaitContext(ctx context.Context) (*message.Reply, error) {
	if f.task == nil {
		return &message.Reply{}, nil
	}
	for !f.task.Ready() {
		if err := f.pollOnce(ctx); err != nil {
			if f.task.Ready() {
				break
			}
			if ctx.Err() != nil {
				_ = f.Cancel()
			}
			return nil, err
		}
	}
	return f.task.Result()
}

// pollOnce blocks on the transport until one frame is handled, the task is
// resolved by another goroutine, or ctx ends.
func (f *Future) pollOnce(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-f.task.Done():
			cancel()
		case <-pollCtx.Done():
		}
	}()

	err := f.client.pollContext(pollCtx)
	switch {
	case err == nil, f.task.Ready():
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return err
	}
}
