package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/mevdschee/tqdbdispatch/session"
)

// ErrPending is returned by Completion.Result before the task finished
var ErrPending = errors.New("task has not completed")

// Completion is the single-assignment result of a Task. It is resolved
// exactly once by the worker that ran the task and may be observed from
// any goroutine: by waiting, by selecting on Done, or with a callback.
type Completion struct {
	done    chan struct{}
	once    sync.Once
	result  *session.Result
	granted WorkerID
	err     error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// failed returns an already rejected completion
func failed(err error) *Completion {
	c := newCompletion()
	c.reject(err)
	return c
}

func (c *Completion) resolve(result *session.Result) bool {
	return c.set(result, 0, nil)
}

func (c *Completion) grant(id WorkerID) bool {
	return c.set(nil, id, nil)
}

func (c *Completion) reject(err error) bool {
	return c.set(nil, 0, err)
}

func (c *Completion) set(result *session.Result, granted WorkerID, err error) bool {
	resolved := false
	c.once.Do(func() {
		c.result = result
		c.granted = granted
		c.err = err
		close(c.done)
		resolved = true
	})
	return resolved
}

// Done returns a channel that is closed once the task completed
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the task completed or ctx is done. Giving up on the
// wait does not stop the task: it still runs to completion.
func (c *Completion) Wait(ctx context.Context) (*session.Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the outcome without blocking, or ErrPending
func (c *Completion) Result() (*session.Result, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, ErrPending
	}
}

// OnComplete calls fn from a new goroutine once the task completed
func (c *Completion) OnComplete(fn func(*session.Result, error)) {
	go func() {
		<-c.done
		fn(c.result, c.err)
	}()
}

func (c *Completion) waitGrant(ctx context.Context) (WorkerID, error) {
	select {
	case <-c.done:
		return c.granted, c.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}
