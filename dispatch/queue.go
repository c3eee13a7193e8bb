package dispatch

import "sync"

// queue is an unbounded FIFO of tasks, safe for any number of producers
// and consumers. Consumers poll with tryPop and block on ready, which holds
// at most one pending wake-up.
type queue struct {
	mu    sync.Mutex
	items []*Task
	ready chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

func (q *queue) push(t *Task) {
	q.mu.Lock()
	q.items = append(q.items, t)
	q.mu.Unlock()
	q.signal()
}

// tryPop removes the oldest task, or returns nil when empty. A consumer
// that takes a task while more remain passes the wake-up on, so another
// idle consumer picks up the rest.
func (q *queue) tryPop() *Task {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil
	}
	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	more := len(q.items) > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return t
}

func (q *queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *queue) wait() <-chan struct{} {
	return q.ready
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns every queued task
func (q *queue) drain() []*Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
