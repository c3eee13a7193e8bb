package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/mevdschee/tqdbdispatch/metrics"
	"github.com/mevdschee/tqdbdispatch/session"
)

// WorkerState is the lifecycle state of a worker
type WorkerState int32

const (
	StateStarting WorkerState = iota
	StateConnected
	StateIdle
	StateExecuting
	StateDraining
	StateStopped
)

func (s WorkerState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateConnected:
		return "connected"
	case StateIdle:
		return "idle"
	case StateExecuting:
		return "executing"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// connectTimeout bounds connect and ping calls that have no caller context
const connectTimeout = 10 * time.Second

// Worker runs one execution loop and exclusively owns one Session. Only
// ID and State may be used from other goroutines.
type Worker struct {
	id      WorkerID
	d       *Dispatcher
	session *session.Session
	mailbox *queue
	state   atomic.Int32

	// Loop-local, never touched outside run
	holdsTx  bool
	txOpen   bool // a statement of the held transaction succeeded on the session
	txBroken bool
}

func newWorker(id WorkerID, d *Dispatcher) *Worker {
	return &Worker{
		id:      id,
		d:       d,
		session: session.New(d.provider, d.params),
		mailbox: newQueue(),
	}
}

// ID returns the worker identity, which is also the id of the transaction
// it holds
func (w *Worker) ID() WorkerID { return w.id }

// State returns the current lifecycle state
func (w *Worker) State() WorkerState { return WorkerState(w.state.Load()) }

func (w *Worker) setState(s WorkerState) { w.state.Store(int32(s)) }

func (w *Worker) run() {
	defer w.d.wg.Done()

	w.setState(StateStarting)
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	if err := w.session.Connect(ctx); err != nil {
		// The first task will reconnect
		log.Printf("[Worker %s] Initial connect failed: %v", w.id, err)
	}
	cancel()
	w.setState(StateConnected)

	var tick <-chan time.Time
	if w.d.pingInterval > 0 {
		ticker := time.NewTicker(w.d.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		t := w.next(tick)
		if t == nil {
			break
		}
		w.setState(StateExecuting)
		w.handle(t)
	}

	w.setState(StateDraining)
	if w.holdsTx {
		log.Printf("[Worker %s] Closing session with open transaction", w.id)
		w.holdsTx = false
		w.txOpen = false
		w.d.ledger.release(w.id, w.id)
		metrics.TransactionsActive.Dec()
	}
	if err := w.session.Close(); err != nil {
		log.Printf("[Worker %s] Close error: %v", w.id, err)
	}
	w.setState(StateStopped)
}

// next blocks until a task is available. The worker's own mailbox is
// always preferred; the shared queue is only consulted while the worker
// holds no transaction. Once the dispatcher stopped running, next keeps
// returning whatever is still reachable and returns nil when empty.
func (w *Worker) next(tick <-chan time.Time) *Task {
	stopping := false
	for {
		if t := w.mailbox.tryPop(); t != nil {
			return t
		}
		if !w.holdsTx {
			if t := w.d.queue.tryPop(); t != nil {
				metrics.QueueDepth.Set(float64(w.d.queue.len()))
				return t
			}
		}
		if stopping {
			return nil
		}
		if !w.d.running.Load() {
			// Enqueues finish before running flips, so one more pass
			// sees everything that was accepted
			stopping = true
			continue
		}

		w.setState(StateIdle)
		var shared <-chan struct{}
		if !w.holdsTx {
			shared = w.d.queue.wait()
		}
		select {
		case <-w.mailbox.wait():
		case <-shared:
		case <-tick:
			w.keepAlive()
		}
	}
}

func (w *Worker) handle(t *Task) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Worker %s] Panic while running %s task: %v", w.id, t.kind, r)
			w.finish(t, nil, fmt.Errorf("worker %s panicked: %v", w.id, r))
		}
	}()

	if t.kind == KindShutdown {
		return
	}

	// Defensive: tagged tasks are routed to their owner's mailbox, so a
	// foreign task only shows up here if routing is broken
	if !eligible(t, w.id) {
		w.d.route(t)
		return
	}

	switch t.kind {
	case KindBeginTransaction:
		w.begin(t)
	case KindEndTransaction:
		w.end(t)
	default:
		w.execute(t)
	}
}

func (w *Worker) begin(t *Task) {
	if w.holdsTx {
		// Defensive: a holder never reads the shared queue, where begin
		// tasks live. Hand it back for another worker.
		w.d.queue.push(t)
		return
	}
	if err := t.ctx.Err(); err != nil {
		w.finish(t, nil, err)
		return
	}
	if err := w.d.ledger.grant(w.id, w.id); err != nil {
		w.finish(t, nil, err)
		return
	}
	w.holdsTx = true
	w.txOpen = false
	w.txBroken = false
	metrics.TransactionsActive.Inc()
	if t.completion.grant(w.id) {
		metrics.TasksTotal.WithLabelValues(t.kind.String(), "ok").Inc()
		metrics.TaskLatency.WithLabelValues(t.kind.String()).Observe(time.Since(t.enqueued).Seconds())
	}
}

func (w *Worker) end(t *Task) {
	if !w.holdsTx {
		w.finish(t, nil, fmt.Errorf("%w: worker %s holds no transaction", ErrUsage, w.id))
		return
	}
	w.holdsTx = false
	w.txOpen = false
	w.txBroken = false
	w.d.ledger.release(w.id, w.id)
	metrics.TransactionsActive.Dec()
	w.finish(t, nil, nil)
}

// execute runs a statement with the retry policy: connection failures
// reconnect and try again up to session.MaxAttempts times, statement
// errors fail at once. Once a statement of a transaction succeeded, later
// statements of it are not retried, because a new connection no longer
// has the transaction. Until then (the begin statement) a reconnect is safe.
func (w *Worker) execute(t *Task) {
	if err := t.ctx.Err(); err != nil {
		w.finish(t, nil, err)
		return
	}
	inTx := t.txID != 0
	if inTx && w.txBroken {
		w.finish(t, nil, ErrTransactionLost)
		return
	}

	kind := t.kind.statementKind()
	delays := newBackOff(w.d.reconnectDelay)
	var lastErr error
	for attempt := 1; attempt <= session.MaxAttempts; attempt++ {
		if w.session.State() == session.StateDisconnected {
			var delay time.Duration
			if attempt > 1 {
				delay = delays.NextBackOff()
			}
			if err := w.reconnect(t.ctx, delay); err != nil {
				lastErr = err
				if !session.IsConnectionError(err) {
					break
				}
				continue
			}
		}

		result, err := w.session.Execute(t.ctx, t.statement, kind)
		if err == nil {
			if inTx {
				w.txOpen = true
			}
			w.finish(t, result, nil)
			return
		}
		if !session.IsConnectionError(err) {
			w.finish(t, nil, err)
			return
		}

		lastErr = err
		log.Printf("[Worker %s] Attempt %d/%d failed: %v", w.id, attempt, session.MaxAttempts, err)
		if inTx && w.txOpen {
			w.txBroken = true
			w.finish(t, nil, fmt.Errorf("%w: %w", ErrTransactionLost, err))
			return
		}
	}

	if !session.IsConnectionError(lastErr) {
		w.finish(t, nil, lastErr)
		return
	}
	w.finish(t, nil, fmt.Errorf("%w after %d attempts: %w", ErrConnectionExhausted, session.MaxAttempts, lastErr))
}

// reconnect waits delay, then reconnects the session
func (w *Worker) reconnect(ctx context.Context, delay time.Duration) error {
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := w.session.Reconnect(connectCtx); err != nil {
		metrics.Reconnects.WithLabelValues("error").Inc()
		log.Printf("[Worker %s] Reconnect failed: %v", w.id, err)
		return err
	}
	metrics.Reconnects.WithLabelValues("ok").Inc()
	return nil
}

// keepAlive pings an idle session and replaces it when the link is dead
func (w *Worker) keepAlive() {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if w.session.State() == session.StateConnected {
		err := w.session.Ping(ctx)
		if err == nil || !session.IsConnectionError(err) {
			return
		}
		log.Printf("[Worker %s] Ping failed: %v", w.id, err)
		if w.txOpen {
			w.txBroken = true
		}
	}
	_ = w.reconnect(ctx, 0)
}

func (w *Worker) finish(t *Task, result *session.Result, err error) {
	if t.completion == nil {
		return
	}
	if err != nil {
		if !t.completion.reject(err) {
			return
		}
		metrics.TasksTotal.WithLabelValues(t.kind.String(), "error").Inc()
	} else {
		if !t.completion.resolve(result) {
			return
		}
		metrics.TasksTotal.WithLabelValues(t.kind.String(), "ok").Inc()
	}
	metrics.TaskLatency.WithLabelValues(t.kind.String()).Observe(time.Since(t.enqueued).Seconds())
}
