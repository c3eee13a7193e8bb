package dispatch

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/mevdschee/tqdbdispatch/config"
	"github.com/mevdschee/tqdbdispatch/metrics"
	"github.com/mevdschee/tqdbdispatch/parser"
	"github.com/mevdschee/tqdbdispatch/session"
)

// Dispatcher owns a fixed pool of workers, each with its own session, and
// hands them work through a shared queue and per-worker mailboxes.
// Untagged tasks go to the shared queue; tasks of a transaction go
// straight to the mailbox of the worker holding it.
type Dispatcher struct {
	params         config.Connection
	dialect        session.Dialect
	provider       session.Provider
	poolSize       int
	reconnectDelay time.Duration
	pingInterval   time.Duration
	auditHook      AuditHook

	queue   *queue
	workers []*Worker
	byID    map[WorkerID]*Worker
	ledger  *ledger
	pool    *ants.Pool

	// mu orders enqueues against the running flag flipping to false, so
	// nothing is enqueued after workers may have drained
	mu      sync.RWMutex
	running atomic.Bool
	wg      sync.WaitGroup
	stopped chan struct{}
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithPoolSize sets the number of workers (and sessions)
func WithPoolSize(n int) Option {
	return func(d *Dispatcher) { d.poolSize = n }
}

// WithReconnectDelay sets the delay before the first reconnect of a
// retried task. Each further reconnect of the same task waits twice as long.
func WithReconnectDelay(delay time.Duration) Option {
	return func(d *Dispatcher) { d.reconnectDelay = delay }
}

// WithPingInterval makes idle workers ping their session on this interval
// and reconnect dead ones. Zero disables it.
func WithPingInterval(interval time.Duration) Option {
	return func(d *Dispatcher) { d.pingInterval = interval }
}

// WithAuditHook registers a hook receiving every transaction grant and release
func WithAuditHook(hook AuditHook) Option {
	return func(d *Dispatcher) { d.auditHook = hook }
}

// New starts a dispatcher with one worker per pool slot. Workers connect in
// the background; a worker that cannot connect retries when it gets work.
func New(provider session.Provider, params config.Connection, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		params:   params,
		dialect:  session.DialectFor(params.Driver),
		provider: provider,
		poolSize: config.DefaultPoolSize,
		queue:    newQueue(),
		byID:     make(map[WorkerID]*Worker),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.poolSize < 1 {
		return nil, fmt.Errorf("%w: pool size must be at least 1, got %d", ErrUsage, d.poolSize)
	}
	d.ledger = newLedger(d.auditHook)

	pool, err := ants.NewPool(d.poolSize, ants.WithPanicHandler(func(v any) {
		log.Printf("[Dispatcher] Worker loop panic: %v", v)
	}))
	if err != nil {
		return nil, err
	}
	d.pool = pool

	d.running.Store(true)
	for i := 1; i <= d.poolSize; i++ {
		w := newWorker(WorkerID(i), d)
		d.workers = append(d.workers, w)
		d.byID[w.id] = w
	}
	for _, w := range d.workers {
		d.wg.Add(1)
		if err := pool.Submit(w.run); err != nil {
			d.wg.Done()
			d.Shutdown(context.Background())
			return nil, fmt.Errorf("starting worker %s: %w", w.id, err)
		}
	}

	log.Printf("[Dispatcher] Started %d workers for %s %s", d.poolSize, params.Driver, params.Database)
	return d, nil
}

// NewFromConfig starts a dispatcher from loaded configuration
func NewFromConfig(cfg *config.Config, provider session.Provider, opts ...Option) (*Dispatcher, error) {
	base := []Option{
		WithPoolSize(cfg.Dispatcher.PoolSize),
		WithReconnectDelay(cfg.Dispatcher.ReconnectDelay),
		WithPingInterval(cfg.Dispatcher.PingInterval),
	}
	return New(provider, cfg.Database, append(base, opts...)...)
}

// Submit classifies a statement and queues it for any idle worker. It never
// blocks; the returned completion resolves with the result. After Shutdown
// the completion is already failed with ErrShutdownInProgress.
//
// Transaction control statements (BEGIN, COMMIT, ...) are rejected with
// ErrUsage: transactions must go through a Scope so that their statements
// share one session.
func (d *Dispatcher) Submit(ctx context.Context, statement string) *Completion {
	parsed := parser.Parse(statement)
	if parsed.IsTransactionControl() {
		return failed(fmt.Errorf("%w: %q must be issued through a Scope", ErrUsage, parsed.Keyword))
	}
	d.countStatement(parsed)
	return d.submit(newTask(ctx, kindOf(parsed.Kind), parsed.Statement, 0))
}

func (d *Dispatcher) countStatement(parsed *parser.ParsedStatement) {
	file := parsed.File
	if file == "" {
		file = "unknown"
	}
	metrics.StatementsTotal.WithLabelValues(file, strconv.Itoa(parsed.Line), parsed.Kind.String()).Inc()
}

// submit enqueues a task and returns its completion, or a failed
// completion when the dispatcher is shutting down
func (d *Dispatcher) submit(t *Task) *Completion {
	if err := d.enqueue(t); err != nil {
		metrics.TasksTotal.WithLabelValues(t.kind.String(), "rejected").Inc()
		t.completion.reject(err)
	}
	return t.completion
}

func (d *Dispatcher) enqueue(t *Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.running.Load() {
		return ErrShutdownInProgress
	}
	if t.txID != 0 {
		if _, ok := d.byID[t.txID]; !ok {
			return fmt.Errorf("%w: unknown transaction %s", ErrUsage, t.txID)
		}
	}
	d.route(t)
	return nil
}

// route places a task where an eligible worker will find it: the owner's
// mailbox for tagged tasks, the shared queue otherwise
func (d *Dispatcher) route(t *Task) {
	if t.txID != 0 {
		if w, ok := d.byID[t.txID]; ok {
			w.mailbox.push(t)
			return
		}
	}
	d.queue.push(t)
	metrics.QueueDepth.Set(float64(d.queue.len()))
}

// BeginScope returns a new transaction scope. No task is sent until
// Scope.Begin is called.
func (d *Dispatcher) BeginScope() (*Scope, error) {
	if !d.running.Load() {
		return nil, ErrShutdownInProgress
	}
	return &Scope{d: d}, nil
}

// Shutdown stops accepting work, wakes every worker, and waits until all
// of them drained the work still queued and closed their sessions. If ctx
// ends first, Shutdown returns ctx.Err() while the workers keep draining.
// Calling Shutdown again returns ErrShutdownInProgress.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	wasRunning := d.running.Swap(false)
	d.mu.Unlock()
	if !wasRunning {
		return ErrShutdownInProgress
	}

	log.Printf("[Dispatcher] Shutting down %d workers", len(d.workers))

	// One stop task per worker guarantees every blocked worker wakes up
	for _, w := range d.workers {
		w.mailbox.push(newTask(context.Background(), KindShutdown, "", w.id))
	}

	go func() {
		d.wg.Wait()
		d.failLeftovers()
		d.pool.Release()
		close(d.stopped)
	}()

	select {
	case <-d.stopped:
		log.Printf("[Dispatcher] All workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns a channel that is closed once every worker stopped
func (d *Dispatcher) Done() <-chan struct{} {
	return d.stopped
}

// failLeftovers fails tasks no worker could take before stopping, such as
// untagged work left while every worker held a transaction
func (d *Dispatcher) failLeftovers() {
	leftovers := d.queue.drain()
	for _, w := range d.workers {
		leftovers = append(leftovers, w.mailbox.drain()...)
	}
	for _, t := range leftovers {
		if t.completion != nil && t.completion.reject(ErrShutdownInProgress) {
			metrics.TasksTotal.WithLabelValues(t.kind.String(), "rejected").Inc()
		}
	}
	metrics.QueueDepth.Set(0)
}

// Holder returns the worker holding a transaction id, for auditing
func (d *Dispatcher) Holder(txID WorkerID) (WorkerID, bool) {
	return d.ledger.holder(txID)
}

// Workers returns the pool's workers
func (d *Dispatcher) Workers() []*Worker {
	return d.workers
}

// Dialect returns the transaction statements used by scopes
func (d *Dispatcher) Dialect() session.Dialect {
	return d.dialect
}

// Stats is a point-in-time view of the pool
type Stats struct {
	Workers      int
	Queued       int
	Transactions int
	States       map[WorkerState]int
}

// Stats returns a snapshot of the pool
func (d *Dispatcher) Stats() Stats {
	s := Stats{
		Workers:      len(d.workers),
		Queued:       d.queue.len(),
		Transactions: d.ledger.count(),
		States:       make(map[WorkerState]int),
	}
	for _, w := range d.workers {
		s.States[w.State()]++
	}
	return s
}
