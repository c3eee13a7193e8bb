package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mevdschee/tqdbdispatch/config"
	"github.com/mevdschee/tqdbdispatch/session"
)

// execution is one statement seen by the fake database
type execution struct {
	conn      int
	statement string
}

// fakeDB is a session.Provider with fault injection. Every connection gets
// a distinct id so tests can tell which session ran a statement.
type fakeDB struct {
	mu           sync.Mutex
	connects     int
	failConnects int // fail this many upcoming connects
	failExecs    int // fail this many upcoming statements with a connection error
	failPings    int
	nextInsertID int64
	delay        time.Duration
	rows         map[string][]session.Row
	stmtErrs     map[string]error
	log          []execution
	open         map[int]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		nextInsertID: 1,
		rows:         make(map[string][]session.Row),
		stmtErrs:     make(map[string]error),
		open:         make(map[int]bool),
	}
}

func (f *fakeDB) Connect(ctx context.Context, params config.Connection) (session.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.connects++
	if f.failConnects > 0 {
		f.failConnects--
		return nil, errors.New("connection refused")
	}
	f.open[f.connects] = true
	return &fakeConn{db: f, id: f.connects}, nil
}

func (f *fakeDB) setFailExecs(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failExecs = n
}

func (f *fakeDB) setStatementError(statement string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stmtErrs[statement] = err
}

func (f *fakeDB) connectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

func (f *fakeDB) executions() []execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]execution(nil), f.log...)
}

func (f *fakeDB) openConns() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.open)
}

// run records a statement and applies injected faults
func (f *fakeDB) run(conn int, statement string) error {
	f.mu.Lock()
	delay := f.delay
	f.log = append(f.log, execution{conn: conn, statement: statement})
	if f.failExecs > 0 {
		f.failExecs--
		f.mu.Unlock()
		return &session.ConnectionError{Op: "query", Err: errors.New("server has gone away")}
	}
	err := f.stmtErrs[statement]
	f.mu.Unlock()

	if statement == "PANIC" {
		panic("driver exploded")
	}
	if delay > 0 {
		time.Sleep(delay)
	}
	return err
}

type fakeConn struct {
	db *fakeDB
	id int
}

func (c *fakeConn) Query(ctx context.Context, statement string) ([]string, []session.Row, error) {
	if err := c.db.run(c.id, statement); err != nil {
		return nil, nil, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	return []string{"v"}, c.db.rows[statement], nil
}

func (c *fakeConn) Exec(ctx context.Context, statement string) (int64, int64, error) {
	if err := c.db.run(c.id, statement); err != nil {
		return 0, 0, err
	}
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	id := c.db.nextInsertID
	c.db.nextInsertID++
	return id, 1, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	if c.db.failPings > 0 {
		c.db.failPings--
		return &session.ConnectionError{Op: "ping", Err: errors.New("broken pipe")}
	}
	return nil
}

func (c *fakeConn) Close() error {
	c.db.mu.Lock()
	defer c.db.mu.Unlock()
	delete(c.db.open, c.id)
	return nil
}

func fakeParams() config.Connection {
	return config.Connection{Driver: "mysql", Database: "test"}
}

func newTestDispatcher(t *testing.T, db *fakeDB, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(db, fakeParams(), opts...)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		d.Shutdown(ctx)
	})
	return d
}

func waitFor(t *testing.T, c *Completion) (*session.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := c.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("timed out waiting for completion")
	}
	return res, err
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}
