package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mevdschee/tqdbdispatch/session"
)

func TestDispatcher_SelectRows(t *testing.T) {
	db := newFakeDB()
	db.rows["SELECT v FROM t"] = []session.Row{{int64(3)}, {int64(1)}, {int64(2)}}
	d := newTestDispatcher(t, db, WithPoolSize(2))

	res, err := waitFor(t, d.Submit(context.Background(), "SELECT v FROM t"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rows, ok := res.Value().([]session.Row)
	if !ok || len(rows) != 3 {
		t.Fatalf("expected 3 rows, got %#v", res.Value())
	}
	for i, want := range []int64{3, 1, 2} {
		if rows[i][0] != want {
			t.Errorf("row %d = %v, want %d (driver order)", i, rows[i][0], want)
		}
	}
}

func TestDispatcher_SelectNoRows(t *testing.T) {
	d := newTestDispatcher(t, newFakeDB(), WithPoolSize(2))

	res, err := waitFor(t, d.Submit(context.Background(), "SELECT v FROM t WHERE 1 = 0"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Value() != session.NoRows {
		t.Errorf("expected NoRows sentinel, got %#v", res.Value())
	}
}

func TestDispatcher_InsertAndMutate(t *testing.T) {
	db := newFakeDB()
	db.nextInsertID = 41
	d := newTestDispatcher(t, db, WithPoolSize(1))

	res, err := waitFor(t, d.Submit(context.Background(), "INSERT INTO t VALUES (1)"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Value() != int64(41) {
		t.Errorf("expected generated id 41, got %#v", res.Value())
	}

	res, err = waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 2"))
	if err != nil {
		t.Fatal(err)
	}
	if res.Value() != nil {
		t.Errorf("expected no value for update, got %#v", res.Value())
	}
}

func TestDispatcher_SubmitDoesNotBlock(t *testing.T) {
	db := newFakeDB()
	db.delay = 50 * time.Millisecond
	d := newTestDispatcher(t, db, WithPoolSize(1))

	start := time.Now()
	var completions []*Completion
	for i := 0; i < 10; i++ {
		completions = append(completions, d.Submit(context.Background(), fmt.Sprintf("UPDATE t SET v = %d", i)))
	}
	if elapsed := time.Since(start); elapsed > 40*time.Millisecond {
		t.Errorf("Submit blocked for %v", elapsed)
	}
	for _, c := range completions {
		if _, err := waitFor(t, c); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
}

func TestDispatcher_RetrySucceedsOnThirdAttempt(t *testing.T) {
	db := newFakeDB()
	d := newTestDispatcher(t, db, WithPoolSize(1))
	db.setFailExecs(2)

	_, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1"))
	if err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}
	if n := len(db.executions()); n != 3 {
		t.Errorf("expected 3 executions, got %d", n)
	}
}

func TestDispatcher_RetryExhausted(t *testing.T) {
	db := newFakeDB()
	d := newTestDispatcher(t, db, WithPoolSize(1))
	db.setFailExecs(3)

	_, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1"))
	if !errors.Is(err, ErrConnectionExhausted) {
		t.Fatalf("expected ErrConnectionExhausted, got %v", err)
	}
	if !session.IsConnectionError(err) {
		t.Errorf("expected the last connection error to be wrapped, got %v", err)
	}
	if n := len(db.executions()); n != 3 {
		t.Errorf("expected exactly 3 executions, got %d", n)
	}

	// The worker keeps serving
	if _, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 2")); err != nil {
		t.Errorf("worker did not recover: %v", err)
	}
}

func TestDispatcher_ConnectFailures(t *testing.T) {
	t.Run("succeeds on third connect", func(t *testing.T) {
		db := newFakeDB()
		db.failConnects = 2
		d := newTestDispatcher(t, db, WithPoolSize(1))

		_, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1"))
		if err != nil {
			t.Fatalf("expected success, got %v", err)
		}
		if n := db.connectCount(); n != 3 {
			t.Errorf("expected 3 connects, got %d", n)
		}
	})

	t.Run("never connects", func(t *testing.T) {
		db := newFakeDB()
		db.failConnects = 1000
		d := newTestDispatcher(t, db, WithPoolSize(1))

		_, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1"))
		if !errors.Is(err, ErrConnectionExhausted) {
			t.Fatalf("expected ErrConnectionExhausted, got %v", err)
		}
		// Initial connect plus one reconnect per attempt
		if n := db.connectCount(); n != 1+session.MaxAttempts {
			t.Errorf("expected %d connects, got %d", 1+session.MaxAttempts, n)
		}
		if n := len(db.executions()); n != 0 {
			t.Errorf("expected no executions, got %d", n)
		}
	})
}

func TestDispatcher_ReconnectDelay(t *testing.T) {
	db := newFakeDB()
	d := newTestDispatcher(t, db, WithPoolSize(1), WithReconnectDelay(20*time.Millisecond))
	db.setFailExecs(2)

	start := time.Now()
	if _, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1")); err != nil {
		t.Fatal(err)
	}
	// Second attempt waits 20ms, third 40ms
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("expected at least 60ms of backoff, got %v", elapsed)
	}
}

func TestDispatcher_StatementErrorNotRetried(t *testing.T) {
	db := newFakeDB()
	db.setStatementError("INSERT INTO t VALUES (1)", errors.New("Duplicate entry '1'"))
	d := newTestDispatcher(t, db, WithPoolSize(1))

	_, err := waitFor(t, d.Submit(context.Background(), "INSERT INTO t VALUES (1)"))
	if !session.IsStatementError(err) {
		t.Fatalf("expected StatementError, got %v", err)
	}
	if n := len(db.executions()); n != 1 {
		t.Errorf("statement error must not be retried, got %d executions", n)
	}
}

func TestDispatcher_CancelledContext(t *testing.T) {
	db := newFakeDB()
	d := newTestDispatcher(t, db, WithPoolSize(1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := waitFor(t, d.Submit(ctx, "UPDATE t SET v = 1"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if n := len(db.executions()); n != 0 {
		t.Errorf("cancelled task must not execute, got %d executions", n)
	}
}

func TestDispatcher_RejectsTransactionControl(t *testing.T) {
	d := newTestDispatcher(t, newFakeDB(), WithPoolSize(1))

	for _, stmt := range []string{"BEGIN", "COMMIT", "start transaction", "ROLLBACK"} {
		_, err := waitFor(t, d.Submit(context.Background(), stmt))
		if !errors.Is(err, ErrUsage) {
			t.Errorf("Submit(%q): expected ErrUsage, got %v", stmt, err)
		}
	}
}

func TestDispatcher_AcceptsStartStatementsOtherThanTransactions(t *testing.T) {
	db := newFakeDB()
	d := newTestDispatcher(t, db, WithPoolSize(1))

	if _, err := waitFor(t, d.Submit(context.Background(), "START REPLICA")); err != nil {
		t.Fatalf("START REPLICA should run, got %v", err)
	}
	if n := len(db.executions()); n != 1 {
		t.Errorf("expected 1 execution, got %d", n)
	}
}

func TestDispatcher_PanicFailsOnlyItsTask(t *testing.T) {
	d := newTestDispatcher(t, newFakeDB(), WithPoolSize(1))

	_, err := waitFor(t, d.Submit(context.Background(), "PANIC"))
	if err == nil {
		t.Fatal("expected error from panicking task")
	}
	if _, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1")); err != nil {
		t.Errorf("worker should survive a panicking task: %v", err)
	}
}

func TestDispatcher_Shutdown(t *testing.T) {
	db := newFakeDB()
	d, err := New(db, fakeParams(), WithPoolSize(3))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := waitFor(t, d.Submit(context.Background(), "UPDATE t SET v = 1")); err != nil {
		t.Fatal(err)
	}

	if err := d.Shutdown(testContext(t)); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	for _, w := range d.Workers() {
		if w.State() != StateStopped {
			t.Errorf("worker %s state = %v, want stopped", w.ID(), w.State())
		}
	}
	if n := db.openConns(); n != 0 {
		t.Errorf("expected every session closed, %d still open", n)
	}

	before := len(db.executions())
	c := d.Submit(context.Background(), "UPDATE t SET v = 2")
	if _, err := c.Result(); !errors.Is(err, ErrShutdownInProgress) {
		t.Errorf("expected immediate ErrShutdownInProgress, got %v", err)
	}
	if d.Stats().Queued != 0 || len(db.executions()) != before {
		t.Error("submit after shutdown must not enqueue")
	}
	if _, err := d.BeginScope(); !errors.Is(err, ErrShutdownInProgress) {
		t.Errorf("BeginScope after shutdown: expected ErrShutdownInProgress, got %v", err)
	}
	if err := d.Shutdown(testContext(t)); !errors.Is(err, ErrShutdownInProgress) {
		t.Errorf("second Shutdown: expected ErrShutdownInProgress, got %v", err)
	}
}

func TestDispatcher_ShutdownDrainsQueuedWork(t *testing.T) {
	db := newFakeDB()
	db.delay = 5 * time.Millisecond
	d, err := New(db, fakeParams(), WithPoolSize(2))
	if err != nil {
		t.Fatal(err)
	}

	var completions []*Completion
	for i := 0; i < 20; i++ {
		completions = append(completions, d.Submit(context.Background(), fmt.Sprintf("UPDATE t SET v = %d", i)))
	}
	if err := d.Shutdown(testContext(t)); err != nil {
		t.Fatal(err)
	}

	for i, c := range completions {
		if _, err := c.Result(); err != nil {
			t.Errorf("task %d: expected drained success, got %v", i, err)
		}
	}
}

func TestDispatcher_ShutdownFailsUnreachableWork(t *testing.T) {
	db := newFakeDB()
	d, err := New(db, fakeParams(), WithPoolSize(1))
	if err != nil {
		t.Fatal(err)
	}

	// The only worker holds a transaction, so untagged work cannot run
	scope, _ := d.BeginScope()
	if err := scope.Begin(testContext(t)); err != nil {
		t.Fatal(err)
	}
	stuck := d.Submit(context.Background(), "UPDATE t SET v = 1")

	if err := d.Shutdown(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := stuck.Result(); !errors.Is(err, ErrShutdownInProgress) {
		t.Errorf("expected ErrShutdownInProgress, got %v", err)
	}
	if _, held := d.Holder(scope.ID()); held {
		t.Error("stopped worker should no longer hold the transaction")
	}
}

// Work accepted while Shutdown runs is drained, never failed. Only a
// submit that loses the race is rejected, and then synchronously.
func TestDispatcher_ShutdownDrainsRacingSubmits(t *testing.T) {
	for round := 0; round < 20; round++ {
		d, err := New(newFakeDB(), fakeParams(), WithPoolSize(2))
		if err != nil {
			t.Fatal(err)
		}

		var mu sync.Mutex
		var accepted []*Completion
		var wg sync.WaitGroup
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					c := d.Submit(context.Background(), "UPDATE t SET v = 1")
					if _, err := c.Result(); errors.Is(err, ErrShutdownInProgress) {
						return
					}
					mu.Lock()
					accepted = append(accepted, c)
					mu.Unlock()
				}
			}()
		}

		time.Sleep(time.Millisecond)
		if err := d.Shutdown(testContext(t)); err != nil {
			t.Fatal(err)
		}
		wg.Wait()

		mu.Lock()
		for _, c := range accepted {
			if _, err := c.Result(); err != nil {
				t.Fatalf("round %d: accepted task failed with %v", round, err)
			}
		}
		mu.Unlock()
	}
}

func TestDispatcher_ConcurrentSubmit(t *testing.T) {
	db := newFakeDB()
	d := newTestDispatcher(t, db, WithPoolSize(4))

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_, err := d.Submit(ctx, fmt.Sprintf("INSERT INTO t VALUES (%d)", n)).Wait(ctx)
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}
	if n := len(db.executions()); n != 100 {
		t.Errorf("expected 100 executions, got %d", n)
	}
}

func TestDispatcher_KeepAlive(t *testing.T) {
	db := newFakeDB()
	db.failPings = 1
	d := newTestDispatcher(t, db, WithPoolSize(1), WithPingInterval(10*time.Millisecond))

	deadline := time.Now().Add(2 * time.Second)
	for db.connectCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("dead session was not replaced by keep-alive")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if _, err := waitFor(t, d.Submit(context.Background(), "SELECT 1")); err != nil {
		t.Errorf("unexpected error after keep-alive reconnect: %v", err)
	}
}

func TestDispatcher_Stats(t *testing.T) {
	d := newTestDispatcher(t, newFakeDB(), WithPoolSize(3))

	scope, _ := d.BeginScope()
	if err := scope.Begin(testContext(t)); err != nil {
		t.Fatal(err)
	}
	s := d.Stats()
	if s.Workers != 3 || s.Transactions != 1 {
		t.Errorf("unexpected stats %+v", s)
	}
	if err := scope.Rollback(testContext(t)); err != nil {
		t.Fatal(err)
	}
	if s := d.Stats(); s.Transactions != 0 {
		t.Errorf("expected no transactions after rollback, got %d", s.Transactions)
	}
}

func TestNew_InvalidPoolSize(t *testing.T) {
	if _, err := New(newFakeDB(), fakeParams(), WithPoolSize(0)); !errors.Is(err, ErrUsage) {
		t.Errorf("expected ErrUsage, got %v", err)
	}
}
