package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/mevdschee/tqdbdispatch/parser"
	"github.com/mevdschee/tqdbdispatch/session"
)

// Scope runs a sequence of statements as one transaction on one worker.
// All statements between Begin and Commit or Rollback go to the worker
// that granted the transaction and run in submission order.
//
// A Scope is a thin token: it holds the granted transaction id and nothing
// else. It can be reused for another transaction after Commit or Rollback.
type Scope struct {
	d    *Dispatcher
	mu   sync.Mutex
	txID WorkerID
}

// ID returns the granted transaction id, 0 when no transaction is open
func (s *Scope) ID() WorkerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txID
}

// Begin acquires a worker for the transaction and starts it on that
// worker's session. It is a no-op when the scope already began.
func (s *Scope) Begin(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txID != 0 {
		return nil
	}

	grant := s.d.submit(newTask(ctx, KindBeginTransaction, "", 0))
	txID, err := grant.waitGrant(ctx)
	if err != nil {
		if ctx.Err() != nil {
			// The worker may still grant it later; give it back then
			go s.releaseLate(grant)
		}
		return err
	}
	s.txID = txID

	start := s.d.submit(newTask(context.WithoutCancel(ctx), KindMutate, s.d.dialect.Begin, txID))
	if _, err := start.Wait(ctx); err != nil {
		if relErr := s.release(ctx, txID); relErr != nil {
			err = errors.Join(err, relErr)
		}
		s.txID = 0
		return err
	}
	return nil
}

func (s *Scope) releaseLate(grant *Completion) {
	txID, err := grant.waitGrant(context.Background())
	if err != nil {
		return
	}
	if err := s.release(context.Background(), txID); err != nil {
		log.Printf("[Scope] Releasing abandoned transaction %s: %v", txID, err)
	}
}

// Query submits a statement inside the transaction. Before Begin the
// completion fails with ErrUsage.
func (s *Scope) Query(ctx context.Context, statement string) *Completion {
	s.mu.Lock()
	txID := s.txID
	s.mu.Unlock()

	if txID == 0 {
		return failed(fmt.Errorf("%w: query before Begin", ErrUsage))
	}
	parsed := parser.Parse(statement)
	if parsed.IsTransactionControl() {
		return failed(fmt.Errorf("%w: use Commit or Rollback instead of %q", ErrUsage, parsed.Keyword))
	}
	s.d.countStatement(parsed)
	return s.d.submit(newTask(ctx, kindOf(parsed.Kind), parsed.Statement, txID))
}

// Exec is Query followed by waiting for the result
func (s *Scope) Exec(ctx context.Context, statement string) (*session.Result, error) {
	return s.Query(ctx, statement).Wait(ctx)
}

// Commit commits the transaction and releases the worker
func (s *Scope) Commit(ctx context.Context) error {
	return s.finish(ctx, s.d.dialect.Commit)
}

// Rollback rolls the transaction back and releases the worker
func (s *Scope) Rollback(ctx context.Context) error {
	return s.finish(ctx, s.d.dialect.Rollback)
}

// finish runs the closing statement, then releases the worker whatever
// the statement's outcome. Both tasks run even when ctx is cancelled.
func (s *Scope) finish(ctx context.Context, statement string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.txID == 0 {
		return fmt.Errorf("%w: no transaction in progress", ErrUsage)
	}
	txID := s.txID
	s.txID = 0

	_, err := s.d.submit(newTask(context.WithoutCancel(ctx), KindMutate, statement, txID)).Wait(ctx)
	if relErr := s.release(ctx, txID); relErr != nil {
		err = errors.Join(err, relErr)
	}
	return err
}

// release sends the end-transaction task that frees the worker
func (s *Scope) release(ctx context.Context, txID WorkerID) error {
	_, err := s.d.submit(newTask(context.WithoutCancel(ctx), KindEndTransaction, "", txID)).Wait(ctx)
	return err
}
