package dispatch

import (
	"fmt"
	"sync"
	"time"
)

// eligible reports whether a worker may act on a task. Untagged tasks are
// eligible for any worker; a tagged task only for the worker whose id
// equals its transaction id. It must be consulted before any side effect.
func eligible(t *Task, id WorkerID) bool {
	return t.txID == 0 || t.txID == id
}

// AuditType is the kind of an AuditEvent
type AuditType int

const (
	AuditGrant AuditType = iota
	AuditRelease
)

func (a AuditType) String() string {
	if a == AuditGrant {
		return "grant"
	}
	return "release"
}

// AuditEvent records a transaction being granted to or released by a worker
type AuditEvent struct {
	Type   AuditType
	TxID   WorkerID
	Worker WorkerID
	At     time.Time
}

// AuditHook receives every grant and release, in the order they happen.
// It is called with the grant table locked and must not call back into
// the dispatcher.
type AuditHook func(AuditEvent)

// ledger is the grant table mapping transaction ids to the worker holding
// them. Routing of tagged tasks is derived from it.
type ledger struct {
	mu      sync.Mutex
	holders map[WorkerID]WorkerID
	hook    AuditHook
}

func newLedger(hook AuditHook) *ledger {
	return &ledger{
		holders: make(map[WorkerID]WorkerID),
		hook:    hook,
	}
}

func (l *ledger) grant(txID, worker WorkerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if holder, ok := l.holders[txID]; ok {
		return fmt.Errorf("transaction %s already held by worker %s", txID, holder)
	}
	l.holders[txID] = worker
	l.emit(AuditGrant, txID, worker)
	return nil
}

func (l *ledger) release(txID, worker WorkerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holders[txID] != worker {
		return
	}
	delete(l.holders, txID)
	l.emit(AuditRelease, txID, worker)
}

func (l *ledger) holder(txID WorkerID) (WorkerID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.holders[txID]
	return w, ok
}

func (l *ledger) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.holders)
}

func (l *ledger) emit(typ AuditType, txID, worker WorkerID) {
	if l.hook != nil {
		l.hook(AuditEvent{Type: typ, TxID: txID, Worker: worker, At: time.Now()})
	}
}
