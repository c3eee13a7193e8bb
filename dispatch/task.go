package dispatch

import (
	"context"
	"strconv"
	"time"

	"github.com/mevdschee/tqdbdispatch/parser"
)

// WorkerID identifies a worker within the pool. Worker ids start at 1; the
// zero value means "no worker". A granted transaction is identified by
// the id of the worker holding it.
type WorkerID int

func (id WorkerID) String() string {
	if id == 0 {
		return "none"
	}
	return strconv.Itoa(int(id))
}

// Kind is the kind of work a Task carries
type Kind int

const (
	KindSelect Kind = iota
	KindInsert
	KindMutate // update, delete, ddl and everything else
	KindBeginTransaction
	KindEndTransaction
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindSelect:
		return "select"
	case KindInsert:
		return "insert"
	case KindMutate:
		return "mutate"
	case KindBeginTransaction:
		return "begin-transaction"
	case KindEndTransaction:
		return "end-transaction"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// IsQuery returns true for kinds that carry a statement
func (k Kind) IsQuery() bool {
	return k == KindSelect || k == KindInsert || k == KindMutate
}

func kindOf(k parser.Kind) Kind {
	switch k {
	case parser.KindSelect:
		return KindSelect
	case parser.KindInsert:
		return KindInsert
	default:
		return KindMutate
	}
}

func (k Kind) statementKind() parser.Kind {
	switch k {
	case KindSelect:
		return parser.KindSelect
	case KindInsert:
		return parser.KindInsert
	default:
		return parser.KindMutate
	}
}

// Task is one unit of work. It is never modified after creation; routing
// moves the same pointer between queues.
type Task struct {
	kind       Kind
	statement  string
	txID       WorkerID
	ctx        context.Context
	completion *Completion
	enqueued   time.Time
}

func newTask(ctx context.Context, kind Kind, statement string, txID WorkerID) *Task {
	if ctx == nil {
		ctx = context.Background()
	}
	t := &Task{
		kind:      kind,
		statement: statement,
		txID:      txID,
		ctx:       ctx,
		enqueued:  time.Now(),
	}
	// Shutdown tasks are bookkeeping only and have nobody waiting on them
	if kind != KindShutdown {
		t.completion = newCompletion()
	}
	return t
}

// Kind returns the task kind
func (t *Task) Kind() Kind { return t.kind }

// Statement returns the SQL text, empty for control kinds
func (t *Task) Statement() string { return t.statement }

// TxID returns the transaction the task belongs to, 0 when untagged
func (t *Task) TxID() WorkerID { return t.txID }

// Completion returns the task's completion, nil for shutdown tasks
func (t *Task) Completion() *Completion { return t.completion }
