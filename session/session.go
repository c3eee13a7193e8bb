package session

import (
	"context"
	"errors"

	"github.com/mevdschee/tqdbdispatch/config"
	"github.com/mevdschee/tqdbdispatch/parser"
)

// MaxAttempts is the number of times a statement is tried when the
// connection keeps failing
const MaxAttempts = 3

// State is the connectivity state of a Session
type State int

const (
	StateDisconnected State = iota
	StateConnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// noRows is the type of NoRows
type noRows struct{}

func (noRows) String() string { return "no rows" }

// NoRows is the value of a select that matched nothing. It is distinct
// from nil, which means the statement kind has no value.
var NoRows any = noRows{}

// Result is the outcome of one executed statement
type Result struct {
	Kind         parser.Kind
	Columns      []string
	Rows         []Row // nil for non-select kinds and for empty selects
	InsertID     int64
	RowsAffected int64
}

// Value returns the statement's value: the rows of a select (NoRows when
// there are none), the generated id of an insert, or nil otherwise.
func (r *Result) Value() any {
	switch r.Kind {
	case parser.KindSelect:
		if len(r.Rows) == 0 {
			return NoRows
		}
		return r.Rows
	case parser.KindInsert:
		return r.InsertID
	default:
		return nil
	}
}

// Empty returns true for a select that matched no rows
func (r *Result) Empty() bool {
	return r.Kind == parser.KindSelect && len(r.Rows) == 0
}

// Session owns one connection to the database. A Session is not safe for
// concurrent use; it belongs to exactly one worker.
type Session struct {
	params   config.Connection
	provider Provider
	conn     Conn
}

// New creates a disconnected session
func New(provider Provider, params config.Connection) *Session {
	return &Session{
		params:   params,
		provider: provider,
	}
}

// Params returns the connection parameters the session was created with
func (s *Session) Params() config.Connection {
	return s.params
}

// State returns the connectivity state
func (s *Session) State() State {
	if s.conn == nil {
		return StateDisconnected
	}
	return StateConnected
}

// Connect establishes the connection. Any failure is a *ConnectionError.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.provider.Connect(ctx, s.params)
	if err != nil {
		if IsConnectionError(err) {
			return err
		}
		return &ConnectionError{Op: "connect", Err: err}
	}
	s.conn = conn
	return nil
}

// Reconnect tears down the current connection, if any, and connects again
func (s *Session) Reconnect(ctx context.Context) error {
	s.disconnect()
	return s.Connect(ctx)
}

// Execute runs one statement. Select kinds read the full row set; every
// other kind is executed for its effect, insert kinds also report the
// generated id. Connection failures leave the session disconnected.
func (s *Session) Execute(ctx context.Context, statement string, kind parser.Kind) (*Result, error) {
	if s.conn == nil {
		return nil, &ConnectionError{Op: "execute", Err: ErrDisconnected}
	}

	result := &Result{Kind: kind}
	var err error
	if kind == parser.KindSelect {
		var rows []Row
		result.Columns, rows, err = s.conn.Query(ctx, statement)
		if len(rows) > 0 {
			result.Rows = rows
		}
	} else {
		result.InsertID, result.RowsAffected, err = s.conn.Exec(ctx, statement)
	}

	if err != nil {
		return nil, s.fail(statement, err)
	}
	return result, nil
}

// Ping checks the connection
func (s *Session) Ping(ctx context.Context) error {
	if s.conn == nil {
		return &ConnectionError{Op: "ping", Err: ErrDisconnected}
	}
	if err := s.conn.Ping(ctx); err != nil {
		return s.fail("", err)
	}
	return nil
}

// Close closes the connection
func (s *Session) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *Session) disconnect() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *Session) fail(statement string, err error) error {
	if IsConnectionError(err) {
		s.disconnect()
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || IsStatementError(err) {
		return err
	}
	return &StatementError{Statement: statement, Err: err}
}
