package session

import (
	"errors"
	"fmt"
)

// ErrDisconnected is returned when a statement is executed on a session
// that has no live connection
var ErrDisconnected = errors.New("session is disconnected")

// ConnectionError is a transient failure of the connection itself. The
// statement may be retried after a reconnect.
type ConnectionError struct {
	Op  string // connect, query, exec or ping
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error during %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// StatementError means the database rejected the statement (syntax,
// constraint, type mismatch). It is never retried.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement error: %v", e.Err)
}

func (e *StatementError) Unwrap() error {
	return e.Err
}

// IsConnectionError reports whether err is, or wraps, a ConnectionError
func IsConnectionError(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// IsStatementError reports whether err is, or wraps, a StatementError
func IsStatementError(err error) bool {
	var stmtErr *StatementError
	return errors.As(err, &stmtErr)
}
