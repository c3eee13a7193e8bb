package dispatch

import "errors"

var (
	// ErrConnectionExhausted is returned when a statement kept failing with
	// connection errors for every allowed attempt
	ErrConnectionExhausted = errors.New("connection retries exhausted")

	// ErrUsage is returned when the dispatcher or a scope is used incorrectly
	ErrUsage = errors.New("dispatcher usage error")

	// ErrShutdownInProgress is returned when work is submitted after Shutdown
	ErrShutdownInProgress = errors.New("dispatcher is shutting down")

	// ErrTransactionLost is returned for statements of a transaction whose
	// session lost its connection. The transaction must be rolled back by
	// the caller to release the worker.
	ErrTransactionLost = errors.New("transaction lost with its connection")
)
