package session

import (
	"context"

	"github.com/mevdschee/tqdbdispatch/config"
)

// Row is one result row, in column order
type Row []any

// Conn is one live connection to the database. Implementations need not be
// safe for concurrent use: a Conn is only ever used by the Session that
// owns it.
//
// Errors that mean the connection itself failed must be returned as (or
// wrap) a *ConnectionError; every other error is treated as a statement
// error.
type Conn interface {
	Query(ctx context.Context, statement string) (columns []string, rows []Row, err error)
	Exec(ctx context.Context, statement string) (lastInsertID, rowsAffected int64, err error)
	Ping(ctx context.Context) error
	Close() error
}

// Provider establishes connections. It is the only place the native
// database client is consulted.
type Provider interface {
	Connect(ctx context.Context, params config.Connection) (Conn, error)
}

// ProviderFunc adapts a function to the Provider interface
type ProviderFunc func(ctx context.Context, params config.Connection) (Conn, error)

// Connect calls f(ctx, params)
func (f ProviderFunc) Connect(ctx context.Context, params config.Connection) (Conn, error) {
	return f(ctx, params)
}

// Dialect holds the transaction control statements of a database
type Dialect struct {
	Begin    string
	Commit   string
	Rollback string
}

// DialectFor returns the transaction statements for a driver name
func DialectFor(driver string) Dialect {
	switch driver {
	case "mysql":
		return Dialect{
			Begin:    "START TRANSACTION WITH CONSISTENT SNAPSHOT",
			Commit:   "COMMIT",
			Rollback: "ROLLBACK",
		}
	case "postgres":
		return Dialect{
			Begin:    "BEGIN ISOLATION LEVEL REPEATABLE READ",
			Commit:   "COMMIT",
			Rollback: "ROLLBACK",
		}
	default:
		return Dialect{
			Begin:    "BEGIN",
			Commit:   "COMMIT",
			Rollback: "ROLLBACK",
		}
	}
}
