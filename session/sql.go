package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"

	"github.com/mevdschee/tqdbdispatch/config"
)

// SQLProvider connects through database/sql using the mysql, postgres or
// sqlite3 driver named in the connection parameters
type SQLProvider struct{}

// NewSQLProvider creates a provider backed by database/sql
func NewSQLProvider() *SQLProvider {
	return &SQLProvider{}
}

// Connect opens a dedicated connection. The underlying *sql.DB is limited
// to this single connection so that session state (transactions, session
// variables) always lives on the same physical link.
func (p *SQLProvider) Connect(ctx context.Context, params config.Connection) (Conn, error) {
	dsn, err := DSN(params)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(params.Driver, dsn)
	if err != nil {
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		db.Close()
		return nil, &ConnectionError{Op: "connect", Err: err}
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		db.Close()
		return nil, &ConnectionError{Op: "connect", Err: err}
	}

	return &sqlConn{db: db, conn: conn}, nil
}

// DSN builds the driver specific data source name
func DSN(params config.Connection) (string, error) {
	switch params.Driver {
	case "mysql":
		return mysqlDSN(params), nil
	case "postgres":
		return postgresDSN(params), nil
	case "sqlite3":
		return sqliteDSN(params), nil
	default:
		return "", fmt.Errorf("unsupported driver %q", params.Driver)
	}
}

func mysqlDSN(params config.Connection) string {
	c := mysql.NewConfig()
	c.User = params.User
	c.Passwd = params.Password
	c.DBName = params.Database
	if strings.HasPrefix(params.Host, "unix:") {
		c.Net = "unix"
		c.Addr = params.Host[5:]
	} else {
		c.Net = "tcp"
		c.Addr = params.Address()
	}
	autocommit := "0"
	if params.AutoCommit {
		autocommit = "1"
	}
	// Unknown params are sent as SET statements after the handshake
	c.Params = map[string]string{"autocommit": autocommit}
	return c.FormatDSN()
}

func postgresDSN(params config.Connection) string {
	u := url.URL{
		Scheme:   "postgres",
		Host:     params.Address(),
		Path:     "/" + params.Database,
		RawQuery: "sslmode=disable",
	}
	if params.User != "" {
		u.User = url.UserPassword(params.User, params.Password)
	}
	return u.String()
}

func sqliteDSN(params config.Connection) string {
	dsn := params.Database
	if dsn == "" {
		dsn = ":memory:"
	}
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000"
	}
	return dsn
}

type sqlConn struct {
	db   *sql.DB
	conn *sql.Conn
}

func (c *sqlConn) Query(ctx context.Context, statement string) ([]string, []Row, error) {
	rows, err := c.conn.QueryContext(ctx, statement)
	if err != nil {
		return nil, nil, classify("query", statement, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, classify("query", statement, err)
	}

	var result []Row
	for rows.Next() {
		vals := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, classify("query", statement, err)
		}
		for i, v := range vals {
			// Text columns arrive as []byte from the mysql driver
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		result = append(result, Row(vals))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify("query", statement, err)
	}

	return columns, result, nil
}

func (c *sqlConn) Exec(ctx context.Context, statement string) (int64, int64, error) {
	res, err := c.conn.ExecContext(ctx, statement)
	if err != nil {
		return 0, 0, classify("exec", statement, err)
	}
	// Drivers without support (lib/pq) report an error here, the id stays 0
	lastID, _ := res.LastInsertId()
	affected, _ := res.RowsAffected()
	return lastID, affected, nil
}

func (c *sqlConn) Ping(ctx context.Context) error {
	if err := c.conn.PingContext(ctx); err != nil {
		return classify("ping", "", err)
	}
	return nil
}

func (c *sqlConn) Close() error {
	err := c.conn.Close()
	if dbErr := c.db.Close(); err == nil {
		err = dbErr
	}
	return err
}

// classify wraps a driver error as a ConnectionError or StatementError
func classify(op, statement string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if IsConnectionFailure(err) {
		return &ConnectionError{Op: op, Err: err}
	}
	return &StatementError{Statement: statement, Err: err}
}

// MySQL server error numbers that mean the connection is unusable
var mysqlConnectionErrors = map[uint16]bool{
	1040: true, // ER_CON_COUNT_ERROR
	1053: true, // ER_SERVER_SHUTDOWN
	1077: true, // ER_NORMAL_SHUTDOWN
	1078: true, // ER_GOT_SIGNAL
	1079: true, // ER_SHUTDOWN_COMPLETE
	1152: true, // ER_ABORTING_CONNECTION
	1153: true, // ER_NET_PACKET_TOO_LARGE
	1158: true, // ER_NET_READ_ERROR
	1159: true, // ER_NET_READ_INTERRUPTED
	1160: true, // ER_NET_ERROR_ON_WRITE
	1161: true, // ER_NET_WRITE_INTERRUPTED
	2006: true, // CR_SERVER_GONE_ERROR
	2013: true, // CR_SERVER_LOST
}

// IsConnectionFailure reports whether a driver error means the connection
// failed, as opposed to the statement being rejected
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, mysql.ErrInvalidConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return mysqlConnectionErrors[myErr.Number]
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// Class 08: connection exception; 57P01-57P03: server shutting down
		return pqErr.Code.Class() == "08" ||
			pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrCantOpen || liteErr.Code == sqlite3.ErrIoErr
	}

	return false
}
