// Package driver provides a uniform connection contract over SQL Server,
// PostgreSQL and MySQL. A Conn is one live database session: the pool lends
// it to exactly one caller at a time, and it is not safe for concurrent use.
package driver

import (
	"context"
	"time"

	// Database drivers register themselves with database/sql.
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/microsoft/go-mssqldb"

	"github.com/posbridge/posbridge/internal/config"
)

// Conn is a single database session with transactional and query operations.
// Implementations are engine-specific but share this surface.
type Conn interface {
	// Connect establishes the session and applies the engine's session
	// initialization. Calling Connect on a live session is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the session down. Idempotent.
	Disconnect() error

	// IsConnected reports whether the session is live.
	IsConnected() bool

	// StartTransaction begins a transaction. At most one transaction may be
	// active per connection; nesting fails with a command error.
	StartTransaction(ctx context.Context) error

	// Commit commits the active transaction.
	Commit() error

	// Rollback aborts the active transaction.
	Rollback() error

	// InTransaction reports whether a transaction is active.
	InTransaction() bool

	// Execute runs a statement and returns the number of affected rows.
	Execute(ctx context.Context, query string, params Params) (int64, error)

	// ExecuteScalar returns the first column of the first row, nil when the
	// result is empty.
	ExecuteScalar(ctx context.Context, query string, params Params) (any, error)

	// ExecuteReader returns the fully materialized result set.
	ExecuteReader(ctx context.Context, query string, params Params) (*ResultSet, error)

	// ExecuteJSON serializes the result rows as a JSON array of objects.
	// Keys are column names, NULL cells become JSON null and datetimes are
	// rendered as ISO-8601 UTC.
	ExecuteJSON(ctx context.Context, query string, params Params) (string, error)

	// Version returns the server version string.
	Version(ctx context.Context) (string, error)

	// GetTables lists the base tables visible in the configured schema.
	GetTables(ctx context.Context) ([]string, error)

	// GetFields lists the columns of a table in ordinal order.
	GetFields(ctx context.Context, table string) ([]string, error)

	// SetQueryTimeout bounds every subsequent statement.
	SetQueryTimeout(timeout time.Duration)

	// QueryTimeout returns the current statement bound.
	QueryTimeout() time.Duration

	// Engine identifies the dialect behind the session.
	Engine() config.Engine
}

// ResultSet is a fully materialized query result. The caller owns it; no
// database resources remain attached after ExecuteReader returns.
type ResultSet struct {
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (rs *ResultSet) Len() int {
	return len(rs.Rows)
}

// Maps converts the result set into one map per row, keyed by column name.
func (rs *ResultSet) Maps() []map[string]any {
	out := make([]map[string]any, 0, len(rs.Rows))
	for _, row := range rs.Rows {
		m := make(map[string]any, len(rs.Columns))
		for i, col := range rs.Columns {
			m[col] = row[i]
		}
		out = append(out, m)
	}
	return out
}
