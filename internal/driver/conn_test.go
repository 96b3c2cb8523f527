package driver

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/observability"
)

func newMockConn(t *testing.T) (Conn, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := NewFromDB(db, config.EnginePostgres, observability.NewNop())
	require.NoError(t, err)
	return conn, mock
}

func TestExecuteBindsNamedParams(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectExec("UPDATE customers SET active = $1 WHERE id = $2").
		WithArgs(false, 9).
		WillReturnResult(sqlmock.NewResult(0, 1))

	affected, err := conn.Execute(context.Background(),
		"UPDATE customers SET active = :active WHERE id = :id",
		Params{"active": false, "id": 9})
	require.NoError(t, err)
	assert.Equal(t, int64(1), affected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExecuteDriverError(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectExec("DELETE FROM customers").
		WillReturnError(sql.ErrConnDone)

	_, err := conn.Execute(context.Background(), "DELETE FROM customers", nil)
	require.Error(t, err)
	assert.Equal(t, apperr.KindCommand, apperr.KindOf(err))
}

func TestExecuteRowsAffectedErrorPropagates(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectExec("UPDATE customers SET active = $1").
		WithArgs(false).
		WillReturnResult(sqlmock.NewErrorResult(errors.New("affected rows unsupported")))

	_, err := conn.Execute(context.Background(),
		"UPDATE customers SET active = :active", Params{"active": false})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCommand, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "affected rows")
}

func TestExecuteScalar(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectQuery("SELECT COUNT(*) FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

	value, err := conn.ExecuteScalar(context.Background(), "SELECT COUNT(*) FROM customers", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)
}

func TestExecuteScalarEmptyResult(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectQuery("SELECT id FROM customers WHERE id = $1").
		WithArgs(404).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	value, err := conn.ExecuteScalar(context.Background(),
		"SELECT id FROM customers WHERE id = :id", Params{"id": 404})
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestExecuteReaderMaterializes(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectQuery("SELECT id, name FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name"}).
			AddRow(int64(1), []byte("Ada")).
			AddRow(int64(2), "Grace"))

	rs, err := conn.ExecuteReader(context.Background(), "SELECT id, name FROM customers", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "name"}, rs.Columns)
	require.Equal(t, 2, rs.Len())
	// []byte cells are normalized to string.
	assert.Equal(t, "Ada", rs.Rows[0][1])

	maps := rs.Maps()
	assert.Equal(t, int64(2), maps[1]["id"])
}

func TestExecuteJSON(t *testing.T) {
	conn, mock := newMockConn(t)

	created := time.Date(2026, 3, 1, 12, 30, 0, 0, time.FixedZone("CET", 3600))
	mock.ExpectQuery("SELECT id, name, deleted_at, created_at FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "deleted_at", "created_at"}).
			AddRow(int64(1), "Ada", nil, created))

	out, err := conn.ExecuteJSON(context.Background(),
		"SELECT id, name, deleted_at, created_at FROM customers", nil)
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, float64(1), rows[0]["id"])
	assert.Equal(t, "Ada", rows[0]["name"])
	assert.Nil(t, rows[0]["deleted_at"])
	// Datetimes serialize as ISO-8601 UTC.
	assert.Equal(t, "2026-03-01T11:30:00Z", rows[0]["created_at"])
}

func TestExecuteJSONEmptyResultIsEmptyArray(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectQuery("SELECT id FROM customers").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	out, err := conn.ExecuteJSON(context.Background(), "SELECT id FROM customers", nil)
	require.NoError(t, err)
	assert.Equal(t, "[]", out)
}

func TestTransactionLifecycle(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO customers (name) VALUES ($1)").
		WithArgs("Ada").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ctx := context.Background()
	require.NoError(t, conn.StartTransaction(ctx))
	assert.True(t, conn.InTransaction())

	// Nested transactions are a command error.
	err := conn.StartTransaction(ctx)
	require.Error(t, err)
	assert.Equal(t, apperr.KindCommand, apperr.KindOf(err))

	_, err = conn.Execute(ctx, "INSERT INTO customers (name) VALUES (:name)", Params{"name": "Ada"})
	require.NoError(t, err)

	require.NoError(t, conn.Commit())
	assert.False(t, conn.InTransaction())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollback(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx := context.Background()
	require.NoError(t, conn.StartTransaction(ctx))
	require.NoError(t, conn.Rollback())
	assert.False(t, conn.InTransaction())
}

func TestCommitWithoutTransaction(t *testing.T) {
	conn, _ := newMockConn(t)

	require.Error(t, conn.Commit())
	require.Error(t, conn.Rollback())
}

func TestQueryTimeoutAccessors(t *testing.T) {
	conn, _ := newMockConn(t)

	conn.SetQueryTimeout(90 * time.Second)
	assert.Equal(t, 90*time.Second, conn.QueryTimeout())

	// Non-positive values are ignored.
	conn.SetQueryTimeout(0)
	assert.Equal(t, 90*time.Second, conn.QueryTimeout())
}

func TestVersion(t *testing.T) {
	conn, mock := newMockConn(t)

	mock.ExpectQuery("SELECT version()").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow("PostgreSQL 16.3"))

	version, err := conn.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "PostgreSQL 16.3", version)
}

func TestStatementOperation(t *testing.T) {
	tests := []struct {
		query string
		want  string
	}{
		{"SELECT 1", "SELECT"},
		{"  insert into t values (1)", "INSERT"},
		{"WITH cte AS (SELECT 1) SELECT * FROM cte", "SELECT"},
		{"CREATE TABLE t (id int)", "DDL"},
		{"COMMIT", "TRANSACTION"},
		{"", "UNKNOWN"},
		{"EXPLAIN SELECT 1", "OTHER"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, statementOperation(tt.query), tt.query)
	}
}

func TestOpenRejectsUnknownEngine(t *testing.T) {
	_, err := Open(config.ConnectionConfig{Engine: config.EngineUnknown}, observability.NewNop())
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}
