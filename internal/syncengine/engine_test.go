package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/observability"
	"github.com/posbridge/posbridge/internal/storage"
)

func newMockEngine(t *testing.T, opts ...Option) (*Engine, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := driver.NewFromDB(db, config.EnginePostgres, observability.NewNop())
	require.NoError(t, err)

	return New(&storage.StaticSource{Conn: conn}, observability.NewNop(), opts...), mock
}

const (
	existsTablesSQL = `SELECT 1 FROM "tables" WHERE "id" = $1`
	insertTablesSQL = `INSERT INTO "tables" ("id", "Number", "Capacity", "Status", "QRCode", "LastSync") VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)`
	updateTablesSQL = `UPDATE "tables" SET "Number" = $1, "Capacity" = $2, "Status" = $3, "QRCode" = $4, "LastSync" = CURRENT_TIMESTAMP WHERE "id" = $5`
)

func TestSyncInsertsAndUpdates(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	// id 1 exists, so it is updated.
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}).AddRow(1))
	mock.ExpectExec(updateTablesSQL).
		WithArgs(int64(4), int64(6), "occupied", "qr-1", int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	// id 2 is new, so it is inserted.
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectExec(insertTablesSQL).
		WithArgs(int64(2), int64(5), int64(2), "free", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payload := map[string]any{"tables": []any{
		map[string]any{"id": "1", "Number": float64(4), "Capacity": float64(6), "Status": "occupied", "QRCode": "qr-1"},
		map[string]any{"id": "2", "Number": "5", "Capacity": float64(2)},
	}}
	result, err := e.Sync(context.Background(), "tables", payload)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailCount)
	assert.True(t, result.OK())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncInvalidIDDoesNotPoisonBatch(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectExec(insertTablesSQL).
		WithArgs(int64(1), int64(1), int64(4), "free", "abc").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payload := map[string]any{"tables": []any{
		map[string]any{"id": "1", "Number": float64(1), "Capacity": float64(4), "QRCode": "abc"},
		map[string]any{"id": "x", "Number": float64(2)},
	}}
	result, err := e.Sync(context.Background(), "tables", payload)
	require.NoError(t, err)

	// The good row commits even though a sibling failed validation.
	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailCount)
	assert.False(t, result.OK())
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not an integer")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncStatementFailureRollsBackBatch(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	// id 1 applies cleanly but is undone with the batch.
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectExec(insertTablesSQL).
		WithArgs(int64(1), int64(0), int64(0), "free", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectExec(insertTablesSQL).
		WithArgs(int64(2), int64(0), int64(0), "free", "").
		WillReturnError(fmt.Errorf("constraint violation"))
	mock.ExpectRollback()

	payload := map[string]any{"tables": []any{
		map[string]any{"id": "1"},
		map[string]any{"id": "2"},
	}}
	result, err := e.Sync(context.Background(), "tables", payload)
	require.NoError(t, err)

	assert.Equal(t, 2, result.FailCount)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Contains(t, result.Errors[0], "constraint violation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncBatchesIndependently(t *testing.T) {
	e, mock := newMockEngine(t, WithBatchSize(1))

	// First batch fails and rolls back; second batch commits.
	mock.ExpectBegin()
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(1)).
		WillReturnError(fmt.Errorf("deadlock"))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectExec(insertTablesSQL).
		WithArgs(int64(2), int64(0), int64(0), "free", "").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payload := map[string]any{"tables": []any{
		map[string]any{"id": "1"},
		map[string]any{"id": "2"},
	}}
	result, err := e.Sync(context.Background(), "tables", payload)
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalProcessed)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.FailCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncStopsAfterLostBatchWhenConfigured(t *testing.T) {
	e, mock := newMockEngine(t, WithBatchSize(1), WithContinueOnBatchFailure(false))

	// The first batch rolls back; the second item must never reach the
	// database.
	mock.ExpectBegin()
	mock.ExpectQuery(existsTablesSQL).WithArgs(int64(1)).
		WillReturnError(fmt.Errorf("deadlock"))
	mock.ExpectRollback()

	payload := map[string]any{"tables": []any{
		map[string]any{"id": "1"},
		map[string]any{"id": "2"},
	}}
	result, err := e.Sync(context.Background(), "tables", payload)
	require.NoError(t, err)

	assert.Equal(t, 1, result.TotalProcessed)
	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 1, result.FailCount)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSyncMissingPayloadKey(t *testing.T) {
	e, _ := newMockEngine(t)

	_, err := e.Sync(context.Background(), "tables", map[string]any{"orders": []any{}})
	require.Error(t, err)
	assert.Equal(t, apperr.KindMissingParameter, apperr.KindOf(err))

	_, err = e.Sync(context.Background(), "tables", map[string]any{"tables": "nope"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindMissingParameter, apperr.KindOf(err))
}

func TestSyncUnknownEntity(t *testing.T) {
	e, _ := newMockEngine(t)

	_, err := e.Sync(context.Background(), "invoices", map[string]any{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParameter, apperr.KindOf(err))
}

func TestProductsAvailableDefaultsToTrue(t *testing.T) {
	e, mock := newMockEngine(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT 1 FROM "products" WHERE "id" = $1`).WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"?"}))
	mock.ExpectExec(`INSERT INTO "products" ("id", "Name", "Price", "Category", "Available", "LastSync") VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)`).
		WithArgs(int64(7), "Espresso", 2.5, "drinks", true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	payload := map[string]any{"products": []any{
		map[string]any{"id": "7", "Name": "Espresso", "Price": "2.5", "Category": "drinks"},
	}}
	result, err := e.Sync(context.Background(), "products", payload)
	require.NoError(t, err)
	assert.True(t, result.OK())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChanges(t *testing.T) {
	e, mock := newMockEngine(t)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT "id", "Number", "Capacity", "Status", "QRCode", "LastSync" FROM "tables" WHERE "LastSync" > $1 ORDER BY "LastSync" ASC LIMIT 1000`).
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"id", "Number", "Capacity", "Status", "QRCode", "LastSync"}).
			AddRow(int64(1), int64(4), int64(6), "free", "qr-1", since.Add(time.Hour)))

	out, err := e.GetChanges(context.Background(), "tables", "2026-01-01T00:00:00Z")
	require.NoError(t, err)

	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, float64(1), rows[0]["id"])
	assert.Equal(t, "2026-01-01T01:00:00Z", rows[0]["LastSync"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetChangesRequiresValidSince(t *testing.T) {
	e, _ := newMockEngine(t)

	_, err := e.GetChanges(context.Background(), "tables", "")
	require.Error(t, err)
	assert.Equal(t, apperr.KindMissingParameter, apperr.KindOf(err))

	_, err = e.GetChanges(context.Background(), "tables", "not-a-date")
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidParameter, apperr.KindOf(err))
}

func TestChangeFeedSQLOnMSSQL(t *testing.T) {
	entity, err := EntityFor("products")
	require.NoError(t, err)

	sql := changeFeedSQL(config.EngineMSSQL, entity, 500)
	assert.Equal(t,
		"SELECT TOP (500) [id], [Name], [Price], [Category], [Available], [LastSync] FROM [products] WHERE [LastSync] > :since ORDER BY [LastSync] ASC",
		sql)
}

func TestErrorSummary(t *testing.T) {
	r := &Result{}
	assert.Empty(t, r.ErrorSummary())

	for i := 0; i < 5; i++ {
		r.recordError(fmt.Sprintf("err %d", i))
		r.FailCount++
	}
	assert.Equal(t, "err 0; err 1; err 2 (and 2 more)", r.ErrorSummary())
}

func TestResultErrorCap(t *testing.T) {
	r := &Result{}
	for i := 0; i < 30; i++ {
		r.recordError("boom")
	}
	assert.Len(t, r.Errors, maxRecordedErrors)
}
