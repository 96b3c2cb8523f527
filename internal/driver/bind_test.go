package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posbridge/posbridge/internal/apperr"
)

func TestBindNamedPostgres(t *testing.T) {
	sql, args, err := bindNamed(postgresDialect{},
		"SELECT * FROM customers WHERE id = :id AND active = :active", Params{
			"id":     7,
			"active": true,
		})
	require.NoError(t, err)
	assert.Equal(t, "SELECT * FROM customers WHERE id = $1 AND active = $2", sql)
	assert.Equal(t, []any{7, true}, args)
}

func TestBindNamedMySQL(t *testing.T) {
	sql, args, err := bindNamed(mysqlDialect{},
		"UPDATE orders SET total = :total WHERE id = :id", Params{
			"total": 12.5,
			"id":    3,
		})
	require.NoError(t, err)
	assert.Equal(t, "UPDATE orders SET total = ? WHERE id = ?", sql)
	assert.Equal(t, []any{12.5, 3}, args)
}

func TestBindNamedMSSQL(t *testing.T) {
	sql, args, err := bindNamed(mssqlDialect{},
		"SELECT 1 FROM [orders] WHERE id = :id", Params{"id": 1})
	require.NoError(t, err)
	assert.Equal(t, "SELECT 1 FROM [orders] WHERE id = @p1", sql)
	assert.Equal(t, []any{1}, args)
}

func TestBindNamedRepeatedParameter(t *testing.T) {
	sql, args, err := bindNamed(postgresDialect{},
		"SELECT :v, :v", Params{"v": "x"})
	require.NoError(t, err)
	assert.Equal(t, "SELECT $1, $2", sql)
	assert.Equal(t, []any{"x", "x"}, args)
}

func TestBindNamedIgnoresLiteralsAndCasts(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{
			"string literal",
			"SELECT ':notparam' WHERE id = :id",
			"SELECT ':notparam' WHERE id = $1",
		},
		{
			"postgres cast",
			"SELECT created_at::date WHERE id = :id",
			"SELECT created_at::date WHERE id = $1",
		},
		{
			"line comment",
			"SELECT 1 -- :ignored\nWHERE id = :id",
			"SELECT 1 -- :ignored\nWHERE id = $1",
		},
		{
			"block comment",
			"SELECT 1 /* :ignored */ WHERE id = :id",
			"SELECT 1 /* :ignored */ WHERE id = $1",
		},
		{
			"quoted identifier",
			`SELECT ":x" WHERE id = :id`,
			`SELECT ":x" WHERE id = $1`,
		},
		{
			"escaped quote in literal",
			"SELECT 'it''s :x' WHERE id = :id",
			"SELECT 'it''s :x' WHERE id = $1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sql, args, err := bindNamed(postgresDialect{}, tt.query, Params{"id": 1})
			require.NoError(t, err)
			assert.Equal(t, tt.want, sql)
			assert.Len(t, args, 1)
		})
	}
}

func TestBindNamedMissingParameter(t *testing.T) {
	_, _, err := bindNamed(postgresDialect{}, "SELECT :absent", Params{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindCommand, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "absent")
}
