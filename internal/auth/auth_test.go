package auth

import (
	"context"
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

func testJWTConfig() config.JWTConfig {
	return config.JWTConfig{
		Secret:          "0123456789abcdef0123456789abcdef",
		Issuer:          "posbridge",
		Audience:        "pos-clients",
		ExpirationHours: 1,
	}
}

func TestHashAdapterRoundTrip(t *testing.T) {
	hasher := NewHashAdapterWithCost(4)

	hash, err := hasher.GenerateHash("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)

	assert.True(t, hasher.CheckHash(hash, "s3cret"))
	assert.False(t, hasher.CheckHash(hash, "wrong"))
	assert.False(t, hasher.CheckHash("not-a-hash", "s3cret"))
}

func TestTokenIssueAndVerify(t *testing.T) {
	m := NewTokenManager(testJWTConfig())

	token, claims, err := m.Issue("ada")
	require.NoError(t, err)
	require.NotEmpty(t, token)
	assert.NotEmpty(t, claims.ID)

	parsed, err := m.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "ada", parsed.Username)
	assert.Equal(t, claims.ID, parsed.ID)
	assert.Equal(t, "posbridge", parsed.Issuer)
}

func TestTokenVerifyRejectsExpired(t *testing.T) {
	m := NewTokenManager(testJWTConfig())
	m.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	token, _, err := m.Issue("ada")
	require.NoError(t, err)

	m.now = time.Now
	_, err = m.Verify(token)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestTokenVerifyRejectsWrongIssuer(t *testing.T) {
	other := testJWTConfig()
	other.Issuer = "someone-else"
	token, _, err := NewTokenManager(other).Issue("ada")
	require.NoError(t, err)

	_, err = NewTokenManager(testJWTConfig()).Verify(token)
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestTokenVerifyRejectsWrongSecret(t *testing.T) {
	other := testJWTConfig()
	other.Secret = "ffffffffffffffffffffffffffffffff"
	token, _, err := NewTokenManager(other).Issue("ada")
	require.NoError(t, err)

	_, err = NewTokenManager(testJWTConfig()).Verify(token)
	require.Error(t, err)
}

func TestTokenVerifyRejectsGarbage(t *testing.T) {
	_, err := NewTokenManager(testJWTConfig()).Verify("not.a.token")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()
	t.Cleanup(r.Close)

	assert.False(t, r.IsRevoked("jti-1"))

	r.Revoke("jti-1", time.Now().Add(time.Hour))
	assert.True(t, r.IsRevoked("jti-1"))

	// A revocation past its token expiry no longer matters.
	r.Revoke("jti-2", time.Now().Add(-time.Minute))
	assert.False(t, r.IsRevoked("jti-2"))

	r.sweep(time.Now())
	r.mu.RLock()
	_, still := r.revoked["jti-2"]
	r.mu.RUnlock()
	assert.False(t, still)
	assert.True(t, r.IsRevoked("jti-1"))
}

func newMockUserStore(t *testing.T) (*UserStore, sqlmock.Sqlmock, HashAdapter) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	conn, err := driver.NewFromDB(db, config.EnginePostgres, observability.NewNop())
	require.NoError(t, err)

	hasher := NewHashAdapterWithCost(4)
	store := NewUserStore(&storage.StaticSource{Conn: conn}, hasher, observability.NewNop())
	return store, mock, hasher
}

const userQuery = `SELECT "id", "password_hash" FROM "users" WHERE "username" = $1 AND "active" = $2`

func TestAuthenticateSuccess(t *testing.T) {
	store, mock, hasher := newMockUserStore(t)

	hash, err := hasher.GenerateHash("s3cret")
	require.NoError(t, err)

	mock.ExpectQuery(userQuery).WithArgs("ada", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow(int64(7), hash))

	id, err := store.Authenticate(context.Background(), "ada", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, int64(7), id)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAuthenticateUnknownUser(t *testing.T) {
	store, mock, _ := newMockUserStore(t)

	mock.ExpectQuery(userQuery).WithArgs("ghost", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}))

	_, err := store.Authenticate(context.Background(), "ghost", "pw")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticateWrongPassword(t *testing.T) {
	store, mock, hasher := newMockUserStore(t)

	hash, err := hasher.GenerateHash("right")
	require.NoError(t, err)

	mock.ExpectQuery(userQuery).WithArgs("ada", true).
		WillReturnRows(sqlmock.NewRows([]string{"id", "password_hash"}).AddRow(int64(7), hash))

	_, err = store.Authenticate(context.Background(), "ada", "wrong")
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnauthorized, apperr.KindOf(err))
}

func TestAuthenticateMissingCredentials(t *testing.T) {
	store, _, _ := newMockUserStore(t)

	_, err := store.Authenticate(context.Background(), "", "pw")
	require.Error(t, err)
	assert.Equal(t, apperr.KindMissingParameter, apperr.KindOf(err))

	_, err = store.Authenticate(context.Background(), "ada", "")
	require.Error(t, err)
}
