package auth

import (
	"context"
	"fmt"
	"strings"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/driver"
	"github.com/posbridge/posbridge/internal/observability"
	"github.com/posbridge/posbridge/internal/storage"
)

// UserStore authenticates credentials against the users table. Rows carry a
// bcrypt password_hash; there is no plaintext fallback.
type UserStore struct {
	source storage.Source
	hasher HashAdapter
	logger observability.Logger
}

// NewUserStore builds a store over the given session source.
func NewUserStore(source storage.Source, hasher HashAdapter, logger observability.Logger) *UserStore {
	return &UserStore{source: source, hasher: hasher, logger: logger}
}

// Authenticate verifies the credentials and returns the user id. Unknown
// users and wrong passwords are indistinguishable to the caller.
func (s *UserStore) Authenticate(ctx context.Context, username, password string) (int64, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return 0, apperr.New(apperr.KindMissingParameter, "username and password are required")
	}

	conn, release, err := s.source.Acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	engine := conn.Engine()
	query := fmt.Sprintf("SELECT %s, %s FROM %s WHERE %s = :username AND %s = :active",
		driver.QuoteIdentifier(engine, "id"),
		driver.QuoteIdentifier(engine, "password_hash"),
		driver.QuoteIdentifier(engine, "users"),
		driver.QuoteIdentifier(engine, "username"),
		driver.QuoteIdentifier(engine, "active"))

	rs, err := conn.ExecuteReader(ctx, query, driver.Params{"username": username, "active": true})
	if err != nil {
		return 0, err
	}
	if rs.Len() == 0 {
		s.logger.Warn("login for unknown or inactive user",
			observability.String("username", username))
		return 0, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}

	row := rs.Maps()[0]
	hash, _ := row["password_hash"].(string)
	if !s.hasher.CheckHash(hash, password) {
		s.logger.Warn("login with wrong password",
			observability.String("username", username))
		return 0, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}

	id, ok := toID(row["id"])
	if !ok {
		return 0, apperr.New(apperr.KindInternal, "users.id has unexpected type")
	}
	return id, nil
}

func toID(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
