package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/config"
)

// Claims is the token payload issued at login. The registered ID (jti) keys
// the session registry so logout can revoke a single token.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies HS256 tokens.
type TokenManager struct {
	secret   []byte
	issuer   string
	audience string
	ttl      time.Duration

	now func() time.Time
}

// NewTokenManager builds a manager from the JWT configuration.
func NewTokenManager(cfg config.JWTConfig) *TokenManager {
	return &TokenManager{
		secret:   []byte(cfg.Secret),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		ttl:      time.Duration(cfg.ExpirationHours) * time.Hour,
		now:      time.Now,
	}
}

// Issue signs a token for the given user.
func (m *TokenManager) Issue(username string) (string, *Claims, error) {
	now := m.now()
	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   username,
			Issuer:    m.issuer,
			Audience:  jwt.ClaimStrings{m.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", nil, apperr.Wrap(apperr.KindInternal, "signing token", err)
	}
	return signed, claims, nil
}

// Verify parses and validates a token, enforcing the signing method,
// issuer, audience and expiry.
func (m *TokenManager) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	}
	if m.issuer != "" {
		opts = append(opts, jwt.WithIssuer(m.issuer))
	}
	if m.audience != "" {
		opts = append(opts, jwt.WithAudience(m.audience))
	}

	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, opts...)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid token", err)
	}
	return claims, nil
}
