package api

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/google/uuid"

	"github.com/posbridge/posbridge/internal/apperr"
	"github.com/posbridge/posbridge/internal/auth"
	"github.com/posbridge/posbridge/internal/observability"
)

// contextKey is a private type for context keys to avoid collisions.
type contextKey string

const (
	requestIDKey contextKey = "requestID"
	claimsKey    contextKey = "claims"
)

// RequestID returns the request id injected by the middleware, empty when
// absent.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ClaimsFrom returns the verified token claims of an authenticated request.
func ClaimsFrom(ctx context.Context) *auth.Claims {
	claims, _ := ctx.Value(claimsKey).(*auth.Claims)
	return claims
}

// recoverMiddleware turns handler panics into 500 responses instead of
// dropped connections.
func recoverMiddleware(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				recovered := recover()
				if recovered == nil {
					return
				}
				logger.Error("panic recovered",
					observability.String("path", r.URL.Path),
					observability.String("method", r.Method),
					observability.String("request_id", RequestID(r.Context())),
					observability.Any("panic", recovered),
					observability.String("stack", string(debug.Stack())))

				writeJSON(w, logger, http.StatusInternalServerError, failure{
					Success: false,
					Message: "internal server error",
					Code:    http.StatusInternalServerError,
				})
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// requestIDMiddleware propagates the client's X-Request-ID or mints one.
func requestIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
			if requestID == "" {
				requestID = uuid.NewString()
			}
			w.Header().Set("X-Request-ID", requestID)

			ctx := context.WithValue(r.Context(), requestIDKey, requestID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authMiddleware verifies the bearer token and refuses revoked sessions.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			handleError(w, s.logger, apperr.New(apperr.KindUnauthorized, "missing bearer token"))
			return
		}

		claims, err := s.tokens.Verify(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			handleError(w, s.logger, err)
			return
		}
		if s.sessions.IsRevoked(claims.ID) {
			handleError(w, s.logger, apperr.New(apperr.KindUnauthorized, "session has been logged out"))
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
