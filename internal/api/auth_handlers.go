package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/posbridge/posbridge/internal/apperr"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Success   bool   `json:"success"`
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	UserID    int64  `json:"userId"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		handleError(w, s.logger, apperr.Wrap(apperr.KindInvalidRequest, "decoding login body", err))
		return
	}

	userID, err := s.users.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	token, claims, err := s.tokens.Issue(req.Username)
	if err != nil {
		handleError(w, s.logger, err)
		return
	}

	writeJSON(w, s.logger, http.StatusOK, loginResponse{
		Success:   true,
		Token:     token,
		ExpiresAt: claims.ExpiresAt.UTC().Format(time.RFC3339),
		UserID:    userID,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	if claims == nil {
		handleError(w, s.logger, apperr.New(apperr.KindUnauthorized, "no session"))
		return
	}

	expiresAt := time.Now().Add(time.Hour)
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	s.sessions.Revoke(claims.ID, expiresAt)

	writeJSON(w, s.logger, http.StatusOK, map[string]any{
		"success": true,
		"message": "session invalidated",
	})
}
