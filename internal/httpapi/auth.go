package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/auth"
	"github.com/Carlos-Mesquita/SE-Doorbell-Camera/internal/logging"
)

// refreshCookie is scoped to the auth routes so the long-lived token
// never rides along on ordinary API calls.
const refreshCookie = "refresh_token"

type ctxKey int

const ctxKeyUserID ctxKey = 0

func userIDFrom(r *http.Request) int64 {
	id, _ := r.Context().Value(ctxKeyUserID).(int64)
	return id
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	fields := make(map[string]string)
	if req.Email == "" {
		fields["email"] = "is required"
	}
	if req.Password == "" {
		fields["password"] = "is required"
	}
	if len(fields) > 0 {
		s.writeFieldErrors(w, fields)
		return
	}

	user, err := s.store.UserByEmail(r.Context(), req.Email)
	if err != nil {
		// Unknown email and wrong password answer the same way.
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		s.writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := s.tokens.IssuePair(strconv.FormatInt(user.ID, 10))
	if err != nil {
		log.Error("issue token pair failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.SaveRefreshToken(r.Context(), user.ID, auth.HashToken(pair.RefreshToken), pair.RefreshExpiresAt); err != nil {
		log.Error("persist refresh token failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	log.Info("user logged in", "user_id", user.ID)
	setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshCookie)
	if err != nil || c.Value == "" {
		s.writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	claims, err := s.tokens.ValidateRefresh(c.Value)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	hash := auth.HashToken(c.Value)
	rec, err := s.store.RefreshTokenByHash(r.Context(), hash)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	if rec.Revoked || time.Now().After(rec.ExpiresAt) {
		s.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	userID, err := auth.MapSubject(claims.Subject, s.owner)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	// Rotation: the presented token dies with this exchange.
	if err := s.store.RevokeRefreshToken(r.Context(), hash); err != nil {
		log.Error("revoke refresh token failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	pair, err := s.tokens.IssuePair(claims.Subject)
	if err != nil {
		log.Error("issue token pair failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.SaveRefreshToken(r.Context(), userID, auth.HashToken(pair.RefreshToken), pair.RefreshExpiresAt); err != nil {
		log.Error("persist refresh token failed", logging.KeyError, err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	setRefreshCookie(w, pair.RefreshToken, pair.RefreshExpiresAt)
	writeJSON(w, http.StatusOK, tokenResponse{AccessToken: pair.AccessToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(refreshCookie); err == nil && c.Value != "" {
		if err := s.store.RevokeRefreshToken(r.Context(), auth.HashToken(c.Value)); err != nil {
			log.Warn("revoke refresh token on logout failed", logging.KeyError, err)
		}
	}
	clearRefreshCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

func setRefreshCookie(w http.ResponseWriter, token string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     "/api/auth",
		Expires:  expiresAt,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

func clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     "/api/auth",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

// requireAuth validates the bearer token and stashes the resolved user
// id in the request context.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			s.writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		claims, err := s.tokens.ValidateAccess(token)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}
		userID, err := auth.MapSubject(claims.Subject, s.owner)
		if err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid access token")
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, userID)
		next(w, r.WithContext(ctx))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}
