package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/trafficbuster/conductor/internal/model"
	"github.com/trafficbuster/conductor/internal/session"
)

type ctxKey int

const userKey ctxKey = iota

// auth validates the Bearer token against the session store and puts
// the user id on the request context. Rejection codes mirror the
// websocket handshake.
func (a *API) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			writeErr(w, http.StatusUnauthorized, "TOKEN_MISSING", "bearer token required")
			return
		}

		userID, sessionID, err := session.ParseToken(a.opts.JWTSecret, raw)
		if err != nil {
			writeErr(w, http.StatusUnauthorized, "TOKEN_INVALID", "invalid or expired token")
			return
		}
		sess, ok := a.sessions.Get(userID, sessionID)
		if !ok || sess.Status != session.StatusActive {
			writeErr(w, http.StatusUnauthorized, "SESSION_INVALID", model.ErrSessionInvalid.Error())
			return
		}
		a.sessions.Touch(userID, sessionID)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	})
}

func userFrom(r *http.Request) string {
	userID, _ := r.Context().Value(userKey).(string)
	return userID
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response failed", "error", err)
	}
}

func writeErr(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}
