package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/pulsewatch/pulsewatch/internal/store"
)

type contextKey string

const userKey contextKey = "user"

// userID returns the acting user set by the auth middleware.
func userID(r *http.Request) string {
	if v, ok := r.Context().Value(userKey).(string); ok && v != "" {
		return v
	}
	return "default"
}

// APIKeyAuth validates the X-API-Key header against stored key hashes
// and records the acting user from X-Pulsewatch-User. The caller is a
// trusted CLI/API collaborator, so the user header is accepted as-is
// once the key checks out.
func APIKeyAuth(st *store.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				writeError(w, http.StatusUnauthorized, "missing API key")
				return
			}
			ok, err := st.ValidateAPIKey(key)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "key validation failed")
				return
			}
			if !ok {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), userKey, r.Header.Get("X-Pulsewatch-User"))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth guards key management with the operator's admin secret.
// With no secret configured the routes are disabled outright.
func AdminAuth(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				writeError(w, http.StatusForbidden, "admin routes disabled")
				return
			}
			got := r.Header.Get("X-Admin-Secret")
			if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
				writeError(w, http.StatusUnauthorized, "invalid admin secret")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
