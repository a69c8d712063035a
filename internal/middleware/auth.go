// Package middleware carries the HTTP cross-cutting layers: bearer
// auth, request logging, and CORS.
package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pelleum/account-connections/internal/database"
)

type contextKey string

const userKey contextKey = "user"

// WithUser adds the authenticated user to context.
func WithUser(ctx context.Context, user *database.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

// UserFromContext extracts the authenticated user from context.
func UserFromContext(ctx context.Context) (*database.User, bool) {
	user, ok := ctx.Value(userKey).(*database.User)
	return user, ok
}

// UserStore resolves a token subject to a platform user.
type UserStore interface {
	RetrieveWithFilter(ctx context.Context, filter database.UserFilter) (*database.User, error)
}

// Auth validates the bearer token, loads the platform user named by the
// token subject, and stores it in the request context. Requests with a
// valid token for a deactivated user are rejected with 400.
func Auth(users UserStore, secret, algorithm string) func(http.Handler) http.Handler {
	keyFunc := func(*jwt.Token) (any, error) { return []byte(secret), nil }
	methods := jwt.WithValidMethods([]string{algorithm})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				unauthorized(w)
				return
			}

			claims := &jwt.RegisteredClaims{}
			if _, err := jwt.ParseWithClaims(token, claims, keyFunc, methods); err != nil || claims.Subject == "" {
				unauthorized(w)
				return
			}

			user, err := users.RetrieveWithFilter(r.Context(), database.UserFilter{Username: &claims.Subject})
			if err != nil {
				writeDetail(w, http.StatusInternalServerError, "There was an internal server error.")
				return
			}
			if user == nil {
				unauthorized(w)
				return
			}
			if !user.IsActive {
				writeDetail(w, http.StatusBadRequest, "Inactive user")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, found := strings.CutPrefix(header, "Bearer ")
	if !found || token == "" {
		return "", false
	}
	return token, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeDetail(w, http.StatusUnauthorized, "Could not validate credentials")
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"detail": detail})
}
