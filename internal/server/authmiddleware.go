package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/jackvz/gitlab-foss/internal/core/domain"
	"github.com/jackvz/gitlab-foss/internal/core/ports"
)

type userContextKey struct{}

// AuthMiddleware resolves the personal access token sent in PRIVATE-TOKEN
// or as a Bearer token and stores the user in the request context.
// Requests without a token continue anonymously; an unknown token or a
// blocked user is rejected with 401.
func AuthMiddleware(provider ports.AuthProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := tokenFromRequest(r)
			if token == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := provider.Authenticate(r.Context(), token)
			if err != nil || user.Blocked {
				AddLogField(r.Context(), "auth", "rejected")
				WriteMessage(w, http.StatusUnauthorized, "401 Unauthorized")
				return
			}

			AddLogField(r.Context(), "user", user.Username)
			ctx := context.WithValue(r.Context(), userContextKey{}, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireUser rejects anonymous requests.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFromContext(r.Context()) == nil {
			WriteMessage(w, http.StatusUnauthorized, "401 Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// UserFromContext returns the authenticated user or nil.
func UserFromContext(ctx context.Context) *domain.User {
	if u, ok := ctx.Value(userContextKey{}).(*domain.User); ok {
		return u
	}
	return nil
}

// WithUser returns ctx carrying user, as AuthMiddleware would.
func WithUser(ctx context.Context, user *domain.User) context.Context {
	return context.WithValue(ctx, userContextKey{}, user)
}

func tokenFromRequest(r *http.Request) string {
	if token := r.Header.Get("PRIVATE-TOKEN"); token != "" {
		return token
	}
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// WriteMessage writes {"message": message} with status.
func WriteMessage(w http.ResponseWriter, status int, message any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"message": message})
}
