// Package identity provides bearer-token identity primitives.
package identity

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/arjunmenon888/riskwatch-app/internal/domain"
	"github.com/arjunmenon888/riskwatch-app/internal/store"
)

// TokenQueryParam carries the bearer token for clients that cannot set headers.
const TokenQueryParam = "token"

type contextKey int

const (
	userIDKey contextKey = iota
	userKey
)

// UserIDFromContext extracts the user ID from the request context.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// UserFromContext extracts the authenticated identity from the request context.
func UserFromContext(ctx context.Context) (domain.Identity, bool) {
	v, ok := ctx.Value(userKey).(domain.Identity)
	return v, ok
}

// WithUser returns a context carrying the identity.
func WithUser(ctx context.Context, user domain.Identity) context.Context {
	ctx = context.WithValue(ctx, userIDKey, user.ID)
	return context.WithValue(ctx, userKey, user)
}

// TokenFromRequest returns the bearer token from the Authorization header,
// falling back to the token query parameter.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get(TokenQueryParam)
}

// Authenticate verifies a token and loads the identity it names.
func Authenticate(ctx context.Context, verifier TokenVerifier, repo store.Repository, token string) (domain.Identity, error) {
	if token == "" {
		return domain.Identity{}, ErrInvalidToken
	}
	userID, err := verifier.Verify(token)
	if err != nil {
		return domain.Identity{}, err
	}
	user, err := repo.GetUser(ctx, userID)
	if err != nil {
		return domain.Identity{}, err
	}
	if user == nil {
		return domain.Identity{}, ErrUnknownUser
	}
	return *user, nil
}

// Middleware rejects requests without a valid bearer token and injects the
// caller's identity into the request context.
func Middleware(verifier TokenVerifier, repo store.Repository) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := Authenticate(r.Context(), verifier, repo, TokenFromRequest(r))
			if err != nil {
				w.Header().Set("Content-Type", "application/json")
				if isAuthError(err) {
					w.Header().Set("WWW-Authenticate", "Bearer")
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
				http.Error(w, `{"error":"failed to load identity"}`, http.StatusInternalServerError)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrExpiredToken) ||
		errors.Is(err, ErrMissingClaim) ||
		errors.Is(err, ErrUnknownUser)
}

// IPFromRequest returns a normalized remote IP for optional request tracing.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
