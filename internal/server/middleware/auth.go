// Package middleware provides HTTP middleware for the control plane API.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/auth"
)

// Sentinel errors surfaced by RequireAdmin. The HTTP layer maps them to
// 401 and 403 respectively.
var (
	ErrUnauthenticated = errors.New("authentication required")
	ErrForbidden       = errors.New("admin role required")
)

type claimsKey struct{}

// WithClaims returns a context carrying verified token claims.
func WithClaims(ctx context.Context, claims *auth.Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, claims)
}

// ClaimsFrom extracts verified token claims from the context, if any.
func ClaimsFrom(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*auth.Claims)
	return claims, ok
}

// RequireAdmin checks that the request carries an admin token. Handlers for
// mutating endpoints call it before doing any work.
func RequireAdmin(ctx context.Context) error {
	claims, ok := ClaimsFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if !claims.Admin() {
		return ErrForbidden
	}
	return nil
}

// Authenticator resolves bearer tokens into request-scoped identity.
type Authenticator struct {
	manager *auth.Manager
	logger  *zap.Logger
}

// NewAuthenticator creates the authentication middleware.
func NewAuthenticator(manager *auth.Manager, logger *zap.Logger) *Authenticator {
	return &Authenticator{
		manager: manager,
		logger:  logger.Named("auth"),
	}
}

const bearerPrefix = "Bearer "

// Wrap verifies the Authorization header when one is present. A request
// without the header proceeds anonymously so that read endpoints and node
// enrollment stay open; handlers that mutate state enforce RequireAdmin.
// A malformed or invalid token is rejected outright.
func (a *Authenticator) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		if !strings.HasPrefix(header, bearerPrefix) {
			a.reject(w, r, "authorization header must use the Bearer scheme")
			return
		}

		claims, err := a.manager.Verify(strings.TrimPrefix(header, bearerPrefix))
		if err != nil {
			a.logger.Warn("Rejected bearer token",
				zap.String("path", r.URL.Path),
				zap.Error(err),
			)
			a.reject(w, r, "invalid bearer token")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
	})
}

func (a *Authenticator) reject(w http.ResponseWriter, r *http.Request, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    "unauthenticated",
		"message": message,
	})
}
