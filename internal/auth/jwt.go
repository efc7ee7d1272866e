// Package auth provides bearer-token authentication for the control plane
// API. Tokens are operator-issued HS256 JWTs; there is no interactive login
// flow.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/virtforge/virtforge/internal/config"
)

// Roles carried in token claims.
const (
	// RoleAdmin may call mutating endpoints (node lifecycle, evacuation,
	// rebalance, enrollment tokens).
	RoleAdmin = "admin"
	// RoleViewer may only read.
	RoleViewer = "viewer"
)

// Claims represents the JWT claims for VirtForge API tokens.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Admin reports whether the claims grant mutating access.
func (c *Claims) Admin() bool {
	return c.Role == RoleAdmin
}

// Manager handles JWT token generation and verification.
type Manager struct {
	secret      []byte
	tokenExpiry time.Duration
}

// NewManager creates a new token manager with the given configuration.
func NewManager(cfg config.AuthConfig) *Manager {
	return &Manager{
		secret:      []byte(cfg.JWTSecret),
		tokenExpiry: cfg.TokenExpiry,
	}
}

// Generate creates a signed token for the given subject and role.
func (m *Manager) Generate(subject, role string) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(m.tokenExpiry)

	claims := &Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "virtforge",
			Subject:   subject,
			Audience:  jwt.ClaimStrings{"virtforge-api"},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ID:        fmt.Sprintf("%s-%d", subject, now.UnixNano()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify validates a token and returns the claims if valid.
func (m *Manager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// TokenExpiry returns the configured token lifetime.
func (m *Manager) TokenExpiry() time.Duration {
	return m.tokenExpiry
}
