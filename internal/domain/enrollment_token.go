package domain

import (
	"crypto/rand"
	"encoding/base32"
	"strings"
	"time"
)

// EnrollmentToken represents a bootstrap credential used by node agents to
// join the pool. Only the bcrypt hash is persisted; the plaintext is shown
// once at creation time.
type EnrollmentToken struct {
	ID          string     `json:"id"`
	TokenHash   string     `json:"-"`
	Description string     `json:"description,omitempty"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	UsedByNode  string     `json:"used_by_node,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

// IsExpired returns true if the token has expired.
func (t *EnrollmentToken) IsExpired() bool {
	return time.Now().After(t.ExpiresAt)
}

// IsUsed returns true once a node has enrolled with the token.
func (t *EnrollmentToken) IsUsed() bool {
	return t.UsedAt != nil
}

// IsRevoked returns true if the token has been revoked.
func (t *EnrollmentToken) IsRevoked() bool {
	return t.RevokedAt != nil
}

// IsValid returns true if the token can still be used for enrollment.
func (t *EnrollmentToken) IsValid() bool {
	return !t.IsExpired() && !t.IsUsed() && !t.IsRevoked()
}

// GenerateEnrollmentToken creates a cryptographically secure one-time token.
// Format: VFORGE-XXXX-XXXX-XXXX-XXXX.
func GenerateEnrollmentToken() (string, error) {
	bytes := make([]byte, 12)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}

	encoded := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(bytes)
	encoded = strings.ToUpper(encoded)

	if len(encoded) >= 16 {
		return "VFORGE-" + encoded[0:4] + "-" + encoded[4:8] + "-" + encoded[8:12] + "-" + encoded[12:16], nil
	}

	return "VFORGE-" + encoded, nil
}
