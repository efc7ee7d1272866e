package node

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/virtforge/virtforge/internal/domain"
)

// DefaultTokenTTL applies when a token creation request names no expiry.
const DefaultTokenTTL = 24 * time.Hour

// ErrInvalidToken is returned when enrollment presents a token that is
// unknown, expired, revoked, or already used. The causes are deliberately
// not distinguished to the caller.
var ErrInvalidToken = errors.New("invalid enrollment token")

// CreateTokenRequest contains parameters for minting an enrollment token.
type CreateTokenRequest struct {
	Description      string `json:"description,omitempty"`
	ExpiresInSeconds int64  `json:"expires_in_seconds,omitempty"`
}

// CreatedToken pairs the stored record with the plaintext secret. The
// plaintext exists only in this response; the store keeps the bcrypt hash.
type CreatedToken struct {
	Token     *domain.EnrollmentToken `json:"token"`
	Plaintext string                  `json:"plaintext"`
}

// CreateToken mints a one-time enrollment token and returns its plaintext
// exactly once.
func (s *Service) CreateToken(ctx context.Context, req CreateTokenRequest) (*CreatedToken, error) {
	logger := s.logger.With(
		zap.String("method", "CreateToken"),
		zap.String("description", req.Description),
	)

	plaintext, err := domain.GenerateEnrollmentToken()
	if err != nil {
		logger.Error("Failed to generate token", zap.Error(err))
		return nil, fmt.Errorf("generate enrollment token: %w", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash enrollment token: %w", err)
	}

	expiresIn := time.Duration(req.ExpiresInSeconds) * time.Second
	if expiresIn <= 0 {
		expiresIn = DefaultTokenTTL
	}

	token, err := s.tokens.Create(ctx, &domain.EnrollmentToken{
		TokenHash:   string(hash),
		Description: req.Description,
		ExpiresAt:   time.Now().Add(expiresIn),
	})
	if err != nil {
		logger.Error("Failed to store token", zap.Error(err))
		return nil, err
	}

	logger.Info("Enrollment token created",
		zap.String("token_id", token.ID),
		zap.Time("expires_at", token.ExpiresAt),
	)
	return &CreatedToken{Token: token, Plaintext: plaintext}, nil
}

// ListTokens returns all enrollment tokens, hashes omitted by the domain
// type's JSON encoding.
func (s *Service) ListTokens(ctx context.Context) ([]*domain.EnrollmentToken, error) {
	return s.tokens.List(ctx)
}

// RevokeToken permanently invalidates a token. Revoking an already revoked
// token is a no-op.
func (s *Service) RevokeToken(ctx context.Context, id string) error {
	token, err := s.tokens.Get(ctx, id)
	if err != nil {
		return err
	}
	if token.IsRevoked() {
		return nil
	}
	now := time.Now()
	token.RevokedAt = &now
	if _, err := s.tokens.Update(ctx, token); err != nil {
		return fmt.Errorf("revoke token %s: %w", id, err)
	}
	s.logger.Info("Enrollment token revoked", zap.String("token_id", id))
	return nil
}

// DeleteToken removes a token record.
func (s *Service) DeleteToken(ctx context.Context, id string) error {
	return s.tokens.Delete(ctx, id)
}

// EnrollRequest is a node agent's self-registration: the one-time token it
// was issued plus its capacity report.
type EnrollRequest struct {
	Token string `json:"token"`
	RegisterRequest
}

// Enroll validates the presented token, registers the reporting node, and
// consumes the token. Tokens are matched by bcrypt comparison against every
// still-valid hash; there is no plaintext index to leak.
func (s *Service) Enroll(ctx context.Context, req EnrollRequest) (*domain.ComputeNode, error) {
	logger := s.logger.With(
		zap.String("method", "Enroll"),
		zap.String("node_name", req.Name),
		zap.String("agent_addr", req.AgentAddr),
	)
	logger.Info("Node enrollment requested")

	if req.Token == "" {
		return nil, fmt.Errorf("token is required: %w", domain.ErrInvalidArgument)
	}
	if err := validateRegisterRequest(req.RegisterRequest); err != nil {
		logger.Warn("Validation failed", zap.Error(err))
		return nil, err
	}

	token, err := s.matchToken(ctx, req.Token)
	if err != nil {
		logger.Warn("Enrollment token rejected", zap.Error(err))
		return nil, err
	}

	node, err := s.Register(ctx, req.RegisterRequest)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	token.UsedAt = &now
	token.UsedByNode = node.ID
	if _, err := s.tokens.Update(ctx, token); err != nil {
		// The node is in; a stale-looking token is an operator annoyance,
		// not a reason to unwind the enrollment.
		logger.Error("Failed to mark token used",
			zap.String("token_id", token.ID),
			zap.Error(err),
		)
	}

	s.publish(ctx, "node.enrolled", node)
	logger.Info("Node enrolled",
		zap.String("node_id", node.ID),
		zap.String("token_id", token.ID),
	)
	return node, nil
}

// matchToken finds the valid stored token whose hash matches the plaintext.
func (s *Service) matchToken(ctx context.Context, plaintext string) (*domain.EnrollmentToken, error) {
	tokens, err := s.tokens.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enrollment tokens: %w", err)
	}
	for _, token := range tokens {
		if !token.IsValid() {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(token.TokenHash), []byte(plaintext)) == nil {
			return token, nil
		}
	}
	return nil, ErrInvalidToken
}
