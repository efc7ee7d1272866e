package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// EnrollmentTokenRepository implements the enrollment token repository
// using PostgreSQL.
type EnrollmentTokenRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewEnrollmentTokenRepository creates a new PostgreSQL enrollment token
// repository.
func NewEnrollmentTokenRepository(db *DB, logger *zap.Logger) *EnrollmentTokenRepository {
	return &EnrollmentTokenRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "enrollment_token")),
	}
}

const tokenColumns = `
	id, token_hash, description, expires_at, used_at, used_by_node,
	revoked_at, created_at
`

// Create stores a new enrollment token.
func (r *EnrollmentTokenRepository) Create(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error) {
	if token.ID == "" {
		token.ID = "tok-" + uuid.New().String()
	}

	query := `
		INSERT INTO enrollment_tokens (
			id, token_hash, description, expires_at, used_at, used_by_node,
			revoked_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`

	err := r.db.pool.QueryRow(ctx, query,
		token.ID,
		token.TokenHash,
		token.Description,
		token.ExpiresAt,
		token.UsedAt,
		nullString(token.UsedByNode),
		token.RevokedAt,
	).Scan(&token.CreatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert enrollment token: %w", err)
	}

	r.logger.Info("Created enrollment token", zap.String("id", token.ID))
	return token, nil
}

// Get retrieves a token by ID.
func (r *EnrollmentTokenRepository) Get(ctx context.Context, id string) (*domain.EnrollmentToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM enrollment_tokens WHERE id = $1`
	return scanToken(r.db.pool.QueryRow(ctx, query, id))
}

// List returns all tokens ordered by creation time, newest first.
func (r *EnrollmentTokenRepository) List(ctx context.Context) ([]*domain.EnrollmentToken, error) {
	query := `SELECT ` + tokenColumns + ` FROM enrollment_tokens ORDER BY created_at DESC, id`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list enrollment tokens: %w", err)
	}
	defer rows.Close()

	var tokens []*domain.EnrollmentToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}

// Update replaces the mutable fields of a token record.
func (r *EnrollmentTokenRepository) Update(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error) {
	query := `
		UPDATE enrollment_tokens
		SET description = $2, expires_at = $3, used_at = $4,
		    used_by_node = $5, revoked_at = $6
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query,
		token.ID,
		token.Description,
		token.ExpiresAt,
		token.UsedAt,
		nullString(token.UsedByNode),
		token.RevokedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update enrollment token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, domain.ErrNotFound
	}
	return token, nil
}

// Delete removes a token by ID.
func (r *EnrollmentTokenRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM enrollment_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete enrollment token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// scanToken scans a single enrollment token row.
func scanToken(row rowScanner) (*domain.EnrollmentToken, error) {
	token := &domain.EnrollmentToken{}
	var usedByNode *string

	err := row.Scan(
		&token.ID,
		&token.TokenHash,
		&token.Description,
		&token.ExpiresAt,
		&token.UsedAt,
		&usedByNode,
		&token.RevokedAt,
		&token.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan enrollment token: %w", err)
	}

	if usedByNode != nil {
		token.UsedByNode = *usedByNode
	}
	return token, nil
}
