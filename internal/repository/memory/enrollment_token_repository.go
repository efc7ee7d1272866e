package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/domain"
)

// EnrollmentTokenRepository is an in-memory implementation of the
// enrollment token repository. Tokens are stored hashed; lookup by
// plaintext is the service's job.
type EnrollmentTokenRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.EnrollmentToken
}

// NewEnrollmentTokenRepository creates a new in-memory enrollment token
// repository.
func NewEnrollmentTokenRepository() *EnrollmentTokenRepository {
	return &EnrollmentTokenRepository{
		data: make(map[string]*domain.EnrollmentToken),
	}
}

// Create stores a new enrollment token.
func (r *EnrollmentTokenRepository) Create(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if token.ID == "" {
		token.ID = "tok-" + uuid.New().String()
	}
	if _, ok := r.data[token.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	if token.CreatedAt.IsZero() {
		token.CreatedAt = time.Now()
	}

	stored := cloneToken(token)
	r.data[stored.ID] = stored

	return cloneToken(stored), nil
}

// Get retrieves a token by ID.
func (r *EnrollmentTokenRepository) Get(ctx context.Context, id string) (*domain.EnrollmentToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneToken(token), nil
}

// List returns all tokens ordered by creation time, newest first.
func (r *EnrollmentTokenRepository) List(ctx context.Context) ([]*domain.EnrollmentToken, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.EnrollmentToken, 0, len(r.data))
	for _, token := range r.data {
		result = append(result, cloneToken(token))
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Update replaces an existing token record.
func (r *EnrollmentTokenRepository) Update(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[token.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	stored := cloneToken(token)
	r.data[token.ID] = stored

	return cloneToken(stored), nil
}

// Delete removes a token by ID.
func (r *EnrollmentTokenRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// cloneToken creates a deep copy of an EnrollmentToken.
func cloneToken(t *domain.EnrollmentToken) *domain.EnrollmentToken {
	if t == nil {
		return nil
	}

	clone := *t
	if t.UsedAt != nil {
		at := *t.UsedAt
		clone.UsedAt = &at
	}
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		clone.RevokedAt = &at
	}
	return &clone
}
