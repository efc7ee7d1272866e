// Package memory provides in-memory repository implementations for
// development and testing.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/domain"
)

// NodeRepository is an in-memory implementation of the compute node
// repository.
type NodeRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.ComputeNode
}

// NewNodeRepository creates a new in-memory node repository.
func NewNodeRepository() *NodeRepository {
	return &NodeRepository{
		data: make(map[string]*domain.ComputeNode),
	}
}

// Create stores a new node. Names must be unique across the pool.
func (r *NodeRepository) Create(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n.ID == "" {
		n.ID = "node-" + uuid.New().String()
	}
	if _, ok := r.data[n.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	for _, existing := range r.data {
		if existing.Name == n.Name {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	n.UpdatedAt = now

	stored := cloneNode(n)
	r.data[stored.ID] = stored

	return cloneNode(stored), nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.ComputeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneNode(n), nil
}

// GetByName retrieves a node by its unique name.
func (r *NodeRepository) GetByName(ctx context.Context, name string) (*domain.ComputeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, n := range r.data {
		if n.Name == name {
			return cloneNode(n), nil
		}
	}
	return nil, domain.ErrNotFound
}

// List returns all nodes ordered by ID.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.ComputeNode, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.ComputeNode, 0, len(r.data))
	for _, n := range r.data {
		result = append(result, cloneNode(n))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Update replaces an existing node record.
func (r *NodeRepository) Update(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[n.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	n.UpdatedAt = time.Now()
	stored := cloneNode(n)
	r.data[n.ID] = stored

	return cloneNode(stored), nil
}

// UpdateHealth updates only the probed health fields of a node.
func (r *NodeRepository) UpdateHealth(ctx context.Context, id string, health domain.NodeHealth, probeFailures int, probedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	n.Health = health
	n.ProbeFailures = probeFailures
	at := probedAt
	n.LastProbeAt = &at
	n.UpdatedAt = time.Now()
	return nil
}

// UpdateMaintenance flips the maintenance flag of a node.
func (r *NodeRepository) UpdateMaintenance(ctx context.Context, id string, maintenance bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	n, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	n.Maintenance = maintenance
	n.UpdatedAt = time.Now()
	return nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[id]; !ok {
		return domain.ErrNotFound
	}
	delete(r.data, id)
	return nil
}

// cloneNode creates a deep copy of a ComputeNode.
func cloneNode(n *domain.ComputeNode) *domain.ComputeNode {
	if n == nil {
		return nil
	}

	clone := *n
	if n.Labels != nil {
		clone.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			clone.Labels[k] = v
		}
	}
	if n.LastProbeAt != nil {
		at := *n.LastProbeAt
		clone.LastProbeAt = &at
	}
	return &clone
}
