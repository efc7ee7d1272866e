package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/domain"
)

// WorkloadRepository is an in-memory implementation of the workload
// repository.
type WorkloadRepository struct {
	mu   sync.RWMutex
	data map[string]*domain.Workload
}

// NewWorkloadRepository creates a new in-memory workload repository.
func NewWorkloadRepository() *WorkloadRepository {
	return &WorkloadRepository{
		data: make(map[string]*domain.Workload),
	}
}

// Create stores a new workload.
func (r *WorkloadRepository) Create(ctx context.Context, wl *domain.Workload) (*domain.Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if wl.ID == "" {
		wl.ID = "wl-" + uuid.New().String()
	}
	if _, ok := r.data[wl.ID]; ok {
		return nil, domain.ErrAlreadyExists
	}
	for _, existing := range r.data {
		if existing.Name == wl.Name && existing.State != domain.WorkloadStateDeleted {
			return nil, domain.ErrAlreadyExists
		}
	}

	now := time.Now()
	if wl.CreatedAt.IsZero() {
		wl.CreatedAt = now
	}
	wl.UpdatedAt = now

	stored := cloneWorkload(wl)
	r.data[stored.ID] = stored

	return cloneWorkload(stored), nil
}

// Get retrieves a workload by ID.
func (r *WorkloadRepository) Get(ctx context.Context, id string) (*domain.Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	wl, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneWorkload(wl), nil
}

// List returns all workloads ordered by ID.
func (r *WorkloadRepository) List(ctx context.Context) ([]*domain.Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*domain.Workload, 0, len(r.data))
	for _, wl := range r.data {
		result = append(result, cloneWorkload(wl))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListByNode returns the workloads owned by a node, ordered by ID.
func (r *WorkloadRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*domain.Workload
	for _, wl := range r.data {
		if wl.NodeID == nodeID && wl.State != domain.WorkloadStateDeleted {
			result = append(result, cloneWorkload(wl))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// Count returns the number of non-deleted workloads.
func (r *WorkloadRepository) Count(ctx context.Context) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for _, wl := range r.data {
		if wl.State != domain.WorkloadStateDeleted {
			count++
		}
	}
	return count, nil
}

// Update replaces an existing workload record.
func (r *WorkloadRepository) Update(ctx context.Context, wl *domain.Workload) (*domain.Workload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[wl.ID]; !ok {
		return nil, domain.ErrNotFound
	}

	wl.UpdatedAt = time.Now()
	stored := cloneWorkload(wl)
	r.data[wl.ID] = stored

	return cloneWorkload(stored), nil
}

// UpdateState updates only the lifecycle state of a workload.
func (r *WorkloadRepository) UpdateState(ctx context.Context, id string, state domain.WorkloadState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wl, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	wl.State = state
	wl.UpdatedAt = time.Now()
	return nil
}

// TransferOwnership moves the workload to a new owning node and sets its
// state in the same write. This is the migration commit point.
func (r *WorkloadRepository) TransferOwnership(ctx context.Context, id, nodeID string, state domain.WorkloadState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	wl, ok := r.data[id]
	if !ok {
		return domain.ErrNotFound
	}

	wl.NodeID = nodeID
	wl.State = state
	wl.UpdatedAt = time.Now()
	return nil
}

// cloneWorkload creates a deep copy of a Workload.
func cloneWorkload(wl *domain.Workload) *domain.Workload {
	if wl == nil {
		return nil
	}

	clone := *wl
	if wl.Labels != nil {
		clone.Labels = make(map[string]string, len(wl.Labels))
		for k, v := range wl.Labels {
			clone.Labels[k] = v
		}
	}
	return &clone
}
