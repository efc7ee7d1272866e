// Package workload provides the workload service for the control plane. It
// owns the provisioning flow (place, create on the node agent, start) and
// the day-two lifecycle (start, stop, delete).
package workload

import (
	"context"

	"github.com/virtforge/virtforge/internal/domain"
)

// Repository defines the data access interface for workloads. It allows
// swapping between storage backends (PostgreSQL, in-memory) without changing
// the service logic.
type Repository interface {
	// Create stores a new workload and returns the created entity.
	Create(ctx context.Context, wl *domain.Workload) (*domain.Workload, error)

	// Get retrieves a workload by ID.
	Get(ctx context.Context, id string) (*domain.Workload, error)

	// List returns all workloads.
	List(ctx context.Context) ([]*domain.Workload, error)

	// ListByNode returns the non-deleted workloads owned by a node.
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error)

	// Update replaces a workload record.
	Update(ctx context.Context, wl *domain.Workload) (*domain.Workload, error)

	// UpdateState updates only the lifecycle state.
	UpdateState(ctx context.Context, id string, state domain.WorkloadState) error

	// TransferOwnership writes the owning node and state in a single
	// update.
	TransferOwnership(ctx context.Context, id, nodeID string, state domain.WorkloadState) error
}

// NodeGetter resolves node records for agent calls.
type NodeGetter interface {
	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*domain.ComputeNode, error)
}
