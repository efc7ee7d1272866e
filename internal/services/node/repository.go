// Package node provides the compute-node service: pool membership (register,
// enroll, delete), maintenance mode, and enrollment token management.
package node

import (
	"context"

	"github.com/virtforge/virtforge/internal/domain"
)

// Repository defines the data access interface for compute nodes.
type Repository interface {
	// Create stores a new node and returns the created entity.
	Create(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error)

	// Get retrieves a node by ID.
	Get(ctx context.Context, id string) (*domain.ComputeNode, error)

	// GetByName retrieves a node by its unique name.
	GetByName(ctx context.Context, name string) (*domain.ComputeNode, error)

	// List returns all nodes.
	List(ctx context.Context) ([]*domain.ComputeNode, error)

	// Update replaces a node record.
	Update(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error)

	// Delete removes a node by ID.
	Delete(ctx context.Context, id string) error
}

// WorkloadLister reports the workloads owned by a node, consulted before a
// node may leave the pool.
type WorkloadLister interface {
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error)
}

// TokenRepository defines the data access interface for enrollment tokens.
type TokenRepository interface {
	Create(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error)
	Get(ctx context.Context, id string) (*domain.EnrollmentToken, error)
	List(ctx context.Context) ([]*domain.EnrollmentToken, error)
	Update(ctx context.Context, token *domain.EnrollmentToken) (*domain.EnrollmentToken, error)
	Delete(ctx context.Context, id string) error
}

// HealthTracker is the health monitor surface the node service drives when
// pool membership changes.
type HealthTracker interface {
	TrackNode(node *domain.ComputeNode)
	ForgetNode(nodeID string)
	SetMaintenance(ctx context.Context, nodeID string, enabled bool) error
}

// AgentPool releases cached agent connections when a node leaves the pool.
type AgentPool interface {
	Disconnect(nodeID string)
}

// EventPublisher publishes node membership events for real-time consumers.
type EventPublisher interface {
	PublishNodeEvent(ctx context.Context, eventType string, node *domain.ComputeNode) error
}
