package scheduler

import (
	"context"

	"github.com/virtforge/virtforge/internal/domain"
)

// HealthView is the health monitor's cached status, consulted on the
// placement hot path. Implementations must not block on live probes.
type HealthView interface {
	// Schedulable reports whether the node is healthy and not in
	// maintenance.
	Schedulable(nodeID string) bool
}

// WorkloadGetter resolves workload references in affinity constraints.
type WorkloadGetter interface {
	// Get retrieves a workload by ID.
	Get(ctx context.Context, id string) (*domain.Workload, error)
}
