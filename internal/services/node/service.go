package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/ledger"
)

// MaxNameLength bounds node names.
const MaxNameLength = 255

// validNameRegex validates node names (letter first, then alphanumerics,
// hyphens, underscores, dots).
var validNameRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9._-]*$`)

// Service manages pool membership. Every membership change flows through it
// so the record store, the resource ledger, the health monitor, and the
// agent connection pool stay in step.
type Service struct {
	repo      Repository
	workloads WorkloadLister
	tokens    TokenRepository
	ledger    *ledger.Ledger
	health    HealthTracker
	pool      AgentPool
	publisher EventPublisher
	logger    *zap.Logger
}

// NewService creates a node service. health, pool, and publisher may be nil;
// the matching side effects are skipped.
func NewService(
	repo Repository,
	workloads WorkloadLister,
	tokens TokenRepository,
	l *ledger.Ledger,
	health HealthTracker,
	pool AgentPool,
	publisher EventPublisher,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		workloads: workloads,
		tokens:    tokens,
		ledger:    l,
		health:    health,
		pool:      pool,
		publisher: publisher,
		logger:    logger.Named("node-service"),
	}
}

// RegisterRequest describes a node joining the pool.
type RegisterRequest struct {
	Name       string                 `json:"name"`
	Hostname   string                 `json:"hostname"`
	AgentAddr  string                 `json:"agent_addr"`
	Labels     map[string]string      `json:"labels,omitempty"`
	Capacity   domain.Resources       `json:"capacity"`
	Overcommit domain.OvercommitRatio `json:"overcommit,omitempty"`
}

// Register adds a node to the pool by administrative action. The node
// starts with unknown health until the first probe round reaches it.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.ComputeNode, error) {
	logger := s.logger.With(
		zap.String("method", "Register"),
		zap.String("node_name", req.Name),
		zap.String("agent_addr", req.AgentAddr),
	)
	logger.Info("Registering node")

	if err := validateRegisterRequest(req); err != nil {
		logger.Warn("Validation failed", zap.Error(err))
		return nil, err
	}

	overcommit := req.Overcommit
	if overcommit == (domain.OvercommitRatio{}) {
		overcommit = domain.DefaultOvercommit()
	} else {
		overcommit = overcommit.Normalized()
	}

	node, err := s.repo.Create(ctx, &domain.ComputeNode{
		Name:       req.Name,
		Hostname:   req.Hostname,
		AgentAddr:  req.AgentAddr,
		Labels:     req.Labels,
		Capacity:   req.Capacity,
		Overcommit: overcommit,
		Health:     domain.NodeHealthUnknown,
	})
	if err != nil {
		return nil, fmt.Errorf("create node record: %w", err)
	}

	s.ledger.AddNode(node)
	if s.health != nil {
		s.health.TrackNode(node)
	}
	s.publish(ctx, "node.created", node)

	logger.Info("Node registered",
		zap.String("node_id", node.ID),
		zap.Int32("cpu_cores", node.Capacity.CPUCores),
		zap.Int64("memory_mib", node.Capacity.MemoryMiB),
		zap.Int64("disk_gib", node.Capacity.DiskGiB),
	)
	return node, nil
}

// Get retrieves a node by ID. Because node names are unique across the
// pool, an unknown ID falls back to a name lookup so operators can address
// nodes either way.
func (s *Service) Get(ctx context.Context, id string) (*domain.ComputeNode, error) {
	if id == "" {
		return nil, fmt.Errorf("node ID is required: %w", domain.ErrInvalidArgument)
	}
	node, err := s.repo.Get(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		return s.repo.GetByName(ctx, id)
	}
	return node, err
}

// List returns all nodes in the pool.
func (s *Service) List(ctx context.Context) ([]*domain.ComputeNode, error) {
	return s.repo.List(ctx)
}

// UpdateRequest carries the mutable node attributes. Nil fields are left
// unchanged; name and ID are fixed for the node's lifetime.
type UpdateRequest struct {
	Hostname   *string                 `json:"hostname,omitempty"`
	AgentAddr  *string                 `json:"agent_addr,omitempty"`
	Labels     map[string]string       `json:"labels,omitempty"`
	Capacity   *domain.Resources       `json:"capacity,omitempty"`
	Overcommit *domain.OvercommitRatio `json:"overcommit,omitempty"`
}

// Update adjusts a node's mutable attributes: hostname, agent address,
// labels, capacity, and overcommit ratios. Capacity and overcommit changes
// re-base the ledger ceiling; reservations already above a lowered ceiling
// stay in place and drain naturally, only new reservations see the new
// limit. The agent pool replaces its cached client on the next call when
// the address changed.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*domain.ComputeNode, error) {
	logger := s.logger.With(zap.String("method", "Update"), zap.String("node_id", id))

	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if req.Hostname != nil {
		node.Hostname = *req.Hostname
	}
	if req.AgentAddr != nil {
		if _, _, err := net.SplitHostPort(*req.AgentAddr); err != nil {
			return nil, fmt.Errorf("agent_addr must be host:port: %w", domain.ErrInvalidArgument)
		}
		node.AgentAddr = *req.AgentAddr
	}
	if req.Labels != nil {
		node.Labels = req.Labels
	}
	capacityChanged := false
	if req.Capacity != nil {
		if req.Capacity.CPUCores <= 0 || req.Capacity.MemoryMiB <= 0 || req.Capacity.DiskGiB <= 0 {
			return nil, fmt.Errorf("capacity must be positive on every dimension: %w", domain.ErrInvalidArgument)
		}
		node.Capacity = *req.Capacity
		capacityChanged = true
	}
	if req.Overcommit != nil {
		node.Overcommit = req.Overcommit.Normalized()
		capacityChanged = true
	}

	updated, err := s.repo.Update(ctx, node)
	if err != nil {
		return nil, fmt.Errorf("update node record: %w", err)
	}

	if capacityChanged {
		s.ledger.UpdateNodeCapacity(updated)
	}
	s.publish(ctx, "node.updated", updated)

	logger.Info("Node updated",
		zap.Bool("capacity_changed", capacityChanged),
		zap.String("agent_addr", updated.AgentAddr),
	)
	return updated, nil
}

// Workloads returns the workloads currently owned by a node.
func (s *Service) Workloads(ctx context.Context, id string) ([]*domain.Workload, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.workloads.ListByNode(ctx, id)
}

// Delete removes a node from the pool. Refused while the node owns any
// workload or holds any in-flight reservation; the caller must evacuate
// first.
func (s *Service) Delete(ctx context.Context, id string) error {
	logger := s.logger.With(zap.String("method", "Delete"), zap.String("node_id", id))
	logger.Info("Deleting node")

	node, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}

	owned, err := s.workloads.ListByNode(ctx, id)
	if err != nil {
		return fmt.Errorf("list workloads on node %s: %w", id, err)
	}
	if len(owned) > 0 {
		return fmt.Errorf("node %s still owns %d workloads; evacuate it first: %w",
			id, len(owned), domain.ErrConflict)
	}
	// Reservations can exist without owned records while a migration is in
	// flight toward this node.
	if usage, ok := s.ledger.Snapshot(id); ok && usage.Workloads > 0 {
		return fmt.Errorf("node %s holds %d in-flight reservations: %w",
			id, usage.Workloads, domain.ErrConflict)
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.ledger.RemoveNode(id)
	if s.health != nil {
		s.health.ForgetNode(id)
	}
	if s.pool != nil {
		s.pool.Disconnect(id)
	}
	s.publish(ctx, "node.deleted", node)

	logger.Info("Node deleted")
	return nil
}

// SetMaintenance flips a node's maintenance flag through the health
// monitor, which persists it and updates the scheduling cache. Entering
// maintenance does not move workloads.
func (s *Service) SetMaintenance(ctx context.Context, id string, enabled bool) error {
	if s.health == nil {
		return fmt.Errorf("health monitor not configured: %w", domain.ErrUnavailable)
	}
	return s.health.SetMaintenance(ctx, id, enabled)
}

func (s *Service) publish(ctx context.Context, eventType string, node *domain.ComputeNode) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishNodeEvent(ctx, eventType, node); err != nil {
		s.logger.Warn("Failed to publish node event",
			zap.String("event_type", eventType),
			zap.String("node_id", node.ID),
			zap.Error(err),
		)
	}
}

// validateRegisterRequest rejects malformed registration requests. All
// failures wrap domain.ErrInvalidArgument.
func validateRegisterRequest(req RegisterRequest) error {
	if req.Name == "" {
		return fmt.Errorf("name is required: %w", domain.ErrInvalidArgument)
	}
	if len(req.Name) > MaxNameLength {
		return fmt.Errorf("name exceeds %d characters: %w", MaxNameLength, domain.ErrInvalidArgument)
	}
	if !validNameRegex.MatchString(req.Name) {
		return fmt.Errorf("name must start with a letter and contain only alphanumerics, dots, hyphens, and underscores: %w",
			domain.ErrInvalidArgument)
	}
	if req.AgentAddr == "" {
		return fmt.Errorf("agent_addr is required: %w", domain.ErrInvalidArgument)
	}
	if _, _, err := net.SplitHostPort(req.AgentAddr); err != nil {
		return fmt.Errorf("agent_addr must be host:port: %w", domain.ErrInvalidArgument)
	}
	if req.Capacity.CPUCores <= 0 || req.Capacity.MemoryMiB <= 0 || req.Capacity.DiskGiB <= 0 {
		return fmt.Errorf("capacity must be positive on every dimension: %w", domain.ErrInvalidArgument)
	}
	return nil
}
