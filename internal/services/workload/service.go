package workload

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/ledger"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/scheduler"
)

// PlaceRequest describes one workload to place on the pool.
type PlaceRequest struct {
	Name        string                      `json:"name"`
	Labels      map[string]string           `json:"labels,omitempty"`
	Request     domain.Resources            `json:"request"`
	Constraints domain.PlacementConstraints `json:"constraints,omitempty"`
	Strategy    domain.PlacementStrategy    `json:"strategy,omitempty"`
}

// Service orchestrates workload placement and lifecycle: the provisioning
// flow (record, schedule, create on the node agent, start) and day-two
// operations (start, stop, delete).
type Service struct {
	repo      Repository
	nodes     NodeGetter
	scheduler *scheduler.Scheduler
	ledger    *ledger.Ledger
	driver    hypervisor.Driver
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewService creates a workload service.
func NewService(
	repo Repository,
	nodes NodeGetter,
	sched *scheduler.Scheduler,
	l *ledger.Ledger,
	driver hypervisor.Driver,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:      repo,
		nodes:     nodes,
		scheduler: sched,
		ledger:    l,
		driver:    driver,
		metrics:   m,
		logger:    logger.Named("workload-service"),
	}
}

// Place creates a workload record, selects a node for it, provisions it on
// that node's agent, and starts it. On success the returned workload is
// RUNNING and owns capacity on exactly one node. Scheduling and driver
// failures release the reservation and leave the record in the ERROR state
// with no owning node.
func (s *Service) Place(ctx context.Context, req PlaceRequest) (*domain.Workload, error) {
	logger := s.logger.With(
		zap.String("method", "Place"),
		zap.String("workload_name", req.Name),
	)
	logger.Info("Placing workload")

	if err := validatePlaceRequest(req); err != nil {
		logger.Warn("Validation failed", zap.Error(err))
		return nil, err
	}

	strat := req.Strategy
	if strat == "" {
		strat = s.scheduler.DefaultStrategy()
	}

	// The record exists before any capacity moves so the reservation is
	// keyed by the workload's final ID.
	wl, err := s.repo.Create(ctx, &domain.Workload{
		Name:    req.Name,
		Labels:  req.Labels,
		Request: req.Request,
		State:   domain.WorkloadStateProvisioning,
	})
	if err != nil {
		return nil, fmt.Errorf("create workload record: %w", err)
	}
	logger = logger.With(zap.String("workload_id", wl.ID))

	started := time.Now()
	decision, err := s.scheduler.SelectNode(ctx, wl, req.Constraints, strat)
	s.observePlacement(strat, started, decision, err)
	if err != nil {
		logger.Warn("Placement failed", zap.Error(err))
		s.markFailed(ctx, wl.ID)
		return nil, err
	}

	wl.NodeID = decision.NodeID
	updated, err := s.repo.Update(ctx, wl)
	if err != nil {
		s.ledger.Release(decision.NodeID, wl.ID)
		s.markFailed(ctx, wl.ID)
		return nil, fmt.Errorf("persist placement for workload %s: %w", wl.ID, err)
	}
	wl = updated

	if err := s.provision(ctx, wl); err != nil {
		logger.Error("Provisioning failed on node agent",
			zap.String("node_id", wl.NodeID),
			zap.Error(err),
		)
		s.ledger.Release(wl.NodeID, wl.ID)
		s.markFailed(ctx, wl.ID)
		return nil, err
	}

	if err := s.repo.UpdateState(ctx, wl.ID, domain.WorkloadStateRunning); err != nil {
		return nil, fmt.Errorf("mark workload %s running: %w", wl.ID, err)
	}
	wl.State = domain.WorkloadStateRunning

	logger.Info("Workload placed",
		zap.String("node_id", wl.NodeID),
		zap.Float64("score", decision.Score),
		zap.Int("attempts", decision.Attempts),
	)
	return wl, nil
}

// provision defines and boots the workload on its node's agent. A start
// failure tears the definition back down so the agent holds no orphan.
func (s *Service) provision(ctx context.Context, wl *domain.Workload) error {
	node, err := s.nodes.Get(ctx, wl.NodeID)
	if err != nil {
		return fmt.Errorf("get node %s: %w", wl.NodeID, err)
	}
	if err := s.driver.CreateWorkload(ctx, node, wl); err != nil {
		return fmt.Errorf("create workload on node %s: %w", node.ID, err)
	}
	if err := s.driver.StartWorkload(ctx, node, wl.ID); err != nil {
		if cleanupErr := s.driver.DeleteWorkload(ctx, node, wl.ID, true); cleanupErr != nil {
			s.logger.Warn("Failed to clean up workload definition after start failure",
				zap.String("workload_id", wl.ID),
				zap.String("node_id", node.ID),
				zap.Error(cleanupErr),
			)
		}
		return fmt.Errorf("start workload on node %s: %w", node.ID, err)
	}
	return nil
}

// markFailed parks a workload in the ERROR state with no owning node. Used
// on provisioning paths after the reservation has been released, so the
// record and the ledger stay consistent.
func (s *Service) markFailed(ctx context.Context, id string) {
	if err := s.repo.TransferOwnership(ctx, id, "", domain.WorkloadStateError); err != nil {
		s.logger.Error("Failed to mark workload as errored",
			zap.String("workload_id", id),
			zap.Error(err),
		)
	}
}

// Get retrieves a workload by ID.
func (s *Service) Get(ctx context.Context, id string) (*domain.Workload, error) {
	if id == "" {
		return nil, fmt.Errorf("workload ID is required: %w", domain.ErrInvalidArgument)
	}
	return s.repo.Get(ctx, id)
}

// List returns all workloads, or only those owned by nodeID when it is
// non-empty.
func (s *Service) List(ctx context.Context, nodeID string) ([]*domain.Workload, error) {
	if nodeID != "" {
		return s.repo.ListByNode(ctx, nodeID)
	}
	return s.repo.List(ctx)
}

// Start boots a stopped workload on its owning node.
func (s *Service) Start(ctx context.Context, id string) (*domain.Workload, error) {
	logger := s.logger.With(zap.String("method", "Start"), zap.String("workload_id", id))
	logger.Info("Starting workload")

	wl, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wl.State != domain.WorkloadStateStopped {
		return nil, fmt.Errorf("workload %s cannot start from state %s: %w", id, wl.State, domain.ErrConflict)
	}

	node, err := s.nodes.Get(ctx, wl.NodeID)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", wl.NodeID, err)
	}
	if err := s.driver.StartWorkload(ctx, node, wl.ID); err != nil {
		return nil, fmt.Errorf("start workload on node %s: %w", node.ID, err)
	}
	if err := s.repo.UpdateState(ctx, wl.ID, domain.WorkloadStateRunning); err != nil {
		return nil, fmt.Errorf("mark workload %s running: %w", wl.ID, err)
	}
	wl.State = domain.WorkloadStateRunning

	logger.Info("Workload started", zap.String("node_id", wl.NodeID))
	return wl, nil
}

// Stop shuts a running workload down on its owning node. The reservation is
// kept; a stopped workload still owns its capacity.
func (s *Service) Stop(ctx context.Context, id string, graceful bool) (*domain.Workload, error) {
	logger := s.logger.With(
		zap.String("method", "Stop"),
		zap.String("workload_id", id),
		zap.Bool("graceful", graceful),
	)
	logger.Info("Stopping workload")

	wl, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if wl.State != domain.WorkloadStateRunning {
		return nil, fmt.Errorf("workload %s cannot stop from state %s: %w", id, wl.State, domain.ErrConflict)
	}

	node, err := s.nodes.Get(ctx, wl.NodeID)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", wl.NodeID, err)
	}
	if err := s.driver.StopWorkload(ctx, node, wl.ID, graceful); err != nil {
		return nil, fmt.Errorf("stop workload on node %s: %w", node.ID, err)
	}
	if err := s.repo.UpdateState(ctx, wl.ID, domain.WorkloadStateStopped); err != nil {
		return nil, fmt.Errorf("mark workload %s stopped: %w", wl.ID, err)
	}
	wl.State = domain.WorkloadStateStopped

	logger.Info("Workload stopped", zap.String("node_id", wl.NodeID))
	return wl, nil
}

// Delete removes a workload: stops it if needed, removes the definition and
// disk from its node, releases the capacity reservation, and marks the
// record DELETED with no owning node. Running workloads are refused unless
// force is set; a workload mid-migration is always refused.
func (s *Service) Delete(ctx context.Context, id string, force bool) error {
	logger := s.logger.With(
		zap.String("method", "Delete"),
		zap.String("workload_id", id),
		zap.Bool("force", force),
	)
	logger.Info("Deleting workload")

	wl, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	switch wl.State {
	case domain.WorkloadStateDeleted:
		return nil
	case domain.WorkloadStateMigrating:
		return fmt.Errorf("workload %s has an active migration: %w", id, domain.ErrMigrationConflict)
	case domain.WorkloadStateRunning:
		if !force {
			return fmt.Errorf("workload %s is running; stop it first or use force: %w", id, domain.ErrConflict)
		}
	}

	if wl.NodeID != "" {
		s.teardown(ctx, wl, logger)
		s.ledger.Release(wl.NodeID, wl.ID)
	}

	if err := s.repo.TransferOwnership(ctx, id, "", domain.WorkloadStateDeleted); err != nil {
		return fmt.Errorf("mark workload %s deleted: %w", id, err)
	}
	logger.Info("Workload deleted")
	return nil
}

// teardown stops and removes the workload on its node agent. Agent failures
// are logged and skipped: an unreachable node must not block reclaiming the
// capacity and retiring the record.
func (s *Service) teardown(ctx context.Context, wl *domain.Workload, logger *zap.Logger) {
	node, err := s.nodes.Get(ctx, wl.NodeID)
	if err != nil {
		logger.Warn("Owning node not resolvable during delete",
			zap.String("node_id", wl.NodeID),
			zap.Error(err),
		)
		return
	}
	if wl.State == domain.WorkloadStateRunning {
		if err := s.driver.StopWorkload(ctx, node, wl.ID, false); err != nil {
			logger.Warn("Failed to stop workload during delete", zap.Error(err))
		}
	}
	if err := s.driver.DeleteWorkload(ctx, node, wl.ID, true); err != nil {
		logger.Warn("Failed to remove workload from node agent", zap.Error(err))
	}
}

// observePlacement records placement metrics for one decision.
func (s *Service) observePlacement(strat domain.PlacementStrategy, started time.Time, decision *scheduler.Decision, err error) {
	if s.metrics == nil {
		return
	}
	s.metrics.PlacementDuration.Observe(time.Since(started).Seconds())
	s.metrics.PlacementsTotal.WithLabelValues(string(strat), placementOutcome(err)).Inc()
	if decision != nil && decision.Attempts > 1 {
		s.metrics.ReservationRetries.Add(float64(decision.Attempts - 1))
	}
}

// placementOutcome maps a placement result to its metric label.
func placementOutcome(err error) string {
	switch {
	case err == nil:
		return "placed"
	case errors.Is(err, domain.ErrInsufficientCapacity):
		return "insufficient_capacity"
	case errors.Is(err, domain.ErrAffinityUnsatisfiable):
		return "affinity_unsatisfiable"
	case errors.Is(err, domain.ErrAllNodesUnavailable):
		return "all_nodes_unavailable"
	case errors.Is(err, domain.ErrReservationConflict):
		return "reservation_conflict"
	default:
		return "error"
	}
}
