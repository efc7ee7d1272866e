// Package cluster implements pool-wide operations on top of the placement
// engine and the migration orchestrator: draining every workload off a
// node, rebalancing load across nodes, and summarizing cluster health.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/ledger"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/migration"
	"github.com/virtforge/virtforge/internal/scheduler"
)

// Migration mode selection for pool operations.
const (
	// ModeAuto migrates running workloads live and stopped ones offline.
	ModeAuto = "auto"
	// ModeLive prefers live migration wherever the workload is running.
	ModeLive = "live"
	// ModeOffline always migrates offline, stopping running workloads.
	ModeOffline = "offline"
)

// NodeRepository defines the node reads used by the manager.
type NodeRepository interface {
	Get(ctx context.Context, id string) (*domain.ComputeNode, error)
	List(ctx context.Context) ([]*domain.ComputeNode, error)
}

// WorkloadRepository defines the workload reads used by the manager.
type WorkloadRepository interface {
	Get(ctx context.Context, id string) (*domain.Workload, error)
	ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error)
	Count(ctx context.Context) (int, error)
}

// Migrator runs individual workload relocations. Satisfied by
// *migration.Orchestrator.
type Migrator interface {
	Start(ctx context.Context, req migration.StartRequest) (*domain.MigrationJob, error)
	Await(ctx context.Context, jobID string) (*domain.MigrationJob, error)
}

// HealthCache caches assembled cluster health reports between requests.
// A nil cache disables caching.
type HealthCache interface {
	GetClusterHealth(ctx context.Context) (*domain.ClusterHealth, bool)
	SetClusterHealth(ctx context.Context, health *domain.ClusterHealth)
}

// Config holds the cluster manager configuration.
type Config struct {
	// MinImprovement is the utilization-score variance reduction a move
	// must project before the rebalancer includes it in a plan. Scores are
	// in [0, 1], so their variance is too.
	MinImprovement float64 `mapstructure:"min_improvement"`

	// MaxMoves bounds the number of moves in a single rebalance plan.
	MaxMoves int `mapstructure:"max_moves"`

	// MigrationMode selects how evacuation and rebalance relocate
	// workloads: "live", "offline", or "auto" to match the workload state.
	MigrationMode string `mapstructure:"migration_mode"`
}

// DefaultConfig returns the default cluster manager configuration.
func DefaultConfig() Config {
	return Config{
		MinImprovement: 0.0005,
		MaxMoves:       10,
		MigrationMode:  ModeAuto,
	}
}

// Manager coordinates multi-workload operations across the node pool.
type Manager struct {
	config    Config
	nodes     NodeRepository
	workloads WorkloadRepository
	sched     *scheduler.Scheduler
	ledger    *ledger.Ledger
	migrator  Migrator
	cache     HealthCache
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates a new cluster Manager.
func New(
	cfg Config,
	nodes NodeRepository,
	workloads WorkloadRepository,
	sched *scheduler.Scheduler,
	l *ledger.Ledger,
	migrator Migrator,
	cache HealthCache,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Manager {
	if cfg.MaxMoves < 1 {
		cfg.MaxMoves = 1
	}
	switch cfg.MigrationMode {
	case ModeAuto, ModeLive, ModeOffline:
	default:
		cfg.MigrationMode = ModeAuto
	}
	return &Manager{
		config:    cfg,
		nodes:     nodes,
		workloads: workloads,
		sched:     sched,
		ledger:    l,
		migrator:  migrator,
		cache:     cache,
		metrics:   m,
		logger:    logger.With(zap.String("component", "cluster")),
	}
}

// EvacuateNode moves every workload off the node. A dry-run pass first
// verifies that the whole set can be placed elsewhere at once; if any
// workload has no feasible destination the call fails before anything is
// migrated. The workloads are then migrated one at a time, stopping at the
// first failure, and the report records the outcome per workload.
func (m *Manager) EvacuateNode(ctx context.Context, nodeID string) (*domain.EvacuationReport, error) {
	logger := m.logger.With(zap.String("node_id", nodeID))

	node, err := m.nodes.Get(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("get node %s: %w", nodeID, err)
	}
	workloads, err := m.workloads.ListByNode(ctx, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list workloads on node %s: %w", nodeID, err)
	}

	report := &domain.EvacuationReport{NodeID: nodeID, StartedAt: time.Now().UTC()}
	if len(workloads) == 0 {
		report.FinishedAt = report.StartedAt
		logger.Info("Evacuation requested for empty node")
		m.countEvacuation("success")
		return report, nil
	}
	if !node.Maintenance {
		logger.Warn("Evacuating node outside maintenance mode; placement may still target it")
	}

	// Hardest placements first. The pre-check simulates in this order and
	// the migrations run in the same order.
	sortByRequestSize(workloads)

	if err := m.evacuationPrecheck(ctx, nodeID, workloads); err != nil {
		m.countEvacuation("precheck_failed")
		logger.Warn("Evacuation pre-check failed", zap.Error(err))
		return nil, err
	}
	logger.Info("Evacuation pre-check passed", zap.Int("workloads", len(workloads)))

	outcome := "success"
	for i, wl := range workloads {
		if ctx.Err() != nil {
			m.markNotAttempted(report, workloads[i:], "evacuation cancelled")
			outcome = "cancelled"
			break
		}
		result := m.migrateOne(ctx, wl, "")
		report.Outcomes = append(report.Outcomes, result)
		if !result.Migrated {
			logger.Error("Evacuation stopped on failed migration",
				zap.String("workload_id", wl.ID),
				zap.String("reason", result.Error),
			)
			m.markNotAttempted(report, workloads[i+1:], "evacuation stopped after earlier failure")
			outcome = "failed"
			break
		}
	}

	report.FinishedAt = time.Now().UTC()
	m.countEvacuation(outcome)
	if outcome == "success" {
		logger.Info("Node evacuated", zap.Int("migrated", len(report.Outcomes)))
	}
	return report, nil
}

// evacuationPrecheck asks the placement engine whether every workload on
// the node could be placed elsewhere at the same time, without reserving
// anything. Workloads already mid-flight make the outcome unknowable and
// fail the check.
func (m *Manager) evacuationPrecheck(ctx context.Context, nodeID string, workloads []*domain.Workload) error {
	reqs := make([]scheduler.SimRequest, 0, len(workloads))
	for _, wl := range workloads {
		switch wl.State {
		case domain.WorkloadStateMigrating, domain.WorkloadStateProvisioning:
			return fmt.Errorf("workload %s on node %s is %s: %w",
				wl.ID, nodeID, wl.State, domain.ErrMigrationConflict)
		}
		reqs = append(reqs, scheduler.SimRequest{WorkloadID: wl.ID, Request: wl.Request})
	}
	if _, err := m.sched.PreviewSequence(ctx, reqs, domain.StrategyBalanced, nodeID); err != nil {
		return fmt.Errorf("evacuation pre-check for node %s: %w", nodeID, err)
	}
	return nil
}

// migrateOne starts one migration and waits for it to finish. An empty
// targetNodeID lets the placement engine choose the destination.
func (m *Manager) migrateOne(ctx context.Context, wl *domain.Workload, targetNodeID string) domain.EvacuationOutcome {
	out := domain.EvacuationOutcome{WorkloadID: wl.ID, WorkloadName: wl.Name}

	job, err := m.migrator.Start(ctx, migration.StartRequest{
		WorkloadID:   wl.ID,
		TargetNodeID: targetNodeID,
		Mode:         m.modeFor(wl),
	})
	if err != nil {
		out.Error = err.Error()
		return out
	}
	out.JobID = job.ID

	final, err := m.migrator.Await(ctx, job.ID)
	if err != nil {
		// The job keeps executing; only the wait was interrupted.
		out.Error = fmt.Sprintf("wait for migration %s: %v", job.ID, err)
		return out
	}
	out.TargetNodeID = final.TargetNodeID
	if final.State == domain.MigrationStateCompleted {
		out.Migrated = true
	} else {
		out.Error = final.FailureReason
	}
	return out
}

func (m *Manager) markNotAttempted(report *domain.EvacuationReport, remaining []*domain.Workload, reason string) {
	for _, wl := range remaining {
		report.Outcomes = append(report.Outcomes, domain.EvacuationOutcome{
			WorkloadID:   wl.ID,
			WorkloadName: wl.Name,
			Error:        "not attempted: " + reason,
		})
	}
}

// modeFor picks the migration mode for a workload moved by a pool
// operation. Live migration needs a running workload; everything else
// moves offline at rest.
func (m *Manager) modeFor(wl *domain.Workload) domain.MigrationMode {
	if m.config.MigrationMode == ModeOffline || !wl.IsRunning() {
		return domain.MigrationModeOffline
	}
	return domain.MigrationModeLive
}

func (m *Manager) countEvacuation(outcome string) {
	if m.metrics != nil {
		m.metrics.EvacuationsTotal.WithLabelValues(outcome).Inc()
	}
}

// ClusterHealth assembles the pool-wide report: node counts by probed
// health, aggregate utilization across schedulable nodes, and a per-node
// breakdown.
func (m *Manager) ClusterHealth(ctx context.Context) (*domain.ClusterHealth, error) {
	if m.cache != nil {
		if cached, ok := m.cache.GetClusterHealth(ctx); ok {
			return cached, nil
		}
	}

	nodes, err := m.nodes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	workloadCount, err := m.workloads.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count workloads: %w", err)
	}

	snaps := make(map[string]ledger.NodeUsage, len(nodes))
	for _, u := range m.ledger.SnapshotAll() {
		snaps[u.NodeID] = u
	}

	health := &domain.ClusterHealth{
		NodeCount:     len(nodes),
		WorkloadCount: workloadCount,
		GeneratedAt:   time.Now().UTC(),
	}

	var totalAllocatable domain.Resources
	for _, node := range nodes {
		usage := snaps[node.ID]

		switch node.Health {
		case domain.NodeHealthHealthy:
			health.HealthyCount++
		case domain.NodeHealthUnhealthy:
			health.UnhealthyCount++
		default:
			health.UnknownCount++
		}
		if node.Maintenance {
			health.MaintenanceCount++
		}

		health.Nodes = append(health.Nodes, domain.NodeUtilization{
			NodeID:        node.ID,
			Name:          node.Name,
			Health:        node.Health,
			Maintenance:   node.Maintenance,
			WorkloadCount: usage.Workloads,
			Allocatable:   usage.Allocatable,
			Allocated:     usage.Allocated,
			Score:         utilizationScore(usage.Allocated, usage.Allocatable),
		})

		if node.IsSchedulable() {
			health.Utilization.TotalCapacity = health.Utilization.TotalCapacity.Add(usage.Capacity)
			health.Utilization.TotalAllocated = health.Utilization.TotalAllocated.Add(usage.Allocated)
			totalAllocatable = totalAllocatable.Add(usage.Allocatable)
		}
	}

	allocated := health.Utilization.TotalAllocated
	health.Utilization.CPUPercent = percent(int64(allocated.CPUCores), int64(totalAllocatable.CPUCores))
	health.Utilization.MemoryPercent = percent(allocated.MemoryMiB, totalAllocatable.MemoryMiB)
	health.Utilization.DiskPercent = percent(allocated.DiskGiB, totalAllocatable.DiskGiB)

	sort.Slice(health.Nodes, func(i, j int) bool {
		return health.Nodes[i].NodeID < health.Nodes[j].NodeID
	})

	if m.cache != nil {
		m.cache.SetClusterHealth(ctx, health)
	}
	return health, nil
}

// utilizationScore is the mean per-dimension utilization in [0, 1].
// Dimensions with no allocatable capacity are skipped.
func utilizationScore(allocated, allocatable domain.Resources) float64 {
	var sum float64
	var dims int

	if allocatable.CPUCores > 0 {
		sum += float64(allocated.CPUCores) / float64(allocatable.CPUCores)
		dims++
	}
	if allocatable.MemoryMiB > 0 {
		sum += float64(allocated.MemoryMiB) / float64(allocatable.MemoryMiB)
		dims++
	}
	if allocatable.DiskGiB > 0 {
		sum += float64(allocated.DiskGiB) / float64(allocatable.DiskGiB)
		dims++
	}

	if dims == 0 {
		return 0
	}
	return sum / float64(dims)
}

func percent(used, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(used) / float64(total) * 100.0
}

// sortByRequestSize orders workloads largest request first, ties broken by
// ID for a deterministic sequence.
func sortByRequestSize(workloads []*domain.Workload) {
	sort.Slice(workloads, func(i, j int) bool {
		a, b := workloads[i].Request, workloads[j].Request
		if a.MemoryMiB != b.MemoryMiB {
			return a.MemoryMiB > b.MemoryMiB
		}
		if a.CPUCores != b.CPUCores {
			return a.CPUCores > b.CPUCores
		}
		if a.DiskGiB != b.DiskGiB {
			return a.DiskGiB > b.DiskGiB
		}
		return workloads[i].ID < workloads[j].ID
	})
}
