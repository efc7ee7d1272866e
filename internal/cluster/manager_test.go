package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/ledger"
	"github.com/virtforge/virtforge/internal/migration"
	"github.com/virtforge/virtforge/internal/scheduler"
)

// fakeNodeRepo is a map-backed NodeRepository.
type fakeNodeRepo struct {
	nodes     map[string]*domain.ComputeNode
	listCalls int
}

func newFakeNodeRepo() *fakeNodeRepo {
	return &fakeNodeRepo{nodes: make(map[string]*domain.ComputeNode)}
}

func (r *fakeNodeRepo) Get(ctx context.Context, id string) (*domain.ComputeNode, error) {
	n, ok := r.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return n, nil
}

func (r *fakeNodeRepo) List(ctx context.Context) ([]*domain.ComputeNode, error) {
	r.listCalls++
	out := make([]*domain.ComputeNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, n)
	}
	return out, nil
}

// fakeWorkloadRepo is a map-backed WorkloadRepository that also satisfies
// the scheduler's WorkloadGetter.
type fakeWorkloadRepo struct {
	workloads map[string]*domain.Workload
}

func newFakeWorkloadRepo() *fakeWorkloadRepo {
	return &fakeWorkloadRepo{workloads: make(map[string]*domain.Workload)}
}

func (r *fakeWorkloadRepo) Get(ctx context.Context, id string) (*domain.Workload, error) {
	wl, ok := r.workloads[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return wl, nil
}

func (r *fakeWorkloadRepo) ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error) {
	var out []*domain.Workload
	for _, wl := range r.workloads {
		if wl.NodeID == nodeID && wl.State != domain.WorkloadStateDeleted {
			out = append(out, wl)
		}
	}
	return out, nil
}

func (r *fakeWorkloadRepo) Count(ctx context.Context) (int, error) {
	count := 0
	for _, wl := range r.workloads {
		if wl.State != domain.WorkloadStateDeleted {
			count++
		}
	}
	return count, nil
}

// fakeHealth marks every registered node schedulable unless told otherwise.
type fakeHealth struct {
	schedulable map[string]bool
}

func (h *fakeHealth) Schedulable(nodeID string) bool {
	return h.schedulable[nodeID]
}

// fakeMigrator records migration requests and resolves them immediately:
// completed unless the workload is listed in failOn.
type fakeMigrator struct {
	started []migration.StartRequest
	jobs    map[string]*domain.MigrationJob
	failOn  map[string]string // workload ID -> failure reason
	seq     int
}

func newFakeMigrator() *fakeMigrator {
	return &fakeMigrator{
		jobs:   make(map[string]*domain.MigrationJob),
		failOn: make(map[string]string),
	}
}

func (m *fakeMigrator) Start(ctx context.Context, req migration.StartRequest) (*domain.MigrationJob, error) {
	m.started = append(m.started, req)
	m.seq++
	job := &domain.MigrationJob{
		ID:           fmt.Sprintf("mig-%d", m.seq),
		WorkloadID:   req.WorkloadID,
		TargetNodeID: req.TargetNodeID,
		Mode:         req.Mode,
		State:        domain.MigrationStateRunning,
	}
	m.jobs[job.ID] = job
	return job, nil
}

func (m *fakeMigrator) Await(ctx context.Context, jobID string) (*domain.MigrationJob, error) {
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if reason, failed := m.failOn[job.WorkloadID]; failed {
		job.State = domain.MigrationStateFailed
		job.FailureReason = reason
	} else {
		job.State = domain.MigrationStateCompleted
	}
	return job, nil
}

// fixture wires real ledger and scheduler instances around the fakes.
type fixture struct {
	ledger    *ledger.Ledger
	nodes     *fakeNodeRepo
	workloads *fakeWorkloadRepo
	health    *fakeHealth
	migrator  *fakeMigrator
	manager   *Manager
}

func newTestManager(t *testing.T, cfg Config) *fixture {
	t.Helper()
	logger := zap.NewNop()

	f := &fixture{
		ledger:    ledger.New(logger),
		nodes:     newFakeNodeRepo(),
		workloads: newFakeWorkloadRepo(),
		health:    &fakeHealth{schedulable: make(map[string]bool)},
		migrator:  newFakeMigrator(),
	}
	sched := scheduler.New(f.ledger, f.health, f.workloads, scheduler.DefaultConfig(), logger)
	f.manager = New(cfg, f.nodes, f.workloads, sched, f.ledger, f.migrator, nil, nil, logger)
	return f
}

func (f *fixture) addNode(id string, cpu int32, memMiB, diskGiB int64, health domain.NodeHealth, maintenance bool) {
	node := &domain.ComputeNode{
		ID:          id,
		Name:        id,
		Capacity:    domain.Resources{CPUCores: cpu, MemoryMiB: memMiB, DiskGiB: diskGiB},
		Overcommit:  domain.OvercommitRatio{CPU: 1.0, Memory: 1.0, Disk: 1.0},
		Health:      health,
		Maintenance: maintenance,
	}
	f.nodes.nodes[id] = node
	f.ledger.AddNode(node)
	f.health.schedulable[id] = node.IsSchedulable()
}

func (f *fixture) addWorkload(id, nodeID string, state domain.WorkloadState, cpu int32, memMiB, diskGiB int64) {
	req := domain.Resources{CPUCores: cpu, MemoryMiB: memMiB, DiskGiB: diskGiB}
	f.workloads.workloads[id] = &domain.Workload{
		ID:      id,
		Name:    id,
		NodeID:  nodeID,
		Request: req,
		State:   state,
	}
	f.ledger.Hydrate(nodeID, id, req)
}

// =============================================================================
// Evacuation tests
// =============================================================================

func TestEvacuateNode_EmptyNode(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, true)

	report, err := f.manager.EvacuateNode(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("EvacuateNode failed: %v", err)
	}
	if len(report.Outcomes) != 0 {
		t.Errorf("expected empty report, got %d outcomes", len(report.Outcomes))
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("no migrations should start for an empty node, got %d", len(f.migrator.started))
	}
}

func TestEvacuateNode_UnknownNode(t *testing.T) {
	f := newTestManager(t, DefaultConfig())

	_, err := f.manager.EvacuateNode(context.Background(), "node-missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEvacuateNode_MigratesLargestFirst(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, true)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-small", "node-a", domain.WorkloadStateStopped, 1, 1024, 10)
	f.addWorkload("wl-big", "node-a", domain.WorkloadStateRunning, 4, 8192, 100)

	report, err := f.manager.EvacuateNode(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("EvacuateNode failed: %v", err)
	}

	if len(report.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(report.Outcomes))
	}
	if !report.Succeeded() {
		t.Fatalf("expected a fully migrated report, got %+v", report.Outcomes)
	}

	if got := f.migrator.started[0].WorkloadID; got != "wl-big" {
		t.Errorf("largest workload should migrate first, got %s", got)
	}
	// Auto mode: live for the running workload, offline for the stopped one.
	if got := f.migrator.started[0].Mode; got != domain.MigrationModeLive {
		t.Errorf("running workload should migrate live, got %s", got)
	}
	if got := f.migrator.started[1].Mode; got != domain.MigrationModeOffline {
		t.Errorf("stopped workload should migrate offline, got %s", got)
	}
}

func TestEvacuateNode_PrecheckIsAllOrNothing(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, true)
	// node-b fits either workload alone but not both together.
	f.addNode("node-b", 6, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-1", "node-a", domain.WorkloadStateRunning, 4, 2048, 20)
	f.addWorkload("wl-2", "node-a", domain.WorkloadStateRunning, 4, 2048, 20)

	_, err := f.manager.EvacuateNode(context.Background(), "node-a")
	if !errors.Is(err, domain.ErrInsufficientCapacity) {
		t.Fatalf("expected ErrInsufficientCapacity from the pre-check, got %v", err)
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("pre-check failure must prevent every migration, got %d started", len(f.migrator.started))
	}
}

func TestEvacuateNode_StopsOnFirstFailure(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, true)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-big", "node-a", domain.WorkloadStateRunning, 4, 8192, 100)
	f.addWorkload("wl-small", "node-a", domain.WorkloadStateRunning, 1, 1024, 10)
	f.migrator.failOn["wl-big"] = "disk copy failed"

	report, err := f.manager.EvacuateNode(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("EvacuateNode failed: %v", err)
	}

	if len(report.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(report.Outcomes))
	}
	if report.Succeeded() {
		t.Error("a stopped evacuation must not report success")
	}
	if report.Outcomes[0].Migrated || report.Outcomes[0].Error != "disk copy failed" {
		t.Errorf("first outcome should carry the failure, got %+v", report.Outcomes[0])
	}
	if report.Outcomes[1].Migrated {
		t.Error("second workload must not be migrated after a failure")
	}
	if report.Outcomes[1].Error == "" {
		t.Error("second outcome should record that it was not attempted")
	}
	if len(f.migrator.started) != 1 {
		t.Errorf("the loop must stop at the first failure, got %d migrations", len(f.migrator.started))
	}
}

func TestEvacuateNode_InFlightWorkloadFailsPrecheck(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, true)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-1", "node-a", domain.WorkloadStateMigrating, 2, 2048, 20)

	_, err := f.manager.EvacuateNode(context.Background(), "node-a")
	if !errors.Is(err, domain.ErrMigrationConflict) {
		t.Errorf("expected ErrMigrationConflict for a mid-flight workload, got %v", err)
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("no migrations should start, got %d", len(f.migrator.started))
	}
}

func TestEvacuateNode_CancelledBetweenMoves(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, true)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-1", "node-a", domain.WorkloadStateRunning, 2, 2048, 20)
	f.addWorkload("wl-2", "node-a", domain.WorkloadStateRunning, 2, 2048, 20)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := f.manager.EvacuateNode(ctx, "node-a")
	if err != nil {
		t.Fatalf("EvacuateNode failed: %v", err)
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("cancelled context must stop before the first move, got %d", len(f.migrator.started))
	}
	for _, out := range report.Outcomes {
		if out.Migrated {
			t.Errorf("workload %s reported migrated under a cancelled context", out.WorkloadID)
		}
	}
}

// =============================================================================
// Cluster health tests
// =============================================================================

func TestClusterHealth_CountsAndUtilization(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthUnhealthy, false)
	f.addNode("node-c", 10, 16384, 500, domain.NodeHealthHealthy, true)
	f.addWorkload("wl-1", "node-a", domain.WorkloadStateRunning, 4, 4096, 100)
	f.addWorkload("wl-2", "node-b", domain.WorkloadStateStopped, 2, 2048, 50)

	health, err := f.manager.ClusterHealth(context.Background())
	if err != nil {
		t.Fatalf("ClusterHealth failed: %v", err)
	}

	if health.NodeCount != 3 {
		t.Errorf("NodeCount = %d, want 3", health.NodeCount)
	}
	if health.HealthyCount != 2 || health.UnhealthyCount != 1 || health.UnknownCount != 0 {
		t.Errorf("health counts = %d/%d/%d, want 2/1/0",
			health.HealthyCount, health.UnhealthyCount, health.UnknownCount)
	}
	if health.MaintenanceCount != 1 {
		t.Errorf("MaintenanceCount = %d, want 1", health.MaintenanceCount)
	}
	if health.WorkloadCount != 2 {
		t.Errorf("WorkloadCount = %d, want 2", health.WorkloadCount)
	}

	// Only node-a is schedulable, so the aggregate utilization covers just
	// its 4/10 cores, 4096/16384 MiB, 100/500 GiB.
	if health.Utilization.CPUPercent != 40.0 {
		t.Errorf("CPUPercent = %f, want 40", health.Utilization.CPUPercent)
	}
	if health.Utilization.MemoryPercent != 25.0 {
		t.Errorf("MemoryPercent = %f, want 25", health.Utilization.MemoryPercent)
	}
	if health.Utilization.DiskPercent != 20.0 {
		t.Errorf("DiskPercent = %f, want 20", health.Utilization.DiskPercent)
	}

	if len(health.Nodes) != 3 {
		t.Fatalf("expected 3 node entries, got %d", len(health.Nodes))
	}
	for i := 1; i < len(health.Nodes); i++ {
		if health.Nodes[i-1].NodeID > health.Nodes[i].NodeID {
			t.Errorf("node entries not sorted: %s before %s",
				health.Nodes[i-1].NodeID, health.Nodes[i].NodeID)
		}
	}
}

// cannedHealthCache always returns the same report.
type cannedHealthCache struct {
	report *domain.ClusterHealth
	sets   int
}

func (c *cannedHealthCache) GetClusterHealth(ctx context.Context) (*domain.ClusterHealth, bool) {
	if c.report == nil {
		return nil, false
	}
	return c.report, true
}

func (c *cannedHealthCache) SetClusterHealth(ctx context.Context, health *domain.ClusterHealth) {
	c.sets++
	c.report = health
}

func TestClusterHealth_ServedFromCache(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)

	cache := &cannedHealthCache{report: &domain.ClusterHealth{NodeCount: 42}}
	f.manager.cache = cache

	health, err := f.manager.ClusterHealth(context.Background())
	if err != nil {
		t.Fatalf("ClusterHealth failed: %v", err)
	}
	if health.NodeCount != 42 {
		t.Errorf("expected the cached report, got NodeCount = %d", health.NodeCount)
	}
	if f.nodes.listCalls != 0 {
		t.Errorf("cache hit must not touch the node repository, got %d list calls", f.nodes.listCalls)
	}
}

func TestClusterHealth_PopulatesCacheOnMiss(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)

	cache := &cannedHealthCache{}
	f.manager.cache = cache

	if _, err := f.manager.ClusterHealth(context.Background()); err != nil {
		t.Fatalf("ClusterHealth failed: %v", err)
	}
	if cache.sets != 1 {
		t.Errorf("report should be written to the cache once, got %d", cache.sets)
	}
}
