package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// mockNodeRepo is a map-backed NodeRepository.
type mockNodeRepo struct {
	mu    sync.Mutex
	nodes map[string]*domain.ComputeNode

	healthUpdates      int
	maintenanceUpdates int
}

func newMockNodeRepo() *mockNodeRepo {
	return &mockNodeRepo{nodes: make(map[string]*domain.ComputeNode)}
}

func (r *mockNodeRepo) add(node *domain.ComputeNode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[node.ID] = node
}

func (r *mockNodeRepo) List(_ context.Context) ([]*domain.ComputeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*domain.ComputeNode, 0, len(r.nodes))
	for _, n := range r.nodes {
		c := *n
		out = append(out, &c)
	}
	return out, nil
}

func (r *mockNodeRepo) Get(_ context.Context, id string) (*domain.ComputeNode, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := *n
	return &c, nil
}

func (r *mockNodeRepo) UpdateHealth(_ context.Context, id string, health domain.NodeHealth, probeFailures int, probedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Health = health
	n.ProbeFailures = probeFailures
	n.LastProbeAt = &probedAt
	r.healthUpdates++
	return nil
}

func (r *mockNodeRepo) UpdateMaintenance(_ context.Context, id string, maintenance bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.nodes[id]
	if !ok {
		return domain.ErrNotFound
	}
	n.Maintenance = maintenance
	r.maintenanceUpdates++
	return nil
}

// mockProber fails probes for node IDs present in the failing set.
type mockProber struct {
	mu      sync.Mutex
	failing map[string]bool
	probes  int
}

func newMockProber() *mockProber {
	return &mockProber{failing: make(map[string]bool)}
}

func (p *mockProber) setFailing(nodeID string, failing bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failing[nodeID] = failing
}

func (p *mockProber) Probe(_ context.Context, node *domain.ComputeNode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	if p.failing[node.ID] {
		return errors.New("agent unreachable")
	}
	return nil
}

func testNode(id string) *domain.ComputeNode {
	return &domain.ComputeNode{
		ID:       id,
		Name:     id,
		Hostname: id + ".local",
		Health:   domain.NodeHealthUnknown,
		Capacity: domain.Resources{CPUCores: 16, MemoryMiB: 32768, DiskGiB: 500},
	}
}

func newTestMonitor(t *testing.T, repo *mockNodeRepo, prober *mockProber) *Monitor {
	t.Helper()
	logger, err := zap.NewDevelopment()
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	cfg := DefaultConfig()
	cfg.FailureThreshold = 3
	return NewMonitor(cfg, repo, prober, nil, nil, nil, logger)
}

// probeOnce runs a single probe round without starting the ticker loop.
func probeOnce(m *Monitor) {
	m.probeAll(context.Background())
}

// ============================================================
// Health state machine
// ============================================================

func TestMonitor_HealthyAfterFirstSuccessfulProbe(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m)

	state, ok := m.Status("node-a")
	if !ok {
		t.Fatal("expected node-a to be tracked")
	}
	if state.Health != domain.NodeHealthHealthy {
		t.Errorf("expected HEALTHY, got %s", state.Health)
	}
	if !m.Schedulable("node-a") {
		t.Error("healthy node should be schedulable")
	}
}

func TestMonitor_UnknownNodeUnhealthyAfterOneFailure(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	prober.setFailing("node-a", true)
	m := newTestMonitor(t, repo, prober)

	probeOnce(m)

	state, _ := m.Status("node-a")
	if state.Health != domain.NodeHealthUnhealthy {
		t.Errorf("expected UNHEALTHY after one failure from UNKNOWN, got %s", state.Health)
	}
	if m.Schedulable("node-a") {
		t.Error("unhealthy node must not be schedulable")
	}
}

func TestMonitor_HealthyNodeSurvivesFailuresBelowThreshold(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m) // healthy
	prober.setFailing("node-a", true)
	probeOnce(m) // failure 1
	probeOnce(m) // failure 2

	state, _ := m.Status("node-a")
	if state.Health != domain.NodeHealthHealthy {
		t.Errorf("expected node to stay HEALTHY below threshold, got %s", state.Health)
	}
	if state.FailedProbes != 2 {
		t.Errorf("expected 2 failed probes, got %d", state.FailedProbes)
	}

	probeOnce(m) // failure 3 hits the threshold

	state, _ = m.Status("node-a")
	if state.Health != domain.NodeHealthUnhealthy {
		t.Errorf("expected UNHEALTHY at threshold, got %s", state.Health)
	}
}

func TestMonitor_SingleSuccessRestoresHealthy(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	prober.setFailing("node-a", true)
	m := newTestMonitor(t, repo, prober)

	probeOnce(m)
	if state, _ := m.Status("node-a"); state.Health != domain.NodeHealthUnhealthy {
		t.Fatalf("expected UNHEALTHY, got %s", state.Health)
	}

	prober.setFailing("node-a", false)
	probeOnce(m)

	state, _ := m.Status("node-a")
	if state.Health != domain.NodeHealthHealthy {
		t.Errorf("expected HEALTHY after one success, got %s", state.Health)
	}
	if state.FailedProbes != 0 {
		t.Errorf("expected failure counter reset, got %d", state.FailedProbes)
	}
}

func TestMonitor_SuccessResetsFailureCounter(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m) // healthy
	prober.setFailing("node-a", true)
	probeOnce(m)
	probeOnce(m) // two failures, still healthy
	prober.setFailing("node-a", false)
	probeOnce(m) // success resets the counter
	prober.setFailing("node-a", true)
	probeOnce(m)
	probeOnce(m) // two failures again

	state, _ := m.Status("node-a")
	if state.Health != domain.NodeHealthHealthy {
		t.Errorf("expected flapping node to stay HEALTHY, got %s", state.Health)
	}
	if state.FailedProbes != 2 {
		t.Errorf("expected 2 failed probes after reset, got %d", state.FailedProbes)
	}
}

func TestMonitor_TransitionsArePersisted(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m) // unknown -> healthy
	prober.setFailing("node-a", true)
	probeOnce(m)
	probeOnce(m)
	probeOnce(m) // healthy -> unhealthy

	node, err := repo.Get(context.Background(), "node-a")
	if err != nil {
		t.Fatalf("get node: %v", err)
	}
	if node.Health != domain.NodeHealthUnhealthy {
		t.Errorf("expected persisted UNHEALTHY, got %s", node.Health)
	}
	repo.mu.Lock()
	updates := repo.healthUpdates
	repo.mu.Unlock()
	if updates != 2 {
		t.Errorf("expected exactly 2 persisted transitions, got %d", updates)
	}
}

// ============================================================
// Maintenance
// ============================================================

func TestMonitor_SetMaintenanceBlocksScheduling(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m)
	if !m.Schedulable("node-a") {
		t.Fatal("expected healthy node to be schedulable")
	}

	if err := m.SetMaintenance(context.Background(), "node-a", true); err != nil {
		t.Fatalf("set maintenance: %v", err)
	}
	if m.Schedulable("node-a") {
		t.Error("node in maintenance must not be schedulable")
	}

	node, _ := repo.Get(context.Background(), "node-a")
	if !node.Maintenance {
		t.Error("maintenance flag should be persisted")
	}
}

func TestMonitor_ProbingNeverClearsMaintenance(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m)
	if err := m.SetMaintenance(context.Background(), "node-a", true); err != nil {
		t.Fatalf("set maintenance: %v", err)
	}

	// Successful probes keep reporting health but must not exit maintenance.
	probeOnce(m)
	probeOnce(m)

	state, _ := m.Status("node-a")
	if state.Health != domain.NodeHealthHealthy {
		t.Errorf("expected HEALTHY, got %s", state.Health)
	}
	if !state.Maintenance {
		t.Error("maintenance must persist across probe rounds")
	}
	if m.Schedulable("node-a") {
		t.Error("node in maintenance must not be schedulable")
	}
}

func TestMonitor_SetMaintenanceUnknownNode(t *testing.T) {
	repo := newMockNodeRepo()
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	err := m.SetMaintenance(context.Background(), "missing", true)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

// ============================================================
// Cache maintenance
// ============================================================

func TestMonitor_RefreshFromStoreHydratesCache(t *testing.T) {
	repo := newMockNodeRepo()
	healthy := testNode("node-a")
	healthy.Health = domain.NodeHealthHealthy
	repo.add(healthy)
	down := testNode("node-b")
	down.Health = domain.NodeHealthUnhealthy
	down.ProbeFailures = 5
	repo.add(down)

	m := newTestMonitor(t, repo, newMockProber())
	m.refreshFromStore(context.Background())

	if !m.Schedulable("node-a") {
		t.Error("persisted healthy node should be schedulable after hydrate")
	}
	if m.Schedulable("node-b") {
		t.Error("persisted unhealthy node must not be schedulable")
	}
	state, _ := m.Status("node-b")
	if state.FailedProbes != 5 {
		t.Errorf("expected hydrated failure count 5, got %d", state.FailedProbes)
	}
}

func TestMonitor_RemovedNodesAreForgotten(t *testing.T) {
	repo := newMockNodeRepo()
	repo.add(testNode("node-a"))
	repo.add(testNode("node-b"))
	prober := newMockProber()
	m := newTestMonitor(t, repo, prober)

	probeOnce(m)
	if len(m.States()) != 2 {
		t.Fatalf("expected 2 tracked nodes, got %d", len(m.States()))
	}

	repo.mu.Lock()
	delete(repo.nodes, "node-b")
	repo.mu.Unlock()

	probeOnce(m)
	states := m.States()
	if len(states) != 1 {
		t.Fatalf("expected 1 tracked node after removal, got %d", len(states))
	}
	if _, ok := states["node-b"]; ok {
		t.Error("removed node should be dropped from the cache")
	}
}

func TestMonitor_UntrackedNodeNotSchedulable(t *testing.T) {
	m := newTestMonitor(t, newMockNodeRepo(), newMockProber())
	if m.Schedulable("ghost") {
		t.Error("untracked node must not be schedulable")
	}
}
