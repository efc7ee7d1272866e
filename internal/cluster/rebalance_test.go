package cluster

import (
	"context"
	"math"
	"testing"

	"github.com/virtforge/virtforge/internal/domain"
)

// loadedPool puts four identical workloads on node-a and leaves node-b
// empty. The optimal plan moves exactly two of them.
func loadedPool(t *testing.T, cfg Config) *fixture {
	t.Helper()
	f := newTestManager(t, cfg)
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	for _, id := range []string{"wl-1", "wl-2", "wl-3", "wl-4"} {
		f.addWorkload(id, "node-a", domain.WorkloadStateRunning, 2, 2048, 50)
	}
	return f
}

func approxZero(v float64) bool {
	return math.Abs(v) < 1e-9
}

// =============================================================================
// Rebalance tests
// =============================================================================

func TestRebalance_DryRunProposesWithoutExecuting(t *testing.T) {
	f := loadedPool(t, DefaultConfig())

	plan, err := f.manager.RebalanceCluster(context.Background(), true)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}

	if plan.Executed {
		t.Error("dry run must not mark the plan executed")
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("dry run must not start migrations, got %d", len(f.migrator.started))
	}
	if len(plan.Moves) != 2 {
		t.Fatalf("expected 2 moves, got %d", len(plan.Moves))
	}
	// Identical workloads tie on improvement and size, so IDs decide.
	if plan.Moves[0].WorkloadID != "wl-1" || plan.Moves[1].WorkloadID != "wl-2" {
		t.Errorf("moves = %s, %s; want wl-1, wl-2",
			plan.Moves[0].WorkloadID, plan.Moves[1].WorkloadID)
	}
	for _, move := range plan.Moves {
		if move.SourceNodeID != "node-a" || move.TargetNodeID != "node-b" {
			t.Errorf("move %s routed %s -> %s, want node-a -> node-b",
				move.WorkloadID, move.SourceNodeID, move.TargetNodeID)
		}
		if move.Improvement <= 0 {
			t.Errorf("move %s improvement = %f, want > 0", move.WorkloadID, move.Improvement)
		}
	}
	if plan.Moves[0].Improvement <= plan.Moves[1].Improvement {
		t.Error("the first move should contribute the larger variance reduction")
	}
	if plan.VarianceAfter >= plan.VarianceBefore {
		t.Errorf("variance must drop: before %f, after %f", plan.VarianceBefore, plan.VarianceAfter)
	}
	// Two of four identical workloads on each node is a perfectly even pool.
	if !approxZero(plan.VarianceAfter) {
		t.Errorf("VarianceAfter = %f, want 0", plan.VarianceAfter)
	}
}

func TestRebalance_BalancedPoolPlansNoMoves(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-1", "node-a", domain.WorkloadStateRunning, 2, 2048, 50)
	f.addWorkload("wl-2", "node-b", domain.WorkloadStateRunning, 2, 2048, 50)

	plan, err := f.manager.RebalanceCluster(context.Background(), false)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}
	if len(plan.Moves) != 0 {
		t.Errorf("balanced pool should plan no moves, got %d", len(plan.Moves))
	}
	if plan.Executed {
		t.Error("an empty plan must not be marked executed")
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("no migrations should start, got %d", len(f.migrator.started))
	}
}

func TestRebalance_ExecutesPlannedMoves(t *testing.T) {
	f := loadedPool(t, DefaultConfig())

	plan, err := f.manager.RebalanceCluster(context.Background(), false)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}

	if !plan.Executed {
		t.Error("plan should be marked executed")
	}
	if len(plan.Outcomes) != len(plan.Moves) {
		t.Fatalf("got %d outcomes for %d moves", len(plan.Outcomes), len(plan.Moves))
	}
	for _, out := range plan.Outcomes {
		if !out.Migrated {
			t.Errorf("move of %s failed: %s", out.WorkloadID, out.Error)
		}
	}
	if len(f.migrator.started) != len(plan.Moves) {
		t.Fatalf("started %d migrations for %d moves", len(f.migrator.started), len(plan.Moves))
	}
	for i, req := range f.migrator.started {
		if req.WorkloadID != plan.Moves[i].WorkloadID {
			t.Errorf("migration %d moved %s, plan says %s", i, req.WorkloadID, plan.Moves[i].WorkloadID)
		}
		// Execution pins the destination chosen by the analysis.
		if req.TargetNodeID != plan.Moves[i].TargetNodeID {
			t.Errorf("migration %d targeted %s, plan says %s",
				i, req.TargetNodeID, plan.Moves[i].TargetNodeID)
		}
		if req.Mode != domain.MigrationModeLive {
			t.Errorf("running workload should move live, got %s", req.Mode)
		}
	}
}

func TestRebalance_MaxMovesBoundsThePlan(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxMoves = 1
	f := loadedPool(t, cfg)

	plan, err := f.manager.RebalanceCluster(context.Background(), true)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}
	if len(plan.Moves) != 1 {
		t.Errorf("expected the plan capped at 1 move, got %d", len(plan.Moves))
	}
	if plan.VarianceAfter >= plan.VarianceBefore {
		t.Errorf("even a capped plan must reduce variance: before %f, after %f",
			plan.VarianceBefore, plan.VarianceAfter)
	}
}

func TestRebalance_FailedMoveDoesNotStopTheRest(t *testing.T) {
	f := loadedPool(t, DefaultConfig())
	f.migrator.failOn["wl-1"] = "state stream interrupted"

	plan, err := f.manager.RebalanceCluster(context.Background(), false)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}

	if len(plan.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(plan.Outcomes))
	}
	if plan.Outcomes[0].Migrated || plan.Outcomes[0].Error != "state stream interrupted" {
		t.Errorf("first outcome should carry the failure, got %+v", plan.Outcomes[0])
	}
	if !plan.Outcomes[1].Migrated {
		t.Errorf("a failed move must not stop the next one: %+v", plan.Outcomes[1])
	}
	if len(f.migrator.started) != 2 {
		t.Errorf("both moves should be attempted, got %d", len(f.migrator.started))
	}
}

func TestRebalance_CancelledBetweenMoves(t *testing.T) {
	f := loadedPool(t, DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	plan, err := f.manager.RebalanceCluster(ctx, false)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}
	if len(f.migrator.started) != 0 {
		t.Errorf("cancelled context must stop before the first move, got %d", len(f.migrator.started))
	}
	for _, out := range plan.Outcomes {
		if out.Migrated {
			t.Errorf("workload %s reported migrated under a cancelled context", out.WorkloadID)
		}
		if out.Error == "" {
			t.Errorf("workload %s should record why it was skipped", out.WorkloadID)
		}
	}
}

func TestRebalance_IgnoresUnschedulableNodes(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthUnhealthy, false)
	for _, id := range []string{"wl-1", "wl-2", "wl-3", "wl-4"} {
		f.addWorkload(id, "node-a", domain.WorkloadStateRunning, 2, 2048, 50)
	}

	plan, err := f.manager.RebalanceCluster(context.Background(), true)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}
	// With the unhealthy node excluded only one node remains, so there is
	// nowhere to move anything.
	if len(plan.Moves) != 0 {
		t.Errorf("unhealthy nodes must not receive moves, got %d", len(plan.Moves))
	}
}

func TestRebalance_OnlyMovesRestingWorkloads(t *testing.T) {
	f := newTestManager(t, DefaultConfig())
	f.addNode("node-a", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addNode("node-b", 10, 16384, 500, domain.NodeHealthHealthy, false)
	f.addWorkload("wl-1", "node-a", domain.WorkloadStateMigrating, 2, 2048, 50)
	f.addWorkload("wl-2", "node-a", domain.WorkloadStateProvisioning, 2, 2048, 50)

	plan, err := f.manager.RebalanceCluster(context.Background(), true)
	if err != nil {
		t.Fatalf("RebalanceCluster failed: %v", err)
	}
	if len(plan.Moves) != 0 {
		t.Errorf("mid-flight workloads must stay put, got %d moves", len(plan.Moves))
	}
}

func TestRebalance_PlansAreDeterministic(t *testing.T) {
	f := loadedPool(t, DefaultConfig())

	first, err := f.manager.RebalanceCluster(context.Background(), true)
	if err != nil {
		t.Fatalf("first analysis failed: %v", err)
	}
	second, err := f.manager.RebalanceCluster(context.Background(), true)
	if err != nil {
		t.Fatalf("second analysis failed: %v", err)
	}

	if len(first.Moves) != len(second.Moves) {
		t.Fatalf("plans differ in length: %d vs %d", len(first.Moves), len(second.Moves))
	}
	for i := range first.Moves {
		if first.Moves[i] != second.Moves[i] {
			t.Errorf("move %d differs: %+v vs %+v", i, first.Moves[i], second.Moves[i])
		}
	}
}
