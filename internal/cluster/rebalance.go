// Package cluster implements pool-wide operations on top of the placement
// engine and the migration orchestrator. This file contains the rebalance
// analysis: a greedy simulation that keeps moving workloads between nodes
// while each move still meaningfully reduces the spread of utilization.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/ledger"
)

// simNode is the simulation's view of one schedulable node.
type simNode struct {
	id          string
	allocatable domain.Resources
	allocated   domain.Resources
	movable     []simWorkload
}

type simWorkload struct {
	id      string
	request domain.Resources
}

func (n *simNode) free() domain.Resources {
	return n.allocatable.Sub(n.allocated).Clamped()
}

func (n *simNode) score() float64 {
	return utilizationScore(n.allocated, n.allocatable)
}

// candidateMove indexes one possible relocation inside the simulation.
type candidateMove struct {
	src, dst    int
	wl          int
	improvement float64
}

// RebalanceCluster analyzes the spread of utilization across healthy,
// non-maintenance nodes and plans moves that reduce its variance. With
// dryRun the plan is returned without touching anything; otherwise the
// moves execute sequentially and the plan records each outcome.
func (m *Manager) RebalanceCluster(ctx context.Context, dryRun bool) (*domain.RebalancePlan, error) {
	plan, err := m.planRebalance(ctx)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.ClusterVariance.Set(plan.VarianceBefore)
	}

	if dryRun || len(plan.Moves) == 0 {
		m.logger.Info("Rebalance analyzed",
			zap.Bool("dry_run", dryRun),
			zap.Int("moves", len(plan.Moves)),
			zap.Float64("variance_before", plan.VarianceBefore),
			zap.Float64("variance_after", plan.VarianceAfter),
		)
		return plan, nil
	}

	m.executePlan(ctx, plan)
	return plan, nil
}

// planRebalance builds the simulation and greedily extracts the best move
// until no remaining move clears the improvement threshold or the move
// budget is spent.
func (m *Manager) planRebalance(ctx context.Context) (*domain.RebalancePlan, error) {
	sim, err := m.buildSimulation(ctx)
	if err != nil {
		return nil, err
	}

	plan := &domain.RebalancePlan{GeneratedAt: time.Now().UTC()}
	plan.VarianceBefore = poolVariance(sim)
	plan.VarianceAfter = plan.VarianceBefore
	if len(sim) < 2 {
		return plan, nil
	}

	for len(plan.Moves) < m.config.MaxMoves {
		best, ok := m.bestMove(sim)
		if !ok || best.improvement < m.config.MinImprovement {
			break
		}

		src, dst := sim[best.src], sim[best.dst]
		wl := src.movable[best.wl]

		src.allocated = src.allocated.Sub(wl.request).Clamped()
		dst.allocated = dst.allocated.Add(wl.request)
		src.movable = append(src.movable[:best.wl], src.movable[best.wl+1:]...)
		dst.movable = append(dst.movable, wl)

		plan.Moves = append(plan.Moves, domain.RebalanceMove{
			WorkloadID:   wl.id,
			SourceNodeID: src.id,
			TargetNodeID: dst.id,
			Improvement:  best.improvement,
		})
	}

	plan.VarianceAfter = poolVariance(sim)
	return plan, nil
}

// buildSimulation captures the schedulable part of the pool: ledger usage
// plus the movable (running or stopped) workloads on each node.
func (m *Manager) buildSimulation(ctx context.Context) ([]*simNode, error) {
	nodes, err := m.nodes.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	snaps := make(map[string]ledger.NodeUsage, len(nodes))
	for _, u := range m.ledger.SnapshotAll() {
		snaps[u.NodeID] = u
	}

	var sim []*simNode
	for _, node := range nodes {
		if !node.IsSchedulable() {
			continue
		}
		usage, ok := snaps[node.ID]
		if !ok {
			continue
		}
		workloads, err := m.workloads.ListByNode(ctx, node.ID)
		if err != nil {
			return nil, fmt.Errorf("list workloads on node %s: %w", node.ID, err)
		}

		n := &simNode{id: node.ID, allocatable: usage.Allocatable, allocated: usage.Allocated}
		for _, wl := range workloads {
			switch wl.State {
			case domain.WorkloadStateRunning, domain.WorkloadStateStopped:
				n.movable = append(n.movable, simWorkload{id: wl.ID, request: wl.Request})
			}
		}
		sim = append(sim, n)
	}

	sort.Slice(sim, func(i, j int) bool { return sim[i].id < sim[j].id })
	return sim, nil
}

// bestMove scans every (workload, destination) pair and returns the move
// with the largest variance reduction. Ties prefer the smaller workload,
// then lower IDs, so identical pools always produce the same plan.
func (m *Manager) bestMove(sim []*simNode) (candidateMove, bool) {
	scores := make([]float64, len(sim))
	for i, n := range sim {
		scores[i] = n.score()
	}
	current := variance(scores)

	var best candidateMove
	found := false
	for si, src := range sim {
		for wi, wl := range src.movable {
			for di, dst := range sim {
				if di == si || !wl.request.Fits(dst.free()) {
					continue
				}

				projected := make([]float64, len(scores))
				copy(projected, scores)
				projected[si] = utilizationScore(src.allocated.Sub(wl.request).Clamped(), src.allocatable)
				projected[di] = utilizationScore(dst.allocated.Add(wl.request), dst.allocatable)

				cand := candidateMove{src: si, dst: di, wl: wi, improvement: current - variance(projected)}
				if !found || better(cand, best, sim) {
					best = cand
					found = true
				}
			}
		}
	}
	return best, found
}

// better ranks candidate moves: larger improvement first, then the smaller
// workload (less data to move), then IDs.
func better(a, b candidateMove, sim []*simNode) bool {
	if a.improvement != b.improvement {
		return a.improvement > b.improvement
	}
	wa := sim[a.src].movable[a.wl]
	wb := sim[b.src].movable[b.wl]
	if wa.request.MemoryMiB != wb.request.MemoryMiB {
		return wa.request.MemoryMiB < wb.request.MemoryMiB
	}
	if wa.id != wb.id {
		return wa.id < wb.id
	}
	return sim[a.dst].id < sim[b.dst].id
}

// poolVariance is the population variance of the simulated nodes'
// utilization scores. Zero means perfectly even load.
func poolVariance(sim []*simNode) float64 {
	scores := make([]float64, len(sim))
	for i, n := range sim {
		scores[i] = n.score()
	}
	return variance(scores)
}

func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

// executePlan runs the planned moves one after another with the targets
// pinned to the analysis result. A failed move is recorded and does not
// stop the remaining ones; cancellation between moves does.
func (m *Manager) executePlan(ctx context.Context, plan *domain.RebalancePlan) {
	plan.Executed = true

	moved := 0
	for i, move := range plan.Moves {
		if ctx.Err() != nil {
			for _, rest := range plan.Moves[i:] {
				plan.Outcomes = append(plan.Outcomes, domain.EvacuationOutcome{
					WorkloadID: rest.WorkloadID,
					Error:      "not attempted: rebalance cancelled",
				})
			}
			break
		}

		wl, err := m.workloads.Get(ctx, move.WorkloadID)
		if err != nil {
			plan.Outcomes = append(plan.Outcomes, domain.EvacuationOutcome{
				WorkloadID: move.WorkloadID,
				Error:      err.Error(),
			})
			m.countMove("failed")
			continue
		}

		out := m.migrateOne(ctx, wl, move.TargetNodeID)
		plan.Outcomes = append(plan.Outcomes, out)
		if out.Migrated {
			moved++
			m.countMove("success")
		} else {
			m.countMove("failed")
		}
	}

	m.logger.Info("Rebalance executed",
		zap.Int("planned", len(plan.Moves)),
		zap.Int("moved", moved),
		zap.Float64("variance_before", plan.VarianceBefore),
		zap.Float64("variance_after", plan.VarianceAfter),
	)
}

func (m *Manager) countMove(outcome string) {
	if m.metrics != nil {
		m.metrics.RebalanceMoves.WithLabelValues(outcome).Inc()
	}
}
