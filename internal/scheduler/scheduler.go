package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/ledger"
)

// Scheduler determines which node should host a workload.
type Scheduler struct {
	ledger    *ledger.Ledger
	health    HealthView
	workloads WorkloadGetter
	config    Config
	logger    *zap.Logger
}

// New creates a new Scheduler instance.
func New(l *ledger.Ledger, health HealthView, workloads WorkloadGetter, config Config, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		ledger:    l,
		health:    health,
		workloads: workloads,
		config:    config,
		logger:    logger.With(zap.String("component", "scheduler")),
	}
}

// Decision contains the placement decision.
type Decision struct {
	NodeID   string
	Score    float64
	Attempts int
}

// DefaultStrategy returns the configured fallback for requests that do not
// name a strategy.
func (s *Scheduler) DefaultStrategy() domain.PlacementStrategy {
	strat := domain.PlacementStrategy(strings.ToUpper(s.config.DefaultStrategy))
	if !strat.Valid() {
		return domain.StrategyBalanced
	}
	return strat
}

// SelectNode picks the best node for the workload and commits its
// reservation in the ledger. On a reservation conflict the candidate set is
// recomputed and the placement retried up to the configured bound.
//
// excludeNodes removes nodes from consideration for operational reasons
// (e.g. the source node of an evacuation); unlike the request's
// excluded-nodes constraint it does not count as an affinity failure.
func (s *Scheduler) SelectNode(ctx context.Context, wl *domain.Workload, constraints domain.PlacementConstraints, strat domain.PlacementStrategy, excludeNodes ...string) (*Decision, error) {
	logger := s.logger.With(
		zap.String("workload_id", wl.ID),
		zap.String("strategy", string(strat)),
		zap.Int32("requested_cpu_cores", wl.Request.CPUCores),
		zap.Int64("requested_memory_mib", wl.Request.MemoryMiB),
		zap.Int64("requested_disk_gib", wl.Request.DiskGiB),
		zap.Bool("constrained", !constraints.IsEmpty()),
	)
	logger.Info("Starting placement for workload")

	scorer, err := strategyFor(strat)
	if err != nil {
		return nil, err
	}
	exclude := toSet(excludeNodes)

	for attempt := 1; attempt <= s.config.MaxReserveRetries; attempt++ {
		ranked, err := s.rank(ctx, wl.Request, constraints, scorer, exclude, nil)
		if err != nil {
			logger.Warn("No candidate nodes for placement", zap.Error(err), zap.Int("attempt", attempt))
			return nil, err
		}

		best := ranked[0]
		err = s.ledger.TryReserve(best.usage.NodeID, wl.ID, wl.Request, best.usage.Version)
		if err == nil {
			logger.Info("Placed workload",
				zap.String("node_id", best.usage.NodeID),
				zap.Float64("score", best.score),
				zap.Int("attempt", attempt),
				zap.Int("candidates", len(ranked)),
			)
			return &Decision{NodeID: best.usage.NodeID, Score: best.score, Attempts: attempt}, nil
		}
		if errors.Is(err, domain.ErrReservationConflict) {
			// Another placement changed availability between the snapshot
			// and the commit; recompute and try again.
			logger.Debug("Reservation conflict, recomputing candidates",
				zap.String("node_id", best.usage.NodeID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		logger.Error("Reservation failed", zap.String("node_id", best.usage.NodeID), zap.Error(err))
		return nil, err
	}

	logger.Warn("Placement retries exhausted", zap.Int("retries", s.config.MaxReserveRetries))
	return nil, fmt.Errorf("placement failed after %d attempts: %w", s.config.MaxReserveRetries, domain.ErrReservationConflict)
}

// Preview runs the same candidate pipeline as SelectNode but commits
// nothing, for dry-run feasibility checks such as the evacuation pre-check.
func (s *Scheduler) Preview(ctx context.Context, req domain.Resources, constraints domain.PlacementConstraints, strat domain.PlacementStrategy, excludeNodes ...string) (*Decision, error) {
	scorer, err := strategyFor(strat)
	if err != nil {
		return nil, err
	}

	ranked, err := s.rank(ctx, req, constraints, scorer, toSet(excludeNodes), nil)
	if err != nil {
		return nil, err
	}
	best := ranked[0]
	return &Decision{NodeID: best.usage.NodeID, Score: best.score, Attempts: 1}, nil
}

// SimRequest is one placement to simulate inside PreviewSequence.
type SimRequest struct {
	WorkloadID string
	Request    domain.Resources
}

// PreviewSequence simulates placing the requests one after another without
// committing anything. Capacity consumed by earlier requests in the
// sequence is held against later ones, so the result answers whether the
// whole set fits at once, not just each request in isolation. Returns the
// simulated workload-to-node assignment, or the first request that could
// not be placed wrapped around the underlying cause.
func (s *Scheduler) PreviewSequence(ctx context.Context, reqs []SimRequest, strat domain.PlacementStrategy, excludeNodes ...string) (map[string]string, error) {
	scorer, err := strategyFor(strat)
	if err != nil {
		return nil, err
	}

	exclude := toSet(excludeNodes)
	overlay := make(map[string]simDelta)
	assignment := make(map[string]string, len(reqs))

	for _, r := range reqs {
		ranked, err := s.rank(ctx, r.Request, domain.PlacementConstraints{}, scorer, exclude, overlay)
		if err != nil {
			return nil, fmt.Errorf("workload %s: %w", r.WorkloadID, err)
		}
		best := ranked[0]
		d := overlay[best.usage.NodeID]
		d.used = d.used.Add(r.Request)
		d.count++
		overlay[best.usage.NodeID] = d
		assignment[r.WorkloadID] = best.usage.NodeID
	}
	return assignment, nil
}

type scoredNode struct {
	usage ledger.NodeUsage
	score float64
}

// simDelta is capacity assumed consumed on a node by earlier entries of a
// PreviewSequence simulation.
type simDelta struct {
	used  domain.Resources
	count int
}

// rank returns the scored candidates sorted best-first, or the specific
// failure cause when the candidate set is empty. A non-nil overlay charges
// simulated usage against the snapshots before filtering and scoring.
func (s *Scheduler) rank(ctx context.Context, req domain.Resources, constraints domain.PlacementConstraints, scorer strategy, exclude map[string]bool, overlay map[string]simDelta) ([]scoredNode, error) {
	all := s.ledger.SnapshotAll()

	universe := all[:0:0]
	for _, u := range all {
		if !exclude[u.NodeID] {
			if d, ok := overlay[u.NodeID]; ok {
				u.Allocated = u.Allocated.Add(d.used)
				u.Free = u.Free.Sub(d.used).Clamped()
				u.Workloads += d.count
			}
			universe = append(universe, u)
		}
	}

	var schedulable []ledger.NodeUsage
	for _, u := range universe {
		if s.health.Schedulable(u.NodeID) {
			schedulable = append(schedulable, u)
		}
	}
	if len(schedulable) == 0 {
		return nil, fmt.Errorf("%w: %d nodes known, none schedulable", domain.ErrAllNodesUnavailable, len(universe))
	}

	pinned, forbidden, err := s.resolveAffinityOwners(ctx, constraints)
	if err != nil {
		return nil, err
	}

	var eligible []ledger.NodeUsage
	for _, u := range schedulable {
		if constraints.Excludes(u.NodeID) {
			continue
		}
		if forbidden != "" && u.NodeID == forbidden {
			continue
		}
		if pinned != "" && u.NodeID != pinned {
			continue
		}
		eligible = append(eligible, u)
	}

	var fitting []ledger.NodeUsage
	for _, u := range eligible {
		if req.Fits(u.Free) {
			fitting = append(fitting, u)
		}
	}

	if len(fitting) == 0 {
		return nil, s.emptyCandidateCause(req, schedulable, eligible)
	}

	scored := make([]scoredNode, len(fitting))
	for i, u := range fitting {
		sc := scorer.Score(u, req)
		if constraints.Prefers(u.NodeID) {
			sc += s.config.PreferredNodeBonus
		}
		scored[i] = scoredNode{usage: u, score: sc}
	}

	// Best score first; identical scores fall back to the lexicographically
	// smallest node ID so that identical inputs always pick the same node.
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].usage.NodeID < scored[j].usage.NodeID
	})
	return scored, nil
}

// resolveAffinityOwners looks up the owning nodes referenced by
// co-locate-with and separate-from constraints.
func (s *Scheduler) resolveAffinityOwners(ctx context.Context, constraints domain.PlacementConstraints) (pinned, forbidden string, err error) {
	if constraints.CoLocateWith != "" {
		owner, err := s.workloads.Get(ctx, constraints.CoLocateWith)
		if err != nil {
			return "", "", fmt.Errorf("co-locate-with workload %s: %w", constraints.CoLocateWith, err)
		}
		if owner.NodeID == "" {
			return "", "", fmt.Errorf("%w: co-locate-with workload %s is not placed", domain.ErrAffinityUnsatisfiable, constraints.CoLocateWith)
		}
		pinned = owner.NodeID
	}
	if constraints.SeparateFrom != "" {
		owner, err := s.workloads.Get(ctx, constraints.SeparateFrom)
		if err != nil {
			return "", "", fmt.Errorf("separate-from workload %s: %w", constraints.SeparateFrom, err)
		}
		forbidden = owner.NodeID
	}
	return pinned, forbidden, nil
}

// emptyCandidateCause distinguishes why no candidate survived: affinity
// excluded nodes that could have fit, or capacity was short everywhere.
func (s *Scheduler) emptyCandidateCause(req domain.Resources, schedulable, eligible []ledger.NodeUsage) error {
	if len(eligible) == 0 {
		for _, u := range schedulable {
			if req.Fits(u.Free) {
				return fmt.Errorf("%w: %d schedulable nodes all excluded by constraints", domain.ErrAffinityUnsatisfiable, len(schedulable))
			}
		}
		return fmt.Errorf("%w: no schedulable node fits the request", domain.ErrInsufficientCapacity)
	}
	return fmt.Errorf("%w: %d eligible nodes, none with enough free capacity", domain.ErrInsufficientCapacity, len(eligible))
}

func toSet(ids []string) map[string]bool {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
