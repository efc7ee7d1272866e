package scheduler

import (
	"fmt"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/ledger"
)

// strategy ranks a candidate node for a request. Higher scores win; ties
// are broken by node ID.
type strategy interface {
	// Score rates the node on a 0-100 scale given the projected state
	// after the reservation lands.
	Score(usage ledger.NodeUsage, req domain.Resources) float64
}

// strategyFor maps the request-level strategy to its implementation.
func strategyFor(s domain.PlacementStrategy) (strategy, error) {
	switch s {
	case domain.StrategyBalanced:
		return balancedStrategy{}, nil
	case domain.StrategyPacked:
		return packedStrategy{}, nil
	case domain.StrategySpread:
		return spreadStrategy{}, nil
	}
	return nil, fmt.Errorf("%w: unknown placement strategy %q", domain.ErrInvalidArgument, s)
}

// balancedStrategy prefers the node that keeps the most normalized free
// capacity after placement, spreading load evenly by utilization.
type balancedStrategy struct{}

func (balancedStrategy) Score(usage ledger.NodeUsage, req domain.Resources) float64 {
	return freeFractionAfter(usage, req) * 100.0
}

// packedStrategy inverts the balanced metric so partially-used nodes fill
// up before a fresh node is opened.
type packedStrategy struct{}

func (packedStrategy) Score(usage ledger.NodeUsage, req domain.Resources) float64 {
	return (1.0 - freeFractionAfter(usage, req)) * 100.0
}

// spreadStrategy ranks purely by workload count, fewest first, regardless
// of utilization percentages.
type spreadStrategy struct{}

func (spreadStrategy) Score(usage ledger.NodeUsage, _ domain.Resources) float64 {
	return 100.0 - float64(usage.Workloads)*5.0
}

// freeFractionAfter is the mean of the per-dimension free fractions the
// node would keep once the request is committed, in [0, 1]. Dimensions
// with zero allocatable capacity are skipped.
func freeFractionAfter(usage ledger.NodeUsage, req domain.Resources) float64 {
	projected := usage.Allocated.Add(req)

	var sum float64
	var dims int

	if usage.Allocatable.CPUCores > 0 {
		sum += 1.0 - float64(projected.CPUCores)/float64(usage.Allocatable.CPUCores)
		dims++
	}
	if usage.Allocatable.MemoryMiB > 0 {
		sum += 1.0 - float64(projected.MemoryMiB)/float64(usage.Allocatable.MemoryMiB)
		dims++
	}
	if usage.Allocatable.DiskGiB > 0 {
		sum += 1.0 - float64(projected.DiskGiB)/float64(usage.Allocatable.DiskGiB)
		dims++
	}

	if dims == 0 {
		return 0
	}
	return sum / float64(dims)
}
