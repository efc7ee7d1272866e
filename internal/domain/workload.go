package domain

import (
	"time"
)

// WorkloadState represents the lifecycle state of a workload.
type WorkloadState string

const (
	WorkloadStateProvisioning WorkloadState = "PROVISIONING"
	WorkloadStateRunning      WorkloadState = "RUNNING"
	WorkloadStateStopped      WorkloadState = "STOPPED"
	WorkloadStateMigrating    WorkloadState = "MIGRATING"
	WorkloadStateError        WorkloadState = "ERROR"
	WorkloadStateDeleted      WorkloadState = "DELETED"
)

// Workload represents a virtual-machine deployment, the unit of placement.
// A workload is owned by exactly one node once placed; ownership transfers
// only at migration completion.
type Workload struct {
	ID     string            `json:"id"`
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`

	// NodeID is the owning node. Empty before provisioning completes and
	// after deletion.
	NodeID string `json:"node_id,omitempty"`

	Request Resources     `json:"request"`
	State   WorkloadState `json:"state"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsPlaced returns true if the workload currently owns capacity on a node.
func (w *Workload) IsPlaced() bool {
	return w.NodeID != "" && w.State != WorkloadStateDeleted
}

// IsRunning returns true if the workload is executing on its node.
func (w *Workload) IsRunning() bool {
	return w.State == WorkloadStateRunning
}

// PlacementConstraints carries the affinity rules attached to a single
// placement request. Constraints are request-scoped and never persisted on
// the node.
type PlacementConstraints struct {
	// PreferredNodes is a soft whitelist; matching nodes score higher but
	// non-matching nodes remain eligible.
	PreferredNodes []string `json:"preferred_nodes,omitempty"`

	// ExcludedNodes is a hard blacklist.
	ExcludedNodes []string `json:"excluded_nodes,omitempty"`

	// CoLocateWith pins the placement to the node owning the referenced
	// workload.
	CoLocateWith string `json:"co_locate_with,omitempty"`

	// SeparateFrom forbids the node owning the referenced workload.
	SeparateFrom string `json:"separate_from,omitempty"`
}

// IsEmpty returns true if no constraint is set.
func (c PlacementConstraints) IsEmpty() bool {
	return len(c.PreferredNodes) == 0 && len(c.ExcludedNodes) == 0 &&
		c.CoLocateWith == "" && c.SeparateFrom == ""
}

// Excludes returns true if nodeID is on the hard blacklist.
func (c PlacementConstraints) Excludes(nodeID string) bool {
	for _, id := range c.ExcludedNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// Prefers returns true if nodeID is on the soft whitelist.
func (c PlacementConstraints) Prefers(nodeID string) bool {
	for _, id := range c.PreferredNodes {
		if id == nodeID {
			return true
		}
	}
	return false
}

// PlacementStrategy selects how candidate nodes are ranked.
type PlacementStrategy string

const (
	// StrategyBalanced spreads load evenly by free capacity.
	StrategyBalanced PlacementStrategy = "BALANCED"
	// StrategyPacked fills partially-used nodes first (bin-packing).
	StrategyPacked PlacementStrategy = "PACKED"
	// StrategySpread maximizes distribution by workload count.
	StrategySpread PlacementStrategy = "SPREAD"
)

// Valid returns true for a known strategy.
func (s PlacementStrategy) Valid() bool {
	switch s {
	case StrategyBalanced, StrategyPacked, StrategySpread:
		return true
	}
	return false
}
