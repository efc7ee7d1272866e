// Package ledger implements the authoritative resource accounting table for
// the node pool. All capacity reservations flow through it; placement and
// migration never mutate node or workload records to track allocation.
package ledger

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// NodeUsage is a point-in-time view of one node's accounting entry. The
// Version field feeds the compare-and-commit in TryReserve: a reservation
// taken against a stale version is rejected.
type NodeUsage struct {
	NodeID      string
	Capacity    domain.Resources
	Allocatable domain.Resources
	Allocated   domain.Resources
	Free        domain.Resources
	Workloads   int
	Version     uint64
}

// nodeAccount is the mutable ledger entry for one node.
type nodeAccount struct {
	capacity     domain.Resources
	allocatable  domain.Resources
	reservations map[string]domain.Resources
	version      uint64
}

func (a *nodeAccount) allocated() domain.Resources {
	var total domain.Resources
	for _, r := range a.reservations {
		total = total.Add(r)
	}
	return total
}

// Ledger tracks total and allocated capacity per node. Operations are short
// critical sections; nothing under the mutex performs I/O.
type Ledger struct {
	mu     sync.RWMutex
	nodes  map[string]*nodeAccount
	logger *zap.Logger
}

// New creates an empty ledger.
func New(logger *zap.Logger) *Ledger {
	return &Ledger{
		nodes:  make(map[string]*nodeAccount),
		logger: logger.Named("ledger"),
	}
}

// AddNode registers a node's capacity. Re-adding an existing node is a
// no-op so that hydration stays idempotent.
func (l *Ledger) AddNode(node *domain.ComputeNode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.nodes[node.ID]; ok {
		return
	}
	l.nodes[node.ID] = &nodeAccount{
		capacity:     node.Capacity,
		allocatable:  node.Allocatable(),
		reservations: make(map[string]domain.Resources),
	}
	l.logger.Debug("Node added to ledger",
		zap.String("node_id", node.ID),
		zap.Int32("cpu_cores", node.Capacity.CPUCores),
		zap.Int64("memory_mib", node.Capacity.MemoryMiB),
	)
}

// RemoveNode drops a node and all its reservations from the table.
func (l *Ledger) RemoveNode(nodeID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.nodes, nodeID)
}

// UpdateNodeCapacity replaces a node's capacity and overcommit-scaled
// allocatable totals. Existing reservations are kept even if they now
// exceed the new ceiling; only future reservations are checked against it.
func (l *Ledger) UpdateNodeCapacity(node *domain.ComputeNode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.nodes[node.ID]
	if !ok {
		return
	}
	acct.capacity = node.Capacity
	acct.allocatable = node.Allocatable()
	acct.version++
}

// Hydrate seeds the reservation for a workload already owned by a node,
// used when rebuilding the table from the persistence store at startup.
func (l *Ledger) Hydrate(nodeID, workloadID string, req domain.Resources) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.nodes[nodeID]
	if !ok {
		l.logger.Warn("Hydration references unknown node",
			zap.String("node_id", nodeID),
			zap.String("workload_id", workloadID),
		)
		return
	}
	acct.reservations[workloadID] = req
}

// Snapshot returns the accounting view for one node.
func (l *Ledger) Snapshot(nodeID string) (NodeUsage, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.nodes[nodeID]
	if !ok {
		return NodeUsage{}, false
	}
	return l.usageLocked(nodeID, acct), true
}

// SnapshotAll returns accounting views for every node, ordered by node ID
// so that iteration order is stable across calls.
func (l *Ledger) SnapshotAll() []NodeUsage {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]NodeUsage, 0, len(l.nodes))
	for id, acct := range l.nodes {
		out = append(out, l.usageLocked(id, acct))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func (l *Ledger) usageLocked(nodeID string, acct *nodeAccount) NodeUsage {
	allocated := acct.allocated()
	return NodeUsage{
		NodeID:      nodeID,
		Capacity:    acct.capacity,
		Allocatable: acct.allocatable,
		Allocated:   allocated,
		Free:        acct.allocatable.Sub(allocated).Clamped(),
		Workloads:   len(acct.reservations),
		Version:     acct.version,
	}
}

// AvailableCapacity returns the node's free capacity, clamped at zero.
func (l *Ledger) AvailableCapacity(nodeID string) (domain.Resources, error) {
	usage, ok := l.Snapshot(nodeID)
	if !ok {
		return domain.Resources{}, domain.ErrNotFound
	}
	return usage.Free, nil
}

// TryReserve commits a reservation for workloadID on nodeID if and only if
// the node's accounting has not changed since the caller read version, and
// the post-reservation allocation stays within the allocatable ceiling on
// every dimension. Returns domain.ErrReservationConflict on a lost race and
// domain.ErrInsufficientCapacity when the request does not fit.
func (l *Ledger) TryReserve(nodeID, workloadID string, req domain.Resources, version uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.nodes[nodeID]
	if !ok {
		return domain.ErrNotFound
	}
	if acct.version != version {
		return domain.ErrReservationConflict
	}
	if existing, ok := acct.reservations[workloadID]; ok {
		// Same workload, same request: already reserved, nothing to do.
		if existing == req {
			return nil
		}
		return domain.ErrAlreadyExists
	}

	projected := acct.allocated().Add(req)
	if !projected.Fits(acct.allocatable) {
		return domain.ErrInsufficientCapacity
	}

	acct.reservations[workloadID] = req
	acct.version++

	l.logger.Debug("Reservation committed",
		zap.String("node_id", nodeID),
		zap.String("workload_id", workloadID),
		zap.Int32("cpu_cores", req.CPUCores),
		zap.Int64("memory_mib", req.MemoryMiB),
		zap.Int64("disk_gib", req.DiskGiB),
	)
	return nil
}

// Release removes a workload's reservation from a node. It is idempotent:
// releasing an absent reservation is a no-op.
func (l *Ledger) Release(nodeID, workloadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	acct, ok := l.nodes[nodeID]
	if !ok {
		return
	}
	if _, ok := acct.reservations[workloadID]; !ok {
		return
	}
	delete(acct.reservations, workloadID)
	acct.version++

	l.logger.Debug("Reservation released",
		zap.String("node_id", nodeID),
		zap.String("workload_id", workloadID),
	)
}

// Reserved reports the reservation a workload holds on a node, if any.
func (l *Ledger) Reserved(nodeID, workloadID string) (domain.Resources, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	acct, ok := l.nodes[nodeID]
	if !ok {
		return domain.Resources{}, false
	}
	req, ok := acct.reservations[workloadID]
	return req, ok
}
