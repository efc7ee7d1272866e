package domain

import (
	"time"
)

// NodeHealth represents the probed health of a compute node.
type NodeHealth string

const (
	NodeHealthUnknown   NodeHealth = "UNKNOWN"
	NodeHealthHealthy   NodeHealth = "HEALTHY"
	NodeHealthUnhealthy NodeHealth = "UNHEALTHY"
)

// ComputeNode represents a physical host offering capacity for workloads.
type ComputeNode struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Hostname  string            `json:"hostname"`
	AgentAddr string            `json:"agent_addr"`
	Labels    map[string]string `json:"labels,omitempty"`

	Capacity   Resources       `json:"capacity"`
	Overcommit OvercommitRatio `json:"overcommit"`

	Maintenance bool       `json:"maintenance"`
	Health      NodeHealth `json:"health"`

	// ProbeFailures counts consecutive failed health probes. Reset to
	// zero on the first successful probe.
	ProbeFailures int        `json:"probe_failures"`
	LastProbeAt   *time.Time `json:"last_probe_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Resources represents capacity or a reservation along the three
// scheduling dimensions.
type Resources struct {
	CPUCores  int32 `json:"cpu_cores"`
	MemoryMiB int64 `json:"memory_mib"`
	DiskGiB   int64 `json:"disk_gib"`
}

// IsZero returns true if all dimensions are zero.
func (r Resources) IsZero() bool {
	return r.CPUCores == 0 && r.MemoryMiB == 0 && r.DiskGiB == 0
}

// Add returns the dimension-wise sum of two resource vectors.
func (r Resources) Add(other Resources) Resources {
	return Resources{
		CPUCores:  r.CPUCores + other.CPUCores,
		MemoryMiB: r.MemoryMiB + other.MemoryMiB,
		DiskGiB:   r.DiskGiB + other.DiskGiB,
	}
}

// Sub returns the dimension-wise difference of two resource vectors.
func (r Resources) Sub(other Resources) Resources {
	return Resources{
		CPUCores:  r.CPUCores - other.CPUCores,
		MemoryMiB: r.MemoryMiB - other.MemoryMiB,
		DiskGiB:   r.DiskGiB - other.DiskGiB,
	}
}

// Fits returns true if r is at most avail on every dimension.
func (r Resources) Fits(avail Resources) bool {
	return r.CPUCores <= avail.CPUCores &&
		r.MemoryMiB <= avail.MemoryMiB &&
		r.DiskGiB <= avail.DiskGiB
}

// Clamped returns r with every negative dimension raised to zero.
func (r Resources) Clamped() Resources {
	out := r
	if out.CPUCores < 0 {
		out.CPUCores = 0
	}
	if out.MemoryMiB < 0 {
		out.MemoryMiB = 0
	}
	if out.DiskGiB < 0 {
		out.DiskGiB = 0
	}
	return out
}

// OvercommitRatio holds the per-dimension overcommit factors for a node.
// Each factor must be >= 1.0; disk is normally left at 1.0.
type OvercommitRatio struct {
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Disk   float64 `json:"disk"`
}

// DefaultOvercommit returns the stock overcommit configuration.
func DefaultOvercommit() OvercommitRatio {
	return OvercommitRatio{CPU: 4.0, Memory: 1.5, Disk: 1.0}
}

// Normalized returns the ratio with every factor below 1.0 raised to 1.0.
func (o OvercommitRatio) Normalized() OvercommitRatio {
	out := o
	if out.CPU < 1.0 {
		out.CPU = 1.0
	}
	if out.Memory < 1.0 {
		out.Memory = 1.0
	}
	if out.Disk < 1.0 {
		out.Disk = 1.0
	}
	return out
}

// Allocatable returns the node's capacity scaled by its overcommit ratios.
func (n *ComputeNode) Allocatable() Resources {
	ratio := n.Overcommit.Normalized()
	return Resources{
		CPUCores:  int32(float64(n.Capacity.CPUCores) * ratio.CPU),
		MemoryMiB: int64(float64(n.Capacity.MemoryMiB) * ratio.Memory),
		DiskGiB:   int64(float64(n.Capacity.DiskGiB) * ratio.Disk),
	}
}

// IsSchedulable returns true if workloads may be placed on this node.
func (n *ComputeNode) IsSchedulable() bool {
	return !n.Maintenance && n.Health == NodeHealthHealthy
}
