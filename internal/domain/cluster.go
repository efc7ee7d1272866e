package domain

import (
	"time"
)

// ClusterHealth summarizes the pool for callers of the health endpoint.
type ClusterHealth struct {
	NodeCount        int `json:"node_count"`
	HealthyCount     int `json:"healthy_count"`
	UnhealthyCount   int `json:"unhealthy_count"`
	UnknownCount     int `json:"unknown_count"`
	MaintenanceCount int `json:"maintenance_count"`
	WorkloadCount    int `json:"workload_count"`

	Utilization UtilizationSummary `json:"utilization"`
	Nodes       []NodeUtilization  `json:"nodes,omitempty"`

	GeneratedAt time.Time `json:"generated_at"`
}

// UtilizationSummary aggregates allocation across schedulable nodes.
type UtilizationSummary struct {
	TotalCapacity  Resources `json:"total_capacity"`
	TotalAllocated Resources `json:"total_allocated"`

	// CPUPercent/MemoryPercent/DiskPercent are allocated over allocatable,
	// 0-100.
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// NodeUtilization is the per-node breakdown inside a cluster health report.
type NodeUtilization struct {
	NodeID        string     `json:"node_id"`
	Name          string     `json:"name"`
	Health        NodeHealth `json:"health"`
	Maintenance   bool       `json:"maintenance"`
	WorkloadCount int        `json:"workload_count"`
	Allocatable   Resources  `json:"allocatable"`
	Allocated     Resources  `json:"allocated"`

	// Score is the mean of the per-dimension utilizations, 0.0-1.0. The
	// rebalancer minimizes the variance of this value across nodes.
	Score float64 `json:"score"`
}

// EvacuationOutcome records what happened to one workload during an
// evacuation or rebalance pass.
type EvacuationOutcome struct {
	WorkloadID   string `json:"workload_id"`
	WorkloadName string `json:"workload_name,omitempty"`
	TargetNodeID string `json:"target_node_id,omitempty"`
	JobID        string `json:"job_id,omitempty"`
	Migrated     bool   `json:"migrated"`
	Error        string `json:"error,omitempty"`
}

// EvacuationReport is the per-workload outcome list returned by an
// evacuation. Either every workload migrated or the report says exactly
// which ones did before the operation stopped.
type EvacuationReport struct {
	NodeID     string              `json:"node_id"`
	Outcomes   []EvacuationOutcome `json:"outcomes"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
}

// Succeeded returns true if every workload migrated off the node.
func (r *EvacuationReport) Succeeded() bool {
	for _, o := range r.Outcomes {
		if !o.Migrated {
			return false
		}
	}
	return true
}

// RebalanceMove is one proposed relocation inside a rebalance plan.
type RebalanceMove struct {
	WorkloadID   string  `json:"workload_id"`
	SourceNodeID string  `json:"source_node_id"`
	TargetNodeID string  `json:"target_node_id"`
	Improvement  float64 `json:"improvement"`
}

// RebalancePlan is the outcome of a rebalance analysis. With dryRun the
// plan is returned as-is; otherwise Outcomes records the execution result
// per move.
type RebalancePlan struct {
	Moves    []RebalanceMove     `json:"moves"`
	Executed bool                `json:"executed"`
	Outcomes []EvacuationOutcome `json:"outcomes,omitempty"`

	// VarianceBefore/VarianceAfter are the utilization-score variances the
	// analysis started from and projects after all moves.
	VarianceBefore float64 `json:"variance_before"`
	VarianceAfter  float64 `json:"variance_after"`

	GeneratedAt time.Time `json:"generated_at"`
}
