// Package hypervisor provides the driver layer for talking to node agents.
// This file contains the driver interface and its request/response types.
package hypervisor

import (
	"context"

	"github.com/virtforge/virtforge/internal/domain"
)

// Workload run states as reported by node agents.
const (
	StateRunning = "running"
	StateStopped = "stopped"
	StatePaused  = "paused"
	StateAbsent  = "absent"
)

// WorkloadStatus is the agent-side view of a workload.
type WorkloadStatus struct {
	WorkloadID    string `json:"workload_id"`
	Name          string `json:"name"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// IsRunning reports whether the workload is executing on the node.
func (s *WorkloadStatus) IsRunning() bool {
	return s.State == StateRunning
}

// PreflightReport is the result of a live-migration compatibility check
// between a source and a target node.
type PreflightReport struct {
	Compatible       bool     `json:"compatible"`
	Reasons          []string `json:"reasons,omitempty"`
	CPUModel         string   `json:"cpu_model"`
	EmulatorVersion  string   `json:"emulator_version"`
	RemainingVCPU    int64    `json:"remaining_vcpu"`
	RemainingRAMMiB  int64    `json:"remaining_ram_mib"`
	RemainingDiskGiB int64    `json:"remaining_disk_gib"`
}

// TransferOptions tune disk copies and live state streaming.
type TransferOptions struct {
	BandwidthMbps  uint64 `json:"bandwidth_mbps,omitempty"`
	Compressed     bool   `json:"compressed,omitempty"`
	TimeoutSeconds int32  `json:"timeout_seconds,omitempty"`
}

// Driver abstracts the node agent operations used by the workload service
// and the migration orchestrator. Implementations must be safe for
// concurrent use.
type Driver interface {
	// Probe checks that the node agent is reachable and responsive.
	Probe(ctx context.Context, node *domain.ComputeNode) error

	// CreateWorkload defines the workload on the node without starting it.
	CreateWorkload(ctx context.Context, node *domain.ComputeNode, wl *domain.Workload) error

	// StartWorkload starts a defined workload.
	StartWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string) error

	// StopWorkload stops a workload. Graceful stops wait for a clean guest
	// shutdown; non-graceful stops power it off.
	StopWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string, graceful bool) error

	// DeleteWorkload removes the workload definition and, optionally, its
	// local disk data.
	DeleteWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string, removeDisk bool) error

	// WorkloadStatus queries the current run state of a workload.
	WorkloadStatus(ctx context.Context, node *domain.ComputeNode, workloadID string) (*WorkloadStatus, error)

	// CopyDisk copies the workload's disk from source to target while the
	// workload is stopped.
	CopyDisk(ctx context.Context, source, target *domain.ComputeNode, workloadID string, opts TransferOptions) error

	// StreamState streams memory and dirty pages from source to target while
	// the workload keeps running.
	StreamState(ctx context.Context, source, target *domain.ComputeNode, workloadID string, opts TransferOptions) error

	// Switchover pauses the workload on the source, transfers the final
	// delta, and resumes it on the target.
	Switchover(ctx context.Context, source, target *domain.ComputeNode, workloadID string) error

	// Preflight checks source/target compatibility for a live migration.
	Preflight(ctx context.Context, source, target *domain.ComputeNode, wl *domain.Workload) (*PreflightReport, error)
}
