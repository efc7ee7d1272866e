package domain

import (
	"time"
)

// MigrationMode selects how a workload is relocated.
type MigrationMode string

const (
	// MigrationModeOffline stops the workload, copies its disk, and
	// restarts it on the target.
	MigrationModeOffline MigrationMode = "OFFLINE"
	// MigrationModeLive streams memory state while the workload keeps
	// running, then switches over.
	MigrationModeLive MigrationMode = "LIVE"
)

// Valid returns true for a known mode.
func (m MigrationMode) Valid() bool {
	return m == MigrationModeOffline || m == MigrationModeLive
}

// MigrationStage identifies a step of the relocation state machine.
type MigrationStage string

const (
	StagePending            MigrationStage = "PENDING"
	StageStoppingSource     MigrationStage = "STOPPING_SOURCE"
	StageCopyingDisk        MigrationStage = "COPYING_DISK"
	StageProvisioningTarget MigrationStage = "PROVISIONING_TARGET"
	StagePreflightCheck     MigrationStage = "PREFLIGHT_CHECK"
	StageStreamingState     MigrationStage = "STREAMING_STATE"
	StageSwitchover         MigrationStage = "SWITCHOVER"
	StageVerifying          MigrationStage = "VERIFYING"
	StageStartingTarget     MigrationStage = "STARTING_TARGET"
	StageUpdatingOwnership  MigrationStage = "UPDATING_OWNERSHIP"
	StageCleaningSource     MigrationStage = "CLEANING_SOURCE"
	StageCompleted          MigrationStage = "COMPLETED"
)

// OfflineStages is the stage sequence for an offline migration, in order.
// StageUpdatingOwnership is the commit point: failures before it roll back
// with ownership unchanged.
var OfflineStages = []MigrationStage{
	StageStoppingSource,
	StageCopyingDisk,
	StageProvisioningTarget,
	StageVerifying,
	StageStartingTarget,
	StageUpdatingOwnership,
	StageCleaningSource,
}

// LiveStages is the stage sequence for a live migration, in order.
var LiveStages = []MigrationStage{
	StagePreflightCheck,
	StageStreamingState,
	StageSwitchover,
	StageVerifying,
	StageUpdatingOwnership,
	StageCleaningSource,
}

// StagesFor returns the stage sequence for the given mode.
func StagesFor(mode MigrationMode) []MigrationStage {
	if mode == MigrationModeLive {
		return LiveStages
	}
	return OfflineStages
}

// MigrationState represents the overall state of a migration job.
type MigrationState string

const (
	MigrationStateRunning   MigrationState = "RUNNING"
	MigrationStateCompleted MigrationState = "COMPLETED"
	MigrationStateFailed    MigrationState = "FAILED"
	MigrationStateCancelled MigrationState = "CANCELLED"
)

// Terminal returns true once the job can no longer progress.
func (s MigrationState) Terminal() bool {
	switch s {
	case MigrationStateCompleted, MigrationStateFailed, MigrationStateCancelled:
		return true
	}
	return false
}

// MigrationJob tracks one in-flight workload relocation. At most one
// non-terminal job exists per workload at any time.
type MigrationJob struct {
	ID           string        `json:"id"`
	WorkloadID   string        `json:"workload_id"`
	SourceNodeID string        `json:"source_node_id"`
	TargetNodeID string        `json:"target_node_id"`
	Mode         MigrationMode `json:"mode"`

	Stage MigrationStage `json:"stage"`
	State MigrationState `json:"state"`

	FailureReason string `json:"failure_reason,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	StageUpdatedAt time.Time  `json:"stage_updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Active returns true while the job is non-terminal.
func (j *MigrationJob) Active() bool {
	return !j.State.Terminal()
}

// PastCommitPoint returns true once ownership has begun to transfer. Jobs
// past this point are never rolled back or cancelled.
func (j *MigrationJob) PastCommitPoint() bool {
	if j.Stage == StageUpdatingOwnership || j.Stage == StageCleaningSource ||
		j.Stage == StageCompleted {
		return true
	}
	return false
}
