// Package migration drives workload relocations through a multi-stage state
// machine. This file contains the stage execution engine: it walks the
// stage sequence for the job's mode, bounds each stage with a timeout, and
// runs the rollback or abort path on failure.
package migration

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/hypervisor"
)

// execute runs all stages of one migration job. It owns the job from slot
// acquisition to terminal state.
func (o *Orchestrator) execute(run *jobRun) {
	defer o.wg.Done()
	defer o.active.Delete(run.job.ID)
	defer run.cancel()

	// Cluster-wide concurrency semaphore. Queued jobs stay in Pending.
	select {
	case o.slots <- struct{}{}:
	case <-run.ctx.Done():
		o.handleFailure(run, domain.StagePending, run.ctx.Err())
		return
	}
	defer func() { <-o.slots }()

	if o.metrics != nil {
		o.metrics.MigrationsActive.Inc()
		defer o.metrics.MigrationsActive.Dec()
	}

	for _, stage := range domain.StagesFor(run.job.Mode) {
		if err := o.enterStage(run, stage); err != nil {
			o.handleFailure(run, stage, err)
			return
		}
		if err := o.runStage(run, stage); err != nil {
			o.handleFailure(run, stage, err)
			return
		}
	}

	o.complete(run)
}

// enterStage advances the persisted job record to the given stage.
func (o *Orchestrator) enterStage(run *jobRun, stage domain.MigrationStage) error {
	run.job.Stage = stage
	run.job.StageUpdatedAt = time.Now()
	if err := o.jobs.Update(context.Background(), run.job); err != nil {
		return fmt.Errorf("persist stage %s: %w", stage, err)
	}

	o.logger.Info("Migration stage started",
		zap.String("job_id", run.job.ID),
		zap.String("workload_id", run.job.WorkloadID),
		zap.String("stage", string(stage)),
	)
	o.publish(run.job)
	return nil
}

// runStage executes one stage under its timeout and classifies the failure.
func (o *Orchestrator) runStage(run *jobRun, stage domain.MigrationStage) error {
	timeout := o.config.StageTimeout
	if stage == domain.StageCopyingDisk || stage == domain.StageStreamingState {
		timeout = o.config.TransferTimeout
	}
	stageCtx, cancel := context.WithTimeout(run.ctx, timeout)
	defer cancel()

	start := time.Now()
	err := o.dispatch(stageCtx, run, stage)
	elapsed := time.Since(start)

	if o.metrics != nil {
		o.metrics.StageDuration.WithLabelValues(string(run.job.Mode), string(stage)).Observe(elapsed.Seconds())
	}

	if err == nil {
		return nil
	}
	if run.ctx.Err() != nil {
		// Job-level cancellation, not a stage fault.
		return run.ctx.Err()
	}
	if errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
		return domain.NewStageTimeout(stage, err)
	}
	if errors.Is(err, domain.ErrPreflightIncompatible) {
		return err
	}
	return domain.NewStageError(stage, err)
}

// dispatch runs the work of a single stage.
func (o *Orchestrator) dispatch(ctx context.Context, run *jobRun, stage domain.MigrationStage) error {
	switch stage {
	case domain.StageStoppingSource:
		return o.stopSource(ctx, run)
	case domain.StageCopyingDisk:
		return o.driver.CopyDisk(ctx, run.source, run.target, run.workload.ID, o.transferOptions())
	case domain.StageProvisioningTarget:
		return o.driver.CreateWorkload(ctx, run.target, run.workload)
	case domain.StagePreflightCheck:
		return o.preflight(ctx, run)
	case domain.StageStreamingState:
		return o.driver.StreamState(ctx, run.source, run.target, run.workload.ID, o.transferOptions())
	case domain.StageSwitchover:
		return o.switchover(ctx, run)
	case domain.StageVerifying:
		return o.verifyTarget(ctx, run)
	case domain.StageStartingTarget:
		return o.startTarget(ctx, run)
	case domain.StageUpdatingOwnership:
		return o.updateOwnership(run)
	case domain.StageCleaningSource:
		return o.cleanSource(ctx, run)
	default:
		return fmt.Errorf("unknown migration stage %s", stage)
	}
}

func (o *Orchestrator) transferOptions() hypervisor.TransferOptions {
	return hypervisor.TransferOptions{
		BandwidthMbps:  o.config.BandwidthMbps,
		Compressed:     o.config.Compressed,
		TimeoutSeconds: int32(o.config.TransferTimeout / time.Second),
	}
}

// stopSource stops the workload on the source node. Already-stopped
// workloads move without a stop.
func (o *Orchestrator) stopSource(ctx context.Context, run *jobRun) error {
	if !run.wasRunning {
		return nil
	}
	if err := o.driver.StopWorkload(ctx, run.source, run.workload.ID, true); err != nil {
		return err
	}
	run.sourceStopped = true
	return nil
}

// preflight validates source/target compatibility before any data moves.
func (o *Orchestrator) preflight(ctx context.Context, run *jobRun) error {
	report, err := o.driver.Preflight(ctx, run.source, run.target, run.workload)
	if err != nil {
		return err
	}
	if !report.Compatible {
		reason := strings.Join(report.Reasons, "; ")
		if reason == "" {
			reason = "source and target reported incompatible"
		}
		return fmt.Errorf("%s: %w", reason, domain.ErrPreflightIncompatible)
	}
	return nil
}

// switchover pauses the source copy, transfers the final delta, and resumes
// on the target. After a successful switchover the target holds the running
// copy and the source is stopped.
func (o *Orchestrator) switchover(ctx context.Context, run *jobRun) error {
	if err := o.driver.Switchover(ctx, run.source, run.target, run.workload.ID); err != nil {
		return err
	}
	run.sourceStopped = true
	return nil
}

// verifyTarget checks the workload on the target. Offline migrations verify
// the copy is provisioned and at rest before it is started; live migrations
// verify the switched-over copy is running.
func (o *Orchestrator) verifyTarget(ctx context.Context, run *jobRun) error {
	status, err := o.driver.WorkloadStatus(ctx, run.target, run.workload.ID)
	if err != nil {
		return fmt.Errorf("query target copy: %w", err)
	}

	if run.job.Mode == domain.MigrationModeLive {
		if status.State == hypervisor.StatePaused {
			return fmt.Errorf("target copy is paused, switchover did not resume it")
		}
		if !status.IsRunning() {
			return fmt.Errorf("target copy is %s, expected %s", status.State, hypervisor.StateRunning)
		}
		return nil
	}
	if status.State == hypervisor.StateAbsent {
		return fmt.Errorf("target copy is absent after provisioning")
	}
	if status.IsRunning() {
		return fmt.Errorf("target copy is already running before ownership transfer")
	}
	return nil
}

// startTarget starts the provisioned copy on the target node. Workloads
// that were at rest before the migration stay at rest.
func (o *Orchestrator) startTarget(ctx context.Context, run *jobRun) error {
	if !run.wasRunning {
		return nil
	}
	return o.driver.StartWorkload(ctx, run.target, run.workload.ID)
}

// updateOwnership flips the workload's owning node to the target in one
// atomic write. This is the commit point: it runs only after the target
// copy is verified, and it is attempted exactly once.
func (o *Orchestrator) updateOwnership(run *jobRun) error {
	state := domain.WorkloadStateRunning
	if !run.wasRunning {
		state = domain.WorkloadStateStopped
	}
	if err := o.workloads.TransferOwnership(context.Background(), run.workload.ID, run.target.ID, state); err != nil {
		return err
	}
	run.committed = true
	run.workload.NodeID = run.target.ID
	run.workload.State = state
	return nil
}

// cleanSource removes the stale source copy and releases its capacity.
func (o *Orchestrator) cleanSource(ctx context.Context, run *jobRun) error {
	if err := o.driver.DeleteWorkload(ctx, run.source, run.workload.ID, true); err != nil {
		return fmt.Errorf("remove source copy: %w", err)
	}
	o.ledger.Release(run.source.ID, run.workload.ID)
	return nil
}

// complete marks the job Completed.
func (o *Orchestrator) complete(run *jobRun) {
	now := time.Now()
	run.job.Stage = domain.StageCompleted
	run.job.State = domain.MigrationStateCompleted
	run.job.StageUpdatedAt = now
	run.job.CompletedAt = &now
	if err := o.jobs.Update(context.Background(), run.job); err != nil {
		o.logger.Error("Failed to persist completed job",
			zap.String("job_id", run.job.ID),
			zap.Error(err),
		)
	}

	o.logger.Info("Migration completed",
		zap.String("job_id", run.job.ID),
		zap.String("workload_id", run.job.WorkloadID),
		zap.String("source_node", run.job.SourceNodeID),
		zap.String("target_node", run.job.TargetNodeID),
		zap.Duration("elapsed", now.Sub(run.job.StartedAt)),
	)
	o.publish(run.job)
	if o.metrics != nil {
		o.metrics.MigrationsTotal.WithLabelValues(
			string(run.job.Mode), string(domain.MigrationStateCompleted)).Inc()
	}
}

// handleFailure finalizes a failed or cancelled job. Failures before the
// ownership commit point roll back so the workload's owning node never
// changes; failures after it leave ownership on the target and only the
// source cleanup outstanding.
func (o *Orchestrator) handleFailure(run *jobRun, stage domain.MigrationStage, cause error) {
	cancelled := run.cancelled.Load() && errors.Is(cause, context.Canceled)

	state := domain.MigrationStateFailed
	reason := cause.Error()
	if cancelled {
		state = domain.MigrationStateCancelled
		reason = "cancelled by operator"
	}

	o.logger.Error("Migration failed",
		zap.String("job_id", run.job.ID),
		zap.String("workload_id", run.job.WorkloadID),
		zap.String("stage", string(stage)),
		zap.String("state", string(state)),
		zap.Error(cause),
	)

	if o.metrics != nil {
		timeout := "false"
		if errors.Is(cause, domain.ErrStageTimeout) {
			timeout = "true"
		}
		o.metrics.MigrationFailures.WithLabelValues(
			string(run.job.Mode), string(stage), timeout).Inc()
		o.metrics.MigrationsTotal.WithLabelValues(string(run.job.Mode), string(state)).Inc()
	}

	if !run.committed {
		o.rollback(run)
	}

	now := time.Now()
	run.job.State = state
	run.job.FailureReason = reason
	run.job.CompletedAt = &now
	if err := o.jobs.Update(context.Background(), run.job); err != nil {
		o.logger.Error("Failed to persist failed job",
			zap.String("job_id", run.job.ID),
			zap.Error(err),
		)
	}
	o.publish(run.job)
}

// rollback restores the pre-migration picture: the target copy and its
// reservation are discarded and the workload is returned to service on the
// source node. Ownership is untouched.
func (o *Orchestrator) rollback(run *jobRun) {
	ctx, cancel := context.WithTimeout(context.Background(), o.config.StageTimeout)
	defer cancel()

	o.logger.Info("Rolling back migration",
		zap.String("job_id", run.job.ID),
		zap.String("workload_id", run.job.WorkloadID),
		zap.String("source_node", run.source.ID),
	)

	// Discard whatever partial copy exists on the target.
	if err := o.driver.DeleteWorkload(ctx, run.target, run.workload.ID, true); err != nil &&
		!errors.Is(err, domain.ErrNotFound) {
		o.logger.Warn("Failed to remove partial target copy during rollback",
			zap.String("job_id", run.job.ID),
			zap.String("target_node", run.target.ID),
			zap.Error(err),
		)
	}
	o.ledger.Release(run.target.ID, run.workload.ID)

	restored := domain.WorkloadStateStopped
	if run.wasRunning {
		restored = domain.WorkloadStateRunning
		if run.sourceStopped {
			if err := o.driver.StartWorkload(ctx, run.source, run.workload.ID); err != nil {
				o.logger.Error("Failed to restart workload on source during rollback",
					zap.String("job_id", run.job.ID),
					zap.String("source_node", run.source.ID),
					zap.Error(err),
				)
				restored = domain.WorkloadStateError
			}
		}
	}

	if err := o.workloads.UpdateState(ctx, run.workload.ID, restored); err != nil {
		o.logger.Error("Failed to restore workload state during rollback",
			zap.String("job_id", run.job.ID),
			zap.String("workload_id", run.workload.ID),
			zap.Error(err),
		)
	}
}
