// Package migration drives workload relocations through a multi-stage state
// machine. Offline migrations stop the workload, copy its disk, and restart
// it on the target; live migrations stream memory state and switch over with
// the workload running. UpdatingOwnership is the commit point: any failure
// before it rolls back with the workload's owning node unchanged.
package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/hypervisor"
	"github.com/virtforge/virtforge/internal/ledger"
	"github.com/virtforge/virtforge/internal/metrics"
	"github.com/virtforge/virtforge/internal/scheduler"
)

// JobRepository defines the migration job persistence used by the
// orchestrator. CreateIfNoneActive must be atomic: it fails with
// domain.ErrMigrationConflict when the workload already has a non-terminal
// job, and no two concurrent calls for the same workload can both succeed.
type JobRepository interface {
	CreateIfNoneActive(ctx context.Context, job *domain.MigrationJob) error
	Get(ctx context.Context, id string) (*domain.MigrationJob, error)
	Update(ctx context.Context, job *domain.MigrationJob) error
	ListActive(ctx context.Context) ([]*domain.MigrationJob, error)
	ListByWorkload(ctx context.Context, workloadID string) ([]*domain.MigrationJob, error)
}

// WorkloadRepository defines the workload persistence used by the
// orchestrator. TransferOwnership must update the owning node and lifecycle
// state in a single atomic write.
type WorkloadRepository interface {
	Get(ctx context.Context, id string) (*domain.Workload, error)
	UpdateState(ctx context.Context, id string, state domain.WorkloadState) error
	TransferOwnership(ctx context.Context, id, nodeID string, state domain.WorkloadState) error
}

// NodeGetter resolves node records.
type NodeGetter interface {
	Get(ctx context.Context, id string) (*domain.ComputeNode, error)
}

// EventPublisher publishes migration job events for real-time consumers.
type EventPublisher interface {
	PublishMigrationEvent(ctx context.Context, job *domain.MigrationJob) error
}

// StartRequest describes one migration to run.
type StartRequest struct {
	WorkloadID string
	// TargetNodeID pins the destination. Empty lets the placement engine
	// choose.
	TargetNodeID string
	Mode         domain.MigrationMode
	// Strategy is used only when the placement engine chooses the target.
	Strategy domain.PlacementStrategy
}

// jobRun is the in-memory execution context of one migration.
type jobRun struct {
	job      *domain.MigrationJob
	workload *domain.Workload
	source   *domain.ComputeNode
	target   *domain.ComputeNode

	// wasRunning records the workload state at initiation so rollback and
	// completion restore it faithfully.
	wasRunning bool

	sourceStopped bool
	committed     bool

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Orchestrator executes migration jobs. Jobs run in background goroutines,
// bounded by a cluster-wide concurrency semaphore.
type Orchestrator struct {
	config    Config
	jobs      JobRepository
	workloads WorkloadRepository
	nodes     NodeGetter
	driver    hypervisor.Driver
	ledger    *ledger.Ledger
	scheduler *scheduler.Scheduler
	publisher EventPublisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	slots  chan struct{}
	active sync.Map // jobID -> *jobRun
	wg     sync.WaitGroup
}

// New creates a migration orchestrator.
func New(
	cfg Config,
	jobs JobRepository,
	workloads WorkloadRepository,
	nodes NodeGetter,
	driver hypervisor.Driver,
	l *ledger.Ledger,
	sched *scheduler.Scheduler,
	publisher EventPublisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.MaxConcurrent < 1 {
		cfg.MaxConcurrent = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	return &Orchestrator{
		config:    cfg,
		jobs:      jobs,
		workloads: workloads,
		nodes:     nodes,
		driver:    driver,
		ledger:    l,
		scheduler: sched,
		publisher: publisher,
		metrics:   m,
		logger:    logger.With(zap.String("component", "migration")),
		slots:     make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Start validates the request, reserves target capacity, creates the job if
// the workload has no active one, and launches stage execution in the
// background. The returned job is in the Pending stage.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*domain.MigrationJob, error) {
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("invalid migration mode %q: %w", req.Mode, domain.ErrInvalidArgument)
	}

	wl, err := o.workloads.Get(ctx, req.WorkloadID)
	if err != nil {
		return nil, fmt.Errorf("get workload %s: %w", req.WorkloadID, err)
	}
	if !wl.IsPlaced() {
		return nil, fmt.Errorf("workload %s is not placed on any node: %w", wl.ID, domain.ErrInvalidArgument)
	}
	if req.Mode == domain.MigrationModeLive && wl.State != domain.WorkloadStateRunning {
		return nil, fmt.Errorf("live migration requires a running workload, state is %s: %w",
			wl.State, domain.ErrInvalidArgument)
	}

	source, err := o.nodes.Get(ctx, wl.NodeID)
	if err != nil {
		return nil, fmt.Errorf("get source node %s: %w", wl.NodeID, err)
	}
	pinned, err := o.validatePinnedTarget(ctx, source, req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job := &domain.MigrationJob{
		ID:             "mig-" + uuid.New().String(),
		WorkloadID:     wl.ID,
		SourceNodeID:   source.ID,
		Mode:           req.Mode,
		Stage:          domain.StagePending,
		State:          domain.MigrationStateRunning,
		StartedAt:      now,
		StageUpdatedAt: now,
	}

	// Atomic uniqueness guard, before any capacity is reserved: at most one
	// active job per workload, so no losing request can ever release a
	// reservation the winning job depends on.
	if err := o.jobs.CreateIfNoneActive(ctx, job); err != nil {
		return nil, fmt.Errorf("create migration job for workload %s: %w", wl.ID, err)
	}

	target, err := o.reserveTarget(ctx, wl, source, pinned, req.Strategy)
	if err != nil {
		o.failBeforeExecution(job, err)
		return nil, err
	}
	job.TargetNodeID = target.ID
	if err := o.jobs.Update(ctx, job); err != nil {
		o.ledger.Release(target.ID, wl.ID)
		o.failBeforeExecution(job, fmt.Errorf("persist target node: %w", err))
		return nil, err
	}

	wasRunning := wl.State == domain.WorkloadStateRunning
	if err := o.workloads.UpdateState(ctx, wl.ID, domain.WorkloadStateMigrating); err != nil {
		o.ledger.Release(target.ID, wl.ID)
		o.failBeforeExecution(job, fmt.Errorf("mark workload migrating: %w", err))
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &jobRun{
		job:        job,
		workload:   wl,
		source:     source,
		target:     target,
		wasRunning: wasRunning,
		ctx:        runCtx,
		cancel:     cancel,
	}
	o.active.Store(job.ID, run)

	o.logger.Info("Migration started",
		zap.String("job_id", job.ID),
		zap.String("workload_id", wl.ID),
		zap.String("source_node", source.ID),
		zap.String("target_node", target.ID),
		zap.String("mode", string(req.Mode)),
	)
	o.publish(job)

	o.wg.Add(1)
	go o.execute(run)

	return job, nil
}

// validatePinnedTarget checks an operator-pinned target without side
// effects. Returns nil when no target is pinned.
func (o *Orchestrator) validatePinnedTarget(ctx context.Context, source *domain.ComputeNode, req StartRequest) (*domain.ComputeNode, error) {
	if req.TargetNodeID == "" {
		return nil, nil
	}
	if req.TargetNodeID == source.ID {
		return nil, fmt.Errorf("target node equals source node %s: %w", source.ID, domain.ErrInvalidArgument)
	}
	target, err := o.nodes.Get(ctx, req.TargetNodeID)
	if err != nil {
		return nil, fmt.Errorf("get target node %s: %w", req.TargetNodeID, err)
	}
	if !target.IsSchedulable() {
		return nil, fmt.Errorf("target node %s is unhealthy or in maintenance: %w",
			target.ID, domain.ErrUnavailable)
	}
	return target, nil
}

// reserveTarget reserves destination capacity. A pinned target is reserved
// directly; otherwise the placement engine selects one, excluding the
// source. Runs only after the job uniqueness guard, so the reservation
// belongs to exactly this job.
func (o *Orchestrator) reserveTarget(ctx context.Context, wl *domain.Workload, source, pinned *domain.ComputeNode, strat domain.PlacementStrategy) (*domain.ComputeNode, error) {
	if pinned != nil {
		if err := o.reservePinned(pinned.ID, wl); err != nil {
			return nil, err
		}
		return pinned, nil
	}

	if strat == "" {
		strat = domain.StrategyBalanced
	}
	decision, err := o.scheduler.SelectNode(ctx, wl, domain.PlacementConstraints{}, strat, source.ID)
	if err != nil {
		return nil, fmt.Errorf("select target for workload %s: %w", wl.ID, err)
	}
	target, err := o.nodes.Get(ctx, decision.NodeID)
	if err != nil {
		o.ledger.Release(decision.NodeID, wl.ID)
		return nil, fmt.Errorf("get target node %s: %w", decision.NodeID, err)
	}
	return target, nil
}

// reservePinned reserves capacity on an operator-pinned target with a
// bounded compare-and-commit retry loop.
func (o *Orchestrator) reservePinned(targetID string, wl *domain.Workload) error {
	var lastErr error
	for attempt := 0; attempt < o.config.ReserveRetries; attempt++ {
		usage, ok := o.ledger.Snapshot(targetID)
		if !ok {
			return fmt.Errorf("target node %s not in ledger: %w", targetID, domain.ErrNotFound)
		}
		err := o.ledger.TryReserve(targetID, wl.ID, wl.Request, usage.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domain.ErrReservationConflict) {
			return fmt.Errorf("reserve on target node %s: %w", targetID, err)
		}
		lastErr = err
		if o.metrics != nil {
			o.metrics.ReservationRetries.Inc()
		}
	}
	return fmt.Errorf("reserve on target node %s: %w", targetID, lastErr)
}

// Status returns the current job record.
func (o *Orchestrator) Status(ctx context.Context, jobID string) (*domain.MigrationJob, error) {
	return o.jobs.Get(ctx, jobID)
}

// Await blocks until the job reaches a terminal state and returns its final
// record. Callers that run migrations sequentially, such as an evacuation,
// use this between Start calls.
func (o *Orchestrator) Await(ctx context.Context, jobID string) (*domain.MigrationJob, error) {
	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		job, err := o.jobs.Get(ctx, jobID)
		if err != nil {
			return nil, fmt.Errorf("get migration job %s: %w", jobID, err)
		}
		if job.State.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListActive returns all non-terminal jobs.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*domain.MigrationJob, error) {
	return o.jobs.ListActive(ctx)
}

// ListByWorkload returns the migration history of a workload.
func (o *Orchestrator) ListByWorkload(ctx context.Context, workloadID string) ([]*domain.MigrationJob, error) {
	return o.jobs.ListByWorkload(ctx, workloadID)
}

// Cancel requests cooperative cancellation of a running job. Jobs past the
// ownership commit point are never cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, jobID string) error {
	job, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("get migration job %s: %w", jobID, err)
	}
	if job.State.Terminal() {
		return fmt.Errorf("migration job %s is already %s: %w", jobID, job.State, domain.ErrConflict)
	}
	if job.PastCommitPoint() {
		return fmt.Errorf("migration job %s is past the ownership commit point: %w", jobID, domain.ErrConflict)
	}

	value, ok := o.active.Load(jobID)
	if !ok {
		return fmt.Errorf("migration job %s is not executing on this instance: %w", jobID, domain.ErrUnavailable)
	}
	run := value.(*jobRun)
	run.cancelled.Store(true)
	run.cancel()

	o.logger.Info("Migration cancellation requested",
		zap.String("job_id", jobID),
		zap.String("stage", string(job.Stage)),
	)
	return nil
}

// ActiveCount returns the number of jobs tracked by this instance.
func (o *Orchestrator) ActiveCount() int {
	count := 0
	o.active.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// Drain blocks until all in-flight jobs finish or the context expires.
func (o *Orchestrator) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain migrations: %w", ctx.Err())
	}
}

// failBeforeExecution marks a freshly created job failed when setup work
// after the create could not complete.
func (o *Orchestrator) failBeforeExecution(job *domain.MigrationJob, cause error) {
	now := time.Now()
	job.State = domain.MigrationStateFailed
	job.FailureReason = cause.Error()
	job.CompletedAt = &now
	if err := o.jobs.Update(context.Background(), job); err != nil {
		o.logger.Error("Failed to persist job failure",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
	o.publish(job)
}

func (o *Orchestrator) publish(job *domain.MigrationJob) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.publisher.PublishMigrationEvent(ctx, job); err != nil {
		o.logger.Warn("Failed to publish migration event",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}
