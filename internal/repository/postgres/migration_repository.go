package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// MigrationJobRepository implements the migration job repository using
// PostgreSQL.
type MigrationJobRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewMigrationJobRepository creates a new PostgreSQL migration job
// repository.
func NewMigrationJobRepository(db *DB, logger *zap.Logger) *MigrationJobRepository {
	return &MigrationJobRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "migration_job")),
	}
}

const jobColumns = `
	id, workload_id, source_node_id, target_node_id, mode, stage, state,
	failure_reason, started_at, stage_updated_at, completed_at
`

// CreateIfNoneActive stores the job unless the workload already has a
// non-terminal one. Atomicity comes from a partial unique index on
// workload_id over rows in the RUNNING state; the losing insert maps to
// domain.ErrMigrationConflict.
func (r *MigrationJobRepository) CreateIfNoneActive(ctx context.Context, job *domain.MigrationJob) error {
	if job.ID == "" {
		job.ID = "mig-" + uuid.New().String()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}

	query := `
		INSERT INTO migration_jobs (
			id, workload_id, source_node_id, target_node_id, mode, stage,
			state, failure_reason, started_at, stage_updated_at, completed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := r.db.pool.Exec(ctx, query,
		job.ID,
		job.WorkloadID,
		job.SourceNodeID,
		job.TargetNodeID,
		string(job.Mode),
		string(job.Stage),
		string(job.State),
		nullString(job.FailureReason),
		job.StartedAt,
		job.StageUpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrMigrationConflict
		}
		r.logger.Error("Failed to create migration job",
			zap.Error(err), zap.String("workload_id", job.WorkloadID))
		return fmt.Errorf("failed to insert migration job: %w", err)
	}
	return nil
}

// Get retrieves a job by ID.
func (r *MigrationJobRepository) Get(ctx context.Context, id string) (*domain.MigrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs WHERE id = $1`
	return scanJob(r.db.pool.QueryRow(ctx, query, id))
}

// Update replaces an existing job record.
func (r *MigrationJobRepository) Update(ctx context.Context, job *domain.MigrationJob) error {
	query := `
		UPDATE migration_jobs
		SET target_node_id = $2, stage = $3, state = $4, failure_reason = $5,
		    stage_updated_at = $6, completed_at = $7
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query,
		job.ID,
		job.TargetNodeID,
		string(job.Stage),
		string(job.State),
		nullString(job.FailureReason),
		job.StageUpdatedAt,
		job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update migration job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// List returns all jobs ordered by start time, newest first.
func (r *MigrationJobRepository) List(ctx context.Context) ([]*domain.MigrationJob, error) {
	query := `SELECT ` + jobColumns + ` FROM migration_jobs ORDER BY started_at DESC, id`
	return r.queryJobs(ctx, query)
}

// ListActive returns all non-terminal jobs ordered by start time, newest
// first.
func (r *MigrationJobRepository) ListActive(ctx context.Context) ([]*domain.MigrationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM migration_jobs
		WHERE state = 'RUNNING'
		ORDER BY started_at DESC, id
	`
	return r.queryJobs(ctx, query)
}

// ListByWorkload returns the jobs for one workload ordered by start time,
// newest first.
func (r *MigrationJobRepository) ListByWorkload(ctx context.Context, workloadID string) ([]*domain.MigrationJob, error) {
	query := `
		SELECT ` + jobColumns + `
		FROM migration_jobs
		WHERE workload_id = $1
		ORDER BY started_at DESC, id
	`
	return r.queryJobs(ctx, query, workloadID)
}

func (r *MigrationJobRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*domain.MigrationJob, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list migration jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*domain.MigrationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// scanJob scans a single migration job row.
func scanJob(row rowScanner) (*domain.MigrationJob, error) {
	job := &domain.MigrationJob{}
	var mode, stage, state string
	var failureReason *string

	err := row.Scan(
		&job.ID,
		&job.WorkloadID,
		&job.SourceNodeID,
		&job.TargetNodeID,
		&mode,
		&stage,
		&state,
		&failureReason,
		&job.StartedAt,
		&job.StageUpdatedAt,
		&job.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan migration job: %w", err)
	}

	job.Mode = domain.MigrationMode(mode)
	job.Stage = domain.MigrationStage(stage)
	job.State = domain.MigrationState(state)
	if failureReason != nil {
		job.FailureReason = *failureReason
	}
	return job, nil
}
