package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/virtforge/virtforge/internal/domain"
)

// MigrationJobRepository is an in-memory implementation of the migration
// job repository.
type MigrationJobRepository struct {
	mu   sync.Mutex
	data map[string]*domain.MigrationJob
}

// NewMigrationJobRepository creates a new in-memory migration job
// repository.
func NewMigrationJobRepository() *MigrationJobRepository {
	return &MigrationJobRepository{
		data: make(map[string]*domain.MigrationJob),
	}
}

// CreateIfNoneActive stores the job unless the workload already has a
// non-terminal one. The check and the insert happen under one lock, so two
// concurrent calls for the same workload cannot both succeed.
func (r *MigrationJobRepository) CreateIfNoneActive(ctx context.Context, job *domain.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.data {
		if existing.WorkloadID == job.WorkloadID && existing.Active() {
			return domain.ErrMigrationConflict
		}
	}

	if job.ID == "" {
		job.ID = "mig-" + uuid.New().String()
	}
	if _, ok := r.data[job.ID]; ok {
		return domain.ErrAlreadyExists
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}

	r.data[job.ID] = cloneJob(job)
	return nil
}

// Get retrieves a job by ID.
func (r *MigrationJobRepository) Get(ctx context.Context, id string) (*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.data[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneJob(job), nil
}

// Update replaces an existing job record.
func (r *MigrationJobRepository) Update(ctx context.Context, job *domain.MigrationJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.data[job.ID]; !ok {
		return domain.ErrNotFound
	}
	r.data[job.ID] = cloneJob(job)
	return nil
}

// List returns all jobs ordered by start time, newest first.
func (r *MigrationJobRepository) List(ctx context.Context) ([]*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	result := make([]*domain.MigrationJob, 0, len(r.data))
	for _, job := range r.data {
		result = append(result, cloneJob(job))
	}
	sortJobs(result)
	return result, nil
}

// ListActive returns all non-terminal jobs ordered by start time, newest
// first.
func (r *MigrationJobRepository) ListActive(ctx context.Context) ([]*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.MigrationJob
	for _, job := range r.data {
		if job.Active() {
			result = append(result, cloneJob(job))
		}
	}
	sortJobs(result)
	return result, nil
}

// ListByWorkload returns the jobs for one workload ordered by start time,
// newest first.
func (r *MigrationJobRepository) ListByWorkload(ctx context.Context, workloadID string) ([]*domain.MigrationJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var result []*domain.MigrationJob
	for _, job := range r.data {
		if job.WorkloadID == workloadID {
			result = append(result, cloneJob(job))
		}
	}
	sortJobs(result)
	return result, nil
}

func sortJobs(jobs []*domain.MigrationJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].StartedAt.Equal(jobs[j].StartedAt) {
			return jobs[i].StartedAt.After(jobs[j].StartedAt)
		}
		return jobs[i].ID < jobs[j].ID
	})
}

// cloneJob creates a deep copy of a MigrationJob.
func cloneJob(job *domain.MigrationJob) *domain.MigrationJob {
	if job == nil {
		return nil
	}

	clone := *job
	if job.CompletedAt != nil {
		at := *job.CompletedAt
		clone.CompletedAt = &at
	}
	return &clone
}
