package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// WorkloadRepository implements the workload repository using PostgreSQL.
type WorkloadRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewWorkloadRepository creates a new PostgreSQL workload repository.
func NewWorkloadRepository(db *DB, logger *zap.Logger) *WorkloadRepository {
	return &WorkloadRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "workload")),
	}
}

const workloadColumns = `
	id, name, labels, node_id, request, state, created_at, updated_at
`

// Create stores a new workload.
func (r *WorkloadRepository) Create(ctx context.Context, wl *domain.Workload) (*domain.Workload, error) {
	if wl.ID == "" {
		wl.ID = "wl-" + uuid.New().String()
	}

	labelsJSON, err := json.Marshal(wl.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	requestJSON, err := json.Marshal(wl.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	query := `
		INSERT INTO workloads (id, name, labels, node_id, request, state)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err = r.db.pool.QueryRow(ctx, query,
		wl.ID,
		wl.Name,
		labelsJSON,
		nullString(wl.NodeID),
		requestJSON,
		string(wl.State),
	).Scan(&wl.CreatedAt, &wl.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error("Failed to create workload", zap.Error(err), zap.String("name", wl.Name))
		return nil, fmt.Errorf("failed to insert workload: %w", err)
	}

	r.logger.Info("Created workload", zap.String("id", wl.ID), zap.String("name", wl.Name))
	return wl, nil
}

// Get retrieves a workload by ID.
func (r *WorkloadRepository) Get(ctx context.Context, id string) (*domain.Workload, error) {
	query := `SELECT ` + workloadColumns + ` FROM workloads WHERE id = $1`
	return scanWorkload(r.db.pool.QueryRow(ctx, query, id))
}

// List returns all workloads ordered by ID.
func (r *WorkloadRepository) List(ctx context.Context) ([]*domain.Workload, error) {
	query := `SELECT ` + workloadColumns + ` FROM workloads ORDER BY id`
	return r.queryWorkloads(ctx, query)
}

// ListByNode returns the workloads owned by a node, ordered by ID.
func (r *WorkloadRepository) ListByNode(ctx context.Context, nodeID string) ([]*domain.Workload, error) {
	query := `
		SELECT ` + workloadColumns + `
		FROM workloads
		WHERE node_id = $1 AND state <> 'DELETED'
		ORDER BY id
	`
	return r.queryWorkloads(ctx, query, nodeID)
}

// Count returns the number of non-deleted workloads.
func (r *WorkloadRepository) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.pool.QueryRow(ctx,
		`SELECT count(*) FROM workloads WHERE state <> 'DELETED'`,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count workloads: %w", err)
	}
	return count, nil
}

// Update replaces the mutable fields of a workload record.
func (r *WorkloadRepository) Update(ctx context.Context, wl *domain.Workload) (*domain.Workload, error) {
	labelsJSON, err := json.Marshal(wl.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	requestJSON, err := json.Marshal(wl.Request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	query := `
		UPDATE workloads
		SET name = $2, labels = $3, node_id = $4, request = $5, state = $6,
		    updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.pool.QueryRow(ctx, query,
		wl.ID,
		wl.Name,
		labelsJSON,
		nullString(wl.NodeID),
		requestJSON,
		string(wl.State),
	).Scan(&wl.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update workload: %w", err)
	}
	return wl, nil
}

// UpdateState updates only the lifecycle state of a workload.
func (r *WorkloadRepository) UpdateState(ctx context.Context, id string, state domain.WorkloadState) error {
	query := `UPDATE workloads SET state = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.pool.Exec(ctx, query, id, string(state))
	if err != nil {
		return fmt.Errorf("failed to update workload state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// TransferOwnership moves the workload to a new owning node and sets its
// state in a single statement. This is the migration commit point.
func (r *WorkloadRepository) TransferOwnership(ctx context.Context, id, nodeID string, state domain.WorkloadState) error {
	query := `
		UPDATE workloads
		SET node_id = $2, state = $3, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query, id, nullString(nodeID), string(state))
	if err != nil {
		return fmt.Errorf("failed to transfer workload ownership: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *WorkloadRepository) queryWorkloads(ctx context.Context, query string, args ...interface{}) ([]*domain.Workload, error) {
	rows, err := r.db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list workloads: %w", err)
	}
	defer rows.Close()

	var workloads []*domain.Workload
	for rows.Next() {
		wl, err := scanWorkload(rows)
		if err != nil {
			return nil, err
		}
		workloads = append(workloads, wl)
	}
	return workloads, rows.Err()
}

// scanWorkload scans a single workload row.
func scanWorkload(row rowScanner) (*domain.Workload, error) {
	wl := &domain.Workload{}
	var labelsJSON, requestJSON []byte
	var nodeID *string
	var state string

	err := row.Scan(
		&wl.ID,
		&wl.Name,
		&labelsJSON,
		&nodeID,
		&requestJSON,
		&state,
		&wl.CreatedAt,
		&wl.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan workload: %w", err)
	}

	if nodeID != nil {
		wl.NodeID = *nodeID
	}
	wl.State = domain.WorkloadState(state)
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &wl.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if len(requestJSON) > 0 {
		if err := json.Unmarshal(requestJSON, &wl.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}
	}
	return wl, nil
}
