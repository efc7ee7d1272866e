package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// NodeRepository implements the compute node repository using PostgreSQL.
type NodeRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewNodeRepository creates a new PostgreSQL node repository.
func NewNodeRepository(db *DB, logger *zap.Logger) *NodeRepository {
	return &NodeRepository{
		db:     db,
		logger: logger.With(zap.String("repository", "node")),
	}
}

const nodeColumns = `
	id, name, hostname, agent_addr, labels, capacity, overcommit,
	maintenance, health, probe_failures, last_probe_at, created_at, updated_at
`

// Create stores a new node.
func (r *NodeRepository) Create(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error) {
	if n.ID == "" {
		n.ID = "node-" + uuid.New().String()
	}

	labelsJSON, err := json.Marshal(n.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	capacityJSON, err := json.Marshal(n.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capacity: %w", err)
	}
	overcommitJSON, err := json.Marshal(n.Overcommit)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal overcommit: %w", err)
	}

	query := `
		INSERT INTO nodes (
			id, name, hostname, agent_addr, labels, capacity, overcommit,
			maintenance, health, probe_failures, last_probe_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`

	err = r.db.pool.QueryRow(ctx, query,
		n.ID,
		n.Name,
		n.Hostname,
		n.AgentAddr,
		labelsJSON,
		capacityJSON,
		overcommitJSON,
		n.Maintenance,
		string(n.Health),
		n.ProbeFailures,
		n.LastProbeAt,
	).Scan(&n.CreatedAt, &n.UpdatedAt)

	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		r.logger.Error("Failed to create node", zap.Error(err), zap.String("name", n.Name))
		return nil, fmt.Errorf("failed to insert node: %w", err)
	}

	r.logger.Info("Created node", zap.String("id", n.ID), zap.String("name", n.Name))
	return n, nil
}

// Get retrieves a node by ID.
func (r *NodeRepository) Get(ctx context.Context, id string) (*domain.ComputeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE id = $1`
	return scanNode(r.db.pool.QueryRow(ctx, query, id))
}

// GetByName retrieves a node by its unique name.
func (r *NodeRepository) GetByName(ctx context.Context, name string) (*domain.ComputeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes WHERE name = $1`
	return scanNode(r.db.pool.QueryRow(ctx, query, name))
}

// List returns all nodes ordered by ID.
func (r *NodeRepository) List(ctx context.Context) ([]*domain.ComputeNode, error) {
	query := `SELECT ` + nodeColumns + ` FROM nodes ORDER BY id`

	rows, err := r.db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []*domain.ComputeNode
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// Update replaces the mutable fields of a node record.
func (r *NodeRepository) Update(ctx context.Context, n *domain.ComputeNode) (*domain.ComputeNode, error) {
	labelsJSON, err := json.Marshal(n.Labels)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal labels: %w", err)
	}
	capacityJSON, err := json.Marshal(n.Capacity)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal capacity: %w", err)
	}
	overcommitJSON, err := json.Marshal(n.Overcommit)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal overcommit: %w", err)
	}

	query := `
		UPDATE nodes
		SET name = $2, hostname = $3, agent_addr = $4, labels = $5,
		    capacity = $6, overcommit = $7, maintenance = $8, health = $9,
		    probe_failures = $10, last_probe_at = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at
	`

	err = r.db.pool.QueryRow(ctx, query,
		n.ID,
		n.Name,
		n.Hostname,
		n.AgentAddr,
		labelsJSON,
		capacityJSON,
		overcommitJSON,
		n.Maintenance,
		string(n.Health),
		n.ProbeFailures,
		n.LastProbeAt,
	).Scan(&n.UpdatedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, domain.ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to update node: %w", err)
	}
	return n, nil
}

// UpdateHealth updates only the probed health fields of a node.
func (r *NodeRepository) UpdateHealth(ctx context.Context, id string, health domain.NodeHealth, probeFailures int, probedAt time.Time) error {
	query := `
		UPDATE nodes
		SET health = $2, probe_failures = $3, last_probe_at = $4, updated_at = now()
		WHERE id = $1
	`
	tag, err := r.db.pool.Exec(ctx, query, id, string(health), probeFailures, probedAt)
	if err != nil {
		return fmt.Errorf("failed to update node health: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateMaintenance flips the maintenance flag of a node.
func (r *NodeRepository) UpdateMaintenance(ctx context.Context, id string, maintenance bool) error {
	query := `UPDATE nodes SET maintenance = $2, updated_at = now() WHERE id = $1`
	tag, err := r.db.pool.Exec(ctx, query, id, maintenance)
	if err != nil {
		return fmt.Errorf("failed to update node maintenance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Delete removes a node by ID.
func (r *NodeRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.pool.Exec(ctx, `DELETE FROM nodes WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete node: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	r.logger.Info("Deleted node", zap.String("id", id))
	return nil
}

// scanNode scans a single node row.
func scanNode(row rowScanner) (*domain.ComputeNode, error) {
	n := &domain.ComputeNode{}
	var labelsJSON, capacityJSON, overcommitJSON []byte
	var health string

	err := row.Scan(
		&n.ID,
		&n.Name,
		&n.Hostname,
		&n.AgentAddr,
		&labelsJSON,
		&capacityJSON,
		&overcommitJSON,
		&n.Maintenance,
		&health,
		&n.ProbeFailures,
		&n.LastProbeAt,
		&n.CreatedAt,
		&n.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node: %w", err)
	}

	n.Health = domain.NodeHealth(health)
	if len(labelsJSON) > 0 {
		if err := json.Unmarshal(labelsJSON, &n.Labels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal labels: %w", err)
		}
	}
	if len(capacityJSON) > 0 {
		if err := json.Unmarshal(capacityJSON, &n.Capacity); err != nil {
			return nil, fmt.Errorf("failed to unmarshal capacity: %w", err)
		}
	}
	if len(overcommitJSON) > 0 {
		if err := json.Unmarshal(overcommitJSON, &n.Overcommit); err != nil {
			return nil, fmt.Errorf("failed to unmarshal overcommit: %w", err)
		}
	}
	return n, nil
}
