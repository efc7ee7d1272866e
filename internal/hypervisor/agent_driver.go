// Package hypervisor provides the driver layer for talking to node agents.
// This file contains the Driver implementation backed by the client pool.
package hypervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// AgentDriver implements Driver on top of the node agent REST API.
type AgentDriver struct {
	pool   *Pool
	logger *zap.Logger
}

var _ Driver = (*AgentDriver)(nil)

// NewAgentDriver creates a driver backed by the given client pool.
func NewAgentDriver(pool *Pool, logger *zap.Logger) *AgentDriver {
	return &AgentDriver{
		pool:   pool,
		logger: logger.With(zap.String("component", "agent_driver")),
	}
}

// client resolves the pooled client for a node, building one on first use.
func (d *AgentDriver) client(node *domain.ComputeNode) (*AgentClient, error) {
	if node.AgentAddr == "" {
		return nil, fmt.Errorf("node %s has no agent address", node.ID)
	}
	return d.pool.Connect(node.ID, node.AgentAddr)
}

func (d *AgentDriver) Probe(ctx context.Context, node *domain.ComputeNode) error {
	client, err := d.client(node)
	if err != nil {
		return err
	}
	return client.Probe(ctx)
}

func (d *AgentDriver) CreateWorkload(ctx context.Context, node *domain.ComputeNode, wl *domain.Workload) error {
	client, err := d.client(node)
	if err != nil {
		return err
	}
	return client.CreateWorkload(ctx, wl)
}

func (d *AgentDriver) StartWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string) error {
	client, err := d.client(node)
	if err != nil {
		return err
	}
	return client.StartWorkload(ctx, workloadID)
}

func (d *AgentDriver) StopWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string, graceful bool) error {
	client, err := d.client(node)
	if err != nil {
		return err
	}
	return client.StopWorkload(ctx, workloadID, graceful)
}

func (d *AgentDriver) DeleteWorkload(ctx context.Context, node *domain.ComputeNode, workloadID string, removeDisk bool) error {
	client, err := d.client(node)
	if err != nil {
		return err
	}
	return client.DeleteWorkload(ctx, workloadID, removeDisk)
}

func (d *AgentDriver) WorkloadStatus(ctx context.Context, node *domain.ComputeNode, workloadID string) (*WorkloadStatus, error) {
	client, err := d.client(node)
	if err != nil {
		return nil, err
	}
	return client.WorkloadStatus(ctx, workloadID)
}

func (d *AgentDriver) CopyDisk(ctx context.Context, source, target *domain.ComputeNode, workloadID string, opts TransferOptions) error {
	client, err := d.client(source)
	if err != nil {
		return err
	}
	return client.CopyDisk(ctx, workloadID, target.AgentAddr, opts)
}

func (d *AgentDriver) StreamState(ctx context.Context, source, target *domain.ComputeNode, workloadID string, opts TransferOptions) error {
	client, err := d.client(source)
	if err != nil {
		return err
	}
	return client.StreamState(ctx, workloadID, target.AgentAddr, opts)
}

func (d *AgentDriver) Switchover(ctx context.Context, source, target *domain.ComputeNode, workloadID string) error {
	client, err := d.client(source)
	if err != nil {
		return err
	}
	return client.Switchover(ctx, workloadID, target.AgentAddr)
}

func (d *AgentDriver) Preflight(ctx context.Context, source, target *domain.ComputeNode, wl *domain.Workload) (*PreflightReport, error) {
	client, err := d.client(source)
	if err != nil {
		return nil, err
	}
	return client.Preflight(ctx, wl, target.AgentAddr)
}
