// Package hypervisor provides the driver layer for talking to node agents.
// This file contains the node agent client pool.
package hypervisor

import (
	"sync"

	"go.uber.org/zap"
)

// Pool manages clients for multiple node agents. It provides thread-safe
// access and transparently replaces a client when a node's agent address
// changes (re-enrollment, address move).
type Pool struct {
	clients map[string]*AgentClient
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewPool creates an empty agent client pool.
func NewPool(logger *zap.Logger) *Pool {
	return &Pool{
		clients: make(map[string]*AgentClient),
		logger:  logger.With(zap.String("component", "agent_pool")),
	}
}

// Connect returns the client for a node, creating one if none exists or if
// the agent address changed since the client was built.
func (p *Pool) Connect(nodeID, addr string) (*AgentClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if client, ok := p.clients[nodeID]; ok {
		if client.Addr() == addr {
			return client, nil
		}
		p.logger.Warn("Node agent address changed, replacing client",
			zap.String("node_id", nodeID),
			zap.String("old_addr", client.Addr()),
			zap.String("new_addr", addr),
		)
		delete(p.clients, nodeID)
	}

	client, err := NewAgentClient(addr, p.logger)
	if err != nil {
		return nil, err
	}

	p.clients[nodeID] = client
	p.logger.Info("Node agent client ready",
		zap.String("node_id", nodeID),
		zap.String("addr", addr),
	)
	return client, nil
}

// Disconnect drops the client for a node.
func (p *Pool) Disconnect(nodeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.clients[nodeID]; !ok {
		return
	}
	delete(p.clients, nodeID)
	p.logger.Info("Dropped node agent client", zap.String("node_id", nodeID))
}

// ConnectedNodes returns the IDs of nodes with a pooled client.
func (p *Pool) ConnectedNodes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	nodes := make([]string, 0, len(p.clients))
	for nodeID := range p.clients {
		nodes = append(nodes, nodeID)
	}
	return nodes
}
