// Package health implements periodic node health monitoring. It probes every
// node on a fixed interval, applies a consecutive-failure threshold before
// declaring a node unhealthy, and caches the results so the placement path
// never blocks on a live probe.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/metrics"
)

// Config holds the health monitor configuration.
type Config struct {
	// Enabled toggles the probe loop.
	Enabled bool `mapstructure:"enabled"`

	// Interval is the fixed probe period.
	Interval time.Duration `mapstructure:"interval"`

	// ProbeTimeout bounds a single probe call.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`

	// FailureThreshold is the number of consecutive failed probes before a
	// healthy node is declared unhealthy. Recovery takes one success.
	FailureThreshold int `mapstructure:"failure_threshold"`
}

// DefaultConfig returns the default health monitor configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		Interval:         15 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}

// NodeRepository defines the node persistence used by the monitor.
type NodeRepository interface {
	List(ctx context.Context) ([]*domain.ComputeNode, error)
	Get(ctx context.Context, id string) (*domain.ComputeNode, error)
	UpdateHealth(ctx context.Context, id string, health domain.NodeHealth, probeFailures int, probedAt time.Time) error
	UpdateMaintenance(ctx context.Context, id string, maintenance bool) error
}

// Prober is the reachability/resource-query transport, one call per node.
type Prober interface {
	Probe(ctx context.Context, node *domain.ComputeNode) error
}

// EventPublisher publishes node health events for real-time consumers.
type EventPublisher interface {
	PublishNodeEvent(ctx context.Context, eventType string, node *domain.ComputeNode) error
}

// LeaderChecker checks if this instance is the leader. Only the leader
// probes; followers refresh their cache from the store.
type LeaderChecker interface {
	IsLeader() bool
}

// State is the cached health view of one node.
type State struct {
	Health       domain.NodeHealth
	Maintenance  bool
	FailedProbes int
	LastProbeAt  time.Time
}

// Monitor probes nodes and serves cached health to the placement engine.
type Monitor struct {
	config        Config
	repo          NodeRepository
	prober        Prober
	publisher     EventPublisher
	leaderChecker LeaderChecker
	metrics       *metrics.Metrics
	logger        *zap.Logger

	mu        sync.RWMutex
	states    map[string]*State
	isRunning bool
}

// NewMonitor creates a new health monitor.
func NewMonitor(
	cfg Config,
	repo NodeRepository,
	prober Prober,
	publisher EventPublisher,
	leaderChecker LeaderChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Monitor {
	return &Monitor{
		config:        cfg,
		repo:          repo,
		prober:        prober,
		publisher:     publisher,
		leaderChecker: leaderChecker,
		metrics:       m,
		logger:        logger.With(zap.String("component", "health")),
		states:        make(map[string]*State),
	}
}

// Start begins the probe loop and blocks until the context is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	if !m.config.Enabled {
		m.logger.Info("Health monitor disabled")
		return
	}

	m.mu.Lock()
	if m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = true
	m.mu.Unlock()

	m.logger.Info("Starting health monitor",
		zap.Duration("interval", m.config.Interval),
		zap.Duration("probe_timeout", m.config.ProbeTimeout),
		zap.Int("failure_threshold", m.config.FailureThreshold),
	)

	// Seed the cache from persisted records so placement has a view before
	// the first probe round completes.
	m.refreshFromStore(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			m.mu.Lock()
			m.isRunning = false
			m.mu.Unlock()
			return
		case <-ticker.C:
			if m.leaderChecker == nil || m.leaderChecker.IsLeader() {
				m.probeAll(ctx)
			} else {
				m.refreshFromStore(ctx)
			}
		}
	}
}

// probeAll probes every known node in parallel, bounded by one round.
func (m *Monitor) probeAll(ctx context.Context) {
	nodes, err := m.repo.List(ctx)
	if err != nil {
		m.logger.Error("Failed to list nodes for probing", zap.Error(err))
		return
	}

	m.syncTracked(nodes)

	var wg sync.WaitGroup
	for _, node := range nodes {
		wg.Add(1)
		go func(n *domain.ComputeNode) {
			defer wg.Done()
			m.probeNode(ctx, n)
		}(node)
	}
	wg.Wait()

	m.recordHealthGauges()
}

// probeNode runs one probe and applies the health state machine.
func (m *Monitor) probeNode(ctx context.Context, node *domain.ComputeNode) {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	probeErr := m.prober.Probe(probeCtx, node)
	now := time.Now()

	m.mu.Lock()
	state, ok := m.states[node.ID]
	if !ok {
		state = &State{Health: domain.NodeHealthUnknown}
		m.states[node.ID] = state
	}
	state.Maintenance = node.Maintenance
	state.LastProbeAt = now

	prev := state.Health
	if probeErr == nil {
		state.FailedProbes = 0
		state.Health = domain.NodeHealthHealthy
	} else {
		state.FailedProbes++
		switch prev {
		case domain.NodeHealthHealthy:
			if state.FailedProbes >= m.config.FailureThreshold {
				state.Health = domain.NodeHealthUnhealthy
			}
		case domain.NodeHealthUnknown:
			state.Health = domain.NodeHealthUnhealthy
		}
	}
	current := state.Health
	failed := state.FailedProbes
	m.mu.Unlock()

	if m.metrics != nil {
		result := "ok"
		if probeErr != nil {
			result = "failed"
		}
		m.metrics.ProbesTotal.WithLabelValues(result).Inc()
	}

	if probeErr != nil && current == prev {
		m.logger.Warn("Node probe failed",
			zap.String("node_id", node.ID),
			zap.String("name", node.Name),
			zap.Int("failed_probes", failed),
			zap.Error(probeErr),
		)
		return
	}

	if current == prev {
		return
	}

	// Health transition: persist, publish, count.
	if current == domain.NodeHealthHealthy {
		m.logger.Info("Node recovered",
			zap.String("node_id", node.ID),
			zap.String("name", node.Name),
		)
	} else {
		m.logger.Error("Node declared unhealthy",
			zap.String("node_id", node.ID),
			zap.String("name", node.Name),
			zap.Int("failed_probes", failed),
			zap.Error(probeErr),
		)
	}

	if err := m.repo.UpdateHealth(ctx, node.ID, current, failed, now); err != nil {
		m.logger.Error("Failed to persist node health",
			zap.String("node_id", node.ID),
			zap.Error(err),
		)
	}
	if m.publisher != nil {
		node.Health = current
		node.ProbeFailures = failed
		if err := m.publisher.PublishNodeEvent(ctx, "node.health_changed", node); err != nil {
			m.logger.Warn("Failed to publish node health event", zap.Error(err))
		}
	}
	if m.metrics != nil {
		m.metrics.HealthTransitions.WithLabelValues(string(prev), string(current)).Inc()
	}
}

// refreshFromStore replaces the cached view with the persisted one. Used at
// startup and on follower instances, which do not probe.
func (m *Monitor) refreshFromStore(ctx context.Context) {
	nodes, err := m.repo.List(ctx)
	if err != nil {
		m.logger.Error("Failed to refresh node states", zap.Error(err))
		return
	}

	m.mu.Lock()
	seen := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		seen[node.ID] = true
		state, ok := m.states[node.ID]
		if !ok {
			state = &State{}
			m.states[node.ID] = state
		}
		state.Health = node.Health
		state.Maintenance = node.Maintenance
		state.FailedProbes = node.ProbeFailures
		if node.LastProbeAt != nil {
			state.LastProbeAt = *node.LastProbeAt
		}
	}
	for id := range m.states {
		if !seen[id] {
			delete(m.states, id)
		}
	}
	m.mu.Unlock()

	m.recordHealthGauges()
}

// syncTracked adds newly registered nodes to the cache, drops removed ones,
// and picks up maintenance flags persisted by other instances.
func (m *Monitor) syncTracked(nodes []*domain.ComputeNode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		seen[node.ID] = true
		state, ok := m.states[node.ID]
		if !ok {
			m.states[node.ID] = &State{
				Health:      domain.NodeHealthUnknown,
				Maintenance: node.Maintenance,
			}
			continue
		}
		state.Maintenance = node.Maintenance
	}
	for id := range m.states {
		if !seen[id] {
			delete(m.states, id)
		}
	}
}

// Schedulable reports whether the node is healthy and not in maintenance.
// It reads only the cache and never blocks on a probe.
func (m *Monitor) Schedulable(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[nodeID]
	return ok && state.Health == domain.NodeHealthHealthy && !state.Maintenance
}

// Status returns the cached health of a node.
func (m *Monitor) Status(nodeID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	state, ok := m.states[nodeID]
	if !ok {
		return State{}, false
	}
	return *state, true
}

// States returns a copy of all cached node states.
func (m *Monitor) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.states))
	for id, state := range m.states {
		out[id] = *state
	}
	return out
}

// SetMaintenance flips a node's maintenance flag. Maintenance is only ever
// set through this call; probing never changes it, and entering maintenance
// does not move workloads.
func (m *Monitor) SetMaintenance(ctx context.Context, nodeID string, enabled bool) error {
	node, err := m.repo.Get(ctx, nodeID)
	if err != nil {
		return fmt.Errorf("get node %s: %w", nodeID, err)
	}

	if err := m.repo.UpdateMaintenance(ctx, nodeID, enabled); err != nil {
		return fmt.Errorf("update maintenance for node %s: %w", nodeID, err)
	}

	m.mu.Lock()
	state, ok := m.states[nodeID]
	if !ok {
		state = &State{Health: node.Health}
		m.states[nodeID] = state
	}
	state.Maintenance = enabled
	m.mu.Unlock()

	m.logger.Info("Node maintenance updated",
		zap.String("node_id", nodeID),
		zap.Bool("maintenance", enabled),
	)

	if m.publisher != nil {
		node.Maintenance = enabled
		if err := m.publisher.PublishNodeEvent(ctx, "node.maintenance_changed", node); err != nil {
			m.logger.Warn("Failed to publish maintenance event", zap.Error(err))
		}
	}
	return nil
}

// TrackNode seeds the cache for a newly registered node so that it shows up
// in health reports before the first probe round.
func (m *Monitor) TrackNode(node *domain.ComputeNode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.states[node.ID]; ok {
		return
	}
	m.states[node.ID] = &State{
		Health:      node.Health,
		Maintenance: node.Maintenance,
	}
}

// ForgetNode removes a node from the cache after it is deleted.
func (m *Monitor) ForgetNode(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.states, nodeID)
}

func (m *Monitor) recordHealthGauges() {
	if m.metrics == nil {
		return
	}

	m.mu.RLock()
	counts := map[domain.NodeHealth]int{}
	for _, state := range m.states {
		counts[state.Health]++
	}
	m.mu.RUnlock()

	for _, h := range []domain.NodeHealth{domain.NodeHealthHealthy, domain.NodeHealthUnhealthy, domain.NodeHealthUnknown} {
		m.metrics.NodesByHealth.WithLabelValues(string(h)).Set(float64(counts[h]))
	}
}
