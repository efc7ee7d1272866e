package cluster

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
)

// LeaderChecker checks if this instance is the leader.
type LeaderChecker interface {
	IsLeader() bool
}

// AdvisorConfig holds the rebalance advisor configuration.
type AdvisorConfig struct {
	// Enabled toggles the periodic analysis loop.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often the advisor re-analyzes the pool.
	Interval time.Duration `mapstructure:"interval"`

	// AutoApply executes the planned moves instead of only recording them.
	AutoApply bool `mapstructure:"auto_apply"`
}

// DefaultAdvisorConfig returns the default advisor configuration.
func DefaultAdvisorConfig() AdvisorConfig {
	return AdvisorConfig{
		Enabled:   false,
		Interval:  5 * time.Minute,
		AutoApply: false,
	}
}

// Advisor periodically re-plans the pool's balance and keeps the latest
// plan available for operators. It only analyzes while this instance
// holds leadership, so a multi-instance deployment produces one stream
// of plans.
type Advisor struct {
	config  AdvisorConfig
	manager *Manager
	leader  LeaderChecker
	logger  *zap.Logger

	mu           sync.RWMutex
	running      bool
	lastAnalysis time.Time
	lastPlan     *domain.RebalancePlan
}

// NewAdvisor creates a rebalance advisor on top of the cluster manager.
// A nil leader checker means the instance always analyzes.
func NewAdvisor(cfg AdvisorConfig, manager *Manager, leader LeaderChecker, logger *zap.Logger) *Advisor {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultAdvisorConfig().Interval
	}
	return &Advisor{
		config:  cfg,
		manager: manager,
		leader:  leader,
		logger:  logger.With(zap.String("component", "rebalance-advisor")),
	}
}

// Start begins the analysis loop and blocks until ctx is cancelled.
func (a *Advisor) Start(ctx context.Context) {
	if !a.config.Enabled {
		a.logger.Info("Rebalance advisor disabled")
		return
	}

	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	a.logger.Info("Starting rebalance advisor",
		zap.Duration("interval", a.config.Interval),
		zap.Bool("auto_apply", a.config.AutoApply),
	)

	ticker := time.NewTicker(a.config.Interval)
	defer ticker.Stop()

	a.runAnalysis(ctx)

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Rebalance advisor stopped")
			a.mu.Lock()
			a.running = false
			a.mu.Unlock()
			return
		case <-ticker.C:
			a.runAnalysis(ctx)
		}
	}
}

// runAnalysis performs a single analysis cycle.
func (a *Advisor) runAnalysis(ctx context.Context) {
	if a.leader != nil && !a.leader.IsLeader() {
		a.logger.Debug("Not leader, skipping rebalance analysis")
		return
	}

	start := time.Now()
	plan, err := a.manager.RebalanceCluster(ctx, !a.config.AutoApply)
	if err != nil {
		a.logger.Error("Rebalance analysis failed", zap.Error(err))
		return
	}

	a.mu.Lock()
	a.lastAnalysis = time.Now()
	a.lastPlan = plan
	a.mu.Unlock()

	if len(plan.Moves) == 0 {
		a.logger.Debug("Pool balanced, no moves recommended",
			zap.Float64("variance", plan.VarianceBefore),
			zap.Duration("duration", time.Since(start)),
		)
		return
	}

	for _, move := range plan.Moves {
		a.logger.Info("Rebalance move recommended",
			zap.String("workload_id", move.WorkloadID),
			zap.String("source_node", move.SourceNodeID),
			zap.String("target_node", move.TargetNodeID),
			zap.Float64("improvement", move.Improvement),
			zap.Bool("applied", plan.Executed),
		)
	}

	a.logger.Info("Rebalance analysis complete",
		zap.Int("moves", len(plan.Moves)),
		zap.Bool("executed", plan.Executed),
		zap.Float64("variance_before", plan.VarianceBefore),
		zap.Float64("variance_after", plan.VarianceAfter),
		zap.Duration("duration", time.Since(start)),
	)
}

// LastPlan returns the most recent plan and when it was produced. The
// plan is nil until the first analysis completes.
func (a *Advisor) LastPlan() (*domain.RebalancePlan, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastPlan, a.lastAnalysis
}

// IsRunning reports whether the analysis loop is active.
func (a *Advisor) IsRunning() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}
