package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/server/middleware"
)

// rebalanceLockTimeout bounds how long a rebalance request waits for the
// pool-wide lock before reporting the pool busy.
const rebalanceLockTimeout = 2 * time.Second

// clusterHandler serves the /v1/cluster REST surface.
//
// Routes:
//   - GET  /v1/cluster/health    - pool-wide health and utilization report
//   - GET  /v1/cluster/rebalance - last advisor plan
//   - POST /v1/cluster/rebalance - plan (and optionally apply) moves [admin]
type clusterHandler struct {
	server *Server
	logger *zap.Logger
}

func (h *clusterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/cluster"), "/")

	switch {
	case path == "health" && r.Method == http.MethodGet:
		h.handleHealth(w, r)
	case path == "rebalance" && r.Method == http.MethodGet:
		h.handleLastPlan(w, r)
	case path == "rebalance" && r.Method == http.MethodPost:
		h.handleRebalance(w, r)
	default:
		h.server.methodNotAllowed(w, r)
	}
}

func (h *clusterHandler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.server.cluster.ClusterHealth(r.Context())
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, report)
}

// lastPlanResponse wraps the advisor's most recent analysis. AnalyzerRunning
// tells the caller whether the plan will refresh on its own; when false the
// plan is a snapshot from a stopped or disabled loop.
type lastPlanResponse struct {
	Plan            *domain.RebalancePlan `json:"plan"`
	AnalyzedAt      *time.Time            `json:"analyzed_at,omitempty"`
	AnalyzerRunning bool                  `json:"analyzer_running"`
}

func (h *clusterHandler) handleLastPlan(w http.ResponseWriter, r *http.Request) {
	plan, analyzedAt := h.server.advisor.LastPlan()
	resp := lastPlanResponse{Plan: plan, AnalyzerRunning: h.server.advisor.IsRunning()}
	if !analyzedAt.IsZero() {
		resp.AnalyzedAt = &analyzedAt
	}
	h.server.writeJSON(w, http.StatusOK, resp)
}

type rebalanceRequest struct {
	// DryRun plans the moves without executing them. Defaults to true: an
	// explicit false is required before workloads start moving.
	DryRun *bool `json:"dry_run,omitempty"`
}

func (h *clusterHandler) handleRebalance(w http.ResponseWriter, r *http.Request) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	var req rebalanceRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.server.writeError(w, r, err)
			return
		}
	}
	dryRun := req.DryRun == nil || *req.DryRun

	// Executing moves is serialized across all instances; planning is
	// read-only and needs no lock.
	if !dryRun && h.server.etcdClient != nil {
		lock, err := h.server.etcdClient.TryAcquireLock(r.Context(), "rebalance", rebalanceLockTimeout)
		if err != nil {
			h.server.writeError(w, r, fmt.Errorf("a rebalance is already in progress: %w", domain.ErrConflict))
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				h.logger.Warn("Failed to release rebalance lock", zap.Error(err))
			}
		}()
	}

	plan, err := h.server.cluster.RebalanceCluster(r.Context(), dryRun)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, plan)
}
