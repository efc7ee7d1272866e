package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/server/middleware"
	nodeservice "github.com/virtforge/virtforge/internal/services/node"
)

// Enrollment is the one endpoint open to unauthenticated machines, so it is
// the one endpoint that gets rate limited.
const (
	enrollRateLimit  = 10
	enrollRateWindow = time.Minute
)

// evacuateLockTimeout bounds how long an evacuation request waits for the
// pool-wide lock before reporting the node busy.
const evacuateLockTimeout = 2 * time.Second

// nodeHandler serves the /v1/nodes REST surface.
//
// Routes:
//   - GET    /v1/nodes                   - list nodes
//   - POST   /v1/nodes                   - register a node [admin]
//   - POST   /v1/nodes/enroll            - self-enroll with a one-time token
//   - GET    /v1/nodes/{id}              - get a node
//   - PUT    /v1/nodes/{id}              - update mutable attributes [admin]
//   - DELETE /v1/nodes/{id}              - remove a node [admin]
//   - GET    /v1/nodes/{id}/workloads    - workloads owned by the node
//   - POST   /v1/nodes/{id}/maintenance  - set maintenance mode [admin]
//   - POST   /v1/nodes/{id}/evacuate     - drain every workload [admin]
type nodeHandler struct {
	server *Server
	logger *zap.Logger
}

func (h *nodeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/nodes"), "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleRegister(w, r)
		default:
			h.server.methodNotAllowed(w, r)
		}
		return
	}

	if path == "enroll" {
		if r.Method != http.MethodPost {
			h.server.methodNotAllowed(w, r)
			return
		}
		h.handleEnroll(w, r)
		return
	}

	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodPut:
		h.handleUpdate(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, id)
	case len(parts) == 2 && parts[1] == "workloads" && r.Method == http.MethodGet:
		h.handleWorkloads(w, r, id)
	case len(parts) == 2 && parts[1] == "maintenance" && r.Method == http.MethodPost:
		h.handleMaintenance(w, r, id)
	case len(parts) == 2 && parts[1] == "evacuate" && r.Method == http.MethodPost:
		h.handleEvacuate(w, r, id)
	default:
		h.server.methodNotAllowed(w, r)
	}
}

func (h *nodeHandler) handleList(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.server.nodeService.List(r.Context())
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, map[string]interface{}{"nodes": nodes})
}

func (h *nodeHandler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	var req nodeservice.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	node, err := h.server.nodeService.Register(r.Context(), req)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.invalidateHealthReport(r.Context())
	h.server.writeJSON(w, http.StatusCreated, node)
}

func (h *nodeHandler) handleEnroll(w http.ResponseWriter, r *http.Request) {
	if !h.allowEnroll(w, r) {
		return
	}

	var req nodeservice.EnrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	node, err := h.server.nodeService.Enroll(r.Context(), req)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.invalidateHealthReport(r.Context())
	h.server.writeJSON(w, http.StatusCreated, node)
}

// invalidateHealthReport drops the cached cluster report after a membership
// change so the next health read reflects it immediately instead of after
// the cache TTL.
func (h *nodeHandler) invalidateHealthReport(ctx context.Context) {
	if h.server.cache == nil {
		return
	}
	if err := h.server.cache.InvalidateClusterHealth(ctx); err != nil {
		h.logger.Warn("Failed to invalidate cluster health cache", zap.Error(err))
	}
}

// allowEnroll applies the per-source rate limit when Redis is available.
// Brute-forcing enrollment tokens is the one attack this surface invites.
func (h *nodeHandler) allowEnroll(w http.ResponseWriter, r *http.Request) bool {
	if h.server.cache == nil {
		return true
	}

	source, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		source = r.RemoteAddr
	}
	result, err := h.server.cache.CheckRateLimit(r.Context(), "ratelimit:enroll:"+source, enrollRateLimit, enrollRateWindow)
	if err != nil {
		// Redis trouble should not lock nodes out of the pool.
		h.logger.Warn("Enrollment rate limit check failed", zap.Error(err))
		return true
	}
	if !result.Allowed {
		h.logger.Warn("Enrollment rate limited",
			zap.String("source", source),
			zap.Time("reset_at", result.ResetAt),
		)
		h.server.writeJSON(w, http.StatusTooManyRequests, apiError{
			Code:    "rate_limited",
			Message: "too many enrollment attempts, retry later",
		})
		return false
	}
	return true
}

func (h *nodeHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	node, err := h.server.nodeService.Get(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, node)
}

func (h *nodeHandler) handleUpdate(w http.ResponseWriter, r *http.Request, id string) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	var req nodeservice.UpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	node, err := h.server.nodeService.Update(r.Context(), id, req)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	// Capacity changes shift the utilization the report aggregates.
	h.invalidateHealthReport(r.Context())
	h.server.writeJSON(w, http.StatusOK, node)
}

func (h *nodeHandler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	if err := h.server.nodeService.Delete(r.Context(), id); err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.invalidateHealthReport(r.Context())
	h.server.writeJSON(w, http.StatusNoContent, nil)
}

func (h *nodeHandler) handleWorkloads(w http.ResponseWriter, r *http.Request, id string) {
	workloads, err := h.server.nodeService.Workloads(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, map[string]interface{}{"workloads": workloads})
}

type maintenanceRequest struct {
	Enabled bool `json:"enabled"`
}

func (h *nodeHandler) handleMaintenance(w http.ResponseWriter, r *http.Request, id string) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	var req maintenanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	if err := h.server.nodeService.SetMaintenance(r.Context(), id, req.Enabled); err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.invalidateHealthReport(r.Context())

	node, err := h.server.nodeService.Get(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, node)
}

func (h *nodeHandler) handleEvacuate(w http.ResponseWriter, r *http.Request, id string) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	// One evacuation per node across all instances.
	if h.server.etcdClient != nil {
		lock, err := h.server.etcdClient.TryAcquireLock(r.Context(), "evacuate/"+id, evacuateLockTimeout)
		if err != nil {
			h.server.writeError(w, r, fmt.Errorf("evacuation of node %s already in progress: %w", id, domain.ErrConflict))
			return
		}
		// Release with a fresh context; the request's may already be done.
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				h.logger.Warn("Failed to release evacuation lock",
					zap.String("node_id", id),
					zap.Error(err),
				)
			}
		}()
	}

	report, err := h.server.cluster.EvacuateNode(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, report)
}
