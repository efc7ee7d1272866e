package server

import (
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/migration"
	workloadservice "github.com/virtforge/virtforge/internal/services/workload"
)

// workloadHandler serves the /v1/workloads REST surface.
//
// Routes:
//   - GET    /v1/workloads              - list workloads (?node= filters by owner)
//   - POST   /v1/workloads              - place a new workload
//   - GET    /v1/workloads/{id}         - get a workload
//   - DELETE /v1/workloads/{id}         - delete a workload (?force=true)
//   - POST   /v1/workloads/{id}/start   - start a stopped workload
//   - POST   /v1/workloads/{id}/stop    - stop a running workload
//   - POST   /v1/workloads/{id}/migrate - relocate the workload
type workloadHandler struct {
	server *Server
	logger *zap.Logger
}

func (h *workloadHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/workloads"), "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handlePlace(w, r)
		default:
			h.server.methodNotAllowed(w, r)
		}
		return
	}

	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, id)
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, id)
	case len(parts) == 2 && r.Method == http.MethodPost:
		switch parts[1] {
		case "start":
			h.handleStart(w, r, id)
		case "stop":
			h.handleStop(w, r, id)
		case "migrate":
			h.handleMigrate(w, r, id)
		default:
			h.server.notFound(w, r)
		}
	default:
		h.server.methodNotAllowed(w, r)
	}
}

func (h *workloadHandler) handleList(w http.ResponseWriter, r *http.Request) {
	workloads, err := h.server.workloadService.List(r.Context(), r.URL.Query().Get("node"))
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, map[string]interface{}{"workloads": workloads})
}

// placeResponse pairs the stored record with the owning node for the common
// "where did it land" question.
type placeResponse struct {
	Workload *domain.Workload `json:"workload"`
	NodeID   string           `json:"node_id"`
}

func (h *workloadHandler) handlePlace(w http.ResponseWriter, r *http.Request) {
	var req workloadservice.PlaceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	wl, err := h.server.workloadService.Place(r.Context(), req)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusCreated, placeResponse{Workload: wl, NodeID: wl.NodeID})
}

func (h *workloadHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	wl, err := h.server.workloadService.Get(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, wl)
}

func (h *workloadHandler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	force := r.URL.Query().Get("force") == "true"
	if err := h.server.workloadService.Delete(r.Context(), id, force); err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusNoContent, nil)
}

func (h *workloadHandler) handleStart(w http.ResponseWriter, r *http.Request, id string) {
	wl, err := h.server.workloadService.Start(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, wl)
}

type stopRequest struct {
	// Graceful defaults to true; a hard stop must be asked for.
	Graceful *bool `json:"graceful,omitempty"`
}

func (h *workloadHandler) handleStop(w http.ResponseWriter, r *http.Request, id string) {
	var req stopRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.server.writeError(w, r, err)
			return
		}
	}
	graceful := req.Graceful == nil || *req.Graceful

	wl, err := h.server.workloadService.Stop(r.Context(), id, graceful)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, wl)
}

type migrateRequest struct {
	TargetNodeID string `json:"target_node_id,omitempty"`
	// Mode is LIVE or OFFLINE; empty picks by the workload's run state.
	Mode     string `json:"mode,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

func (h *workloadHandler) handleMigrate(w http.ResponseWriter, r *http.Request, id string) {
	var req migrateRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.server.writeError(w, r, err)
			return
		}
	}

	// Reject a bad strategy here; past this point a job record is created
	// even for requests that fail.
	strat := domain.PlacementStrategy(strings.ToUpper(req.Strategy))
	if req.Strategy != "" && !strat.Valid() {
		h.server.writeError(w, r, fmt.Errorf("unknown placement strategy %q: %w", req.Strategy, domain.ErrInvalidArgument))
		return
	}

	mode := domain.MigrationMode(strings.ToUpper(req.Mode))
	if req.Mode == "" {
		wl, err := h.server.workloadService.Get(r.Context(), id)
		if err != nil {
			h.server.writeError(w, r, err)
			return
		}
		mode = domain.MigrationModeOffline
		if wl.IsRunning() {
			mode = domain.MigrationModeLive
		}
	}

	job, err := h.server.migrations.Start(r.Context(), migration.StartRequest{
		WorkloadID:   id,
		TargetNodeID: req.TargetNodeID,
		Mode:         mode,
		Strategy:     strat,
	})
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}

	h.logger.Info("Migration accepted",
		zap.String("workload_id", id),
		zap.String("job_id", job.ID),
		zap.String("mode", string(mode)),
	)
	h.server.writeJSON(w, http.StatusAccepted, job)
}
