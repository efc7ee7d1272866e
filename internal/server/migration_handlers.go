package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// migrationHandler serves the /v1/migrations REST surface.
//
// Routes:
//   - GET  /v1/migrations             - list jobs (?workload= or ?active=true)
//   - GET  /v1/migrations/{id}        - get a job
//   - POST /v1/migrations/{id}/cancel - cancel a job before its commit point
//   - GET  /v1/migrations/{id}/watch  - WebSocket stage-event stream
type migrationHandler struct {
	server *Server
	logger *zap.Logger
}

func (h *migrationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/migrations"), "/")

	if path == "" {
		if r.Method != http.MethodGet {
			h.server.methodNotAllowed(w, r)
			return
		}
		h.handleList(w, r)
		return
	}

	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		h.handleGet(w, r, id)
	case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
		h.handleCancel(w, r, id)
	case len(parts) == 2 && parts[1] == "watch" && r.Method == http.MethodGet:
		h.handleWatch(w, r, id)
	default:
		h.server.methodNotAllowed(w, r)
	}
}

func (h *migrationHandler) handleList(w http.ResponseWriter, r *http.Request) {
	var err error
	var jobs interface{}

	switch {
	case r.URL.Query().Get("workload") != "":
		jobs, err = h.server.migrations.ListByWorkload(r.Context(), r.URL.Query().Get("workload"))
	case r.URL.Query().Get("active") == "true":
		jobs, err = h.server.migrations.ListActive(r.Context())
	default:
		jobs, err = h.server.jobs.List(r.Context())
	}
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, map[string]interface{}{"migrations": jobs})
}

func (h *migrationHandler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	job, err := h.server.migrations.Status(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, job)
}

func (h *migrationHandler) handleCancel(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.server.migrations.Cancel(r.Context(), id); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	h.logger.Info("Migration cancel requested", zap.String("job_id", id))

	job, err := h.server.migrations.Status(r.Context(), id)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusAccepted, job)
}
