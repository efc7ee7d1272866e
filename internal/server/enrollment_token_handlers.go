package server

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/server/middleware"
	nodeservice "github.com/virtforge/virtforge/internal/services/node"
)

// tokenHandler serves the /v1/enrollment-tokens REST surface. Every route
// requires an admin token: the records expose no secrets, but who may mint
// pool credentials is an admin concern.
//
// Routes:
//   - GET    /v1/enrollment-tokens             - list tokens
//   - POST   /v1/enrollment-tokens             - mint a token (plaintext shown once)
//   - POST   /v1/enrollment-tokens/{id}/revoke - revoke a token
//   - DELETE /v1/enrollment-tokens/{id}        - delete a token record
type tokenHandler struct {
	server *Server
	logger *zap.Logger
}

func (h *tokenHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := middleware.RequireAdmin(r.Context()); err != nil {
		h.server.writeError(w, r, err)
		return
	}

	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/enrollment-tokens"), "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.handleList(w, r)
		case http.MethodPost:
			h.handleCreate(w, r)
		default:
			h.server.methodNotAllowed(w, r)
		}
		return
	}

	parts := strings.Split(path, "/")
	id := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		h.handleDelete(w, r, id)
	case len(parts) == 2 && parts[1] == "revoke" && r.Method == http.MethodPost:
		h.handleRevoke(w, r, id)
	default:
		h.server.methodNotAllowed(w, r)
	}
}

func (h *tokenHandler) handleList(w http.ResponseWriter, r *http.Request) {
	tokens, err := h.server.nodeService.ListTokens(r.Context())
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": tokens})
}

func (h *tokenHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req nodeservice.CreateTokenRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			h.server.writeError(w, r, err)
			return
		}
	}

	created, err := h.server.nodeService.CreateToken(r.Context(), req)
	if err != nil {
		h.server.writeError(w, r, err)
		return
	}

	h.logger.Info("Enrollment token minted",
		zap.String("token_id", created.Token.ID),
		zap.String("description", created.Token.Description),
	)
	h.server.writeJSON(w, http.StatusCreated, created)
}

func (h *tokenHandler) handleRevoke(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.server.nodeService.RevokeToken(r.Context(), id); err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusNoContent, nil)
}

func (h *tokenHandler) handleDelete(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.server.nodeService.DeleteToken(r.Context(), id); err != nil {
		h.server.writeError(w, r, err)
		return
	}
	h.server.writeJSON(w, http.StatusNoContent, nil)
}
