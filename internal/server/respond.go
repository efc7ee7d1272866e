package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/virtforge/virtforge/internal/domain"
	"github.com/virtforge/virtforge/internal/server/middleware"
	"github.com/virtforge/virtforge/internal/services/node"
)

// apiError is the wire shape of every error response.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// writeError maps a domain error to an HTTP response. Unexpected errors are
// logged at error level; expected rejections only at warn.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		// Store and driver failures carry internals the caller has no
		// business seeing.
		message = "internal error"
	} else {
		s.logger.Warn("Request rejected",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	s.writeJSON(w, status, apiError{Code: code, Message: message})
}

// statusFor maps the domain error taxonomy to HTTP status codes. Placement
// failures distinguish "nothing is schedulable right now" (503) from "this
// request can never fit" (422).
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "invalid_argument"
	case errors.Is(err, middleware.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, middleware.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, node.ErrInvalidToken):
		return http.StatusForbidden, "invalid_token"
	case errors.Is(err, domain.ErrAlreadyExists):
		return http.StatusConflict, "already_exists"
	case errors.Is(err, domain.ErrMigrationConflict):
		return http.StatusConflict, "migration_conflict"
	case errors.Is(err, domain.ErrReservationConflict):
		// Placement retried internally and kept losing; the caller may retry.
		return http.StatusConflict, "reservation_conflict"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrInsufficientCapacity):
		return http.StatusUnprocessableEntity, "insufficient_capacity"
	case errors.Is(err, domain.ErrAffinityUnsatisfiable):
		return http.StatusUnprocessableEntity, "affinity_unsatisfiable"
	case errors.Is(err, domain.ErrPreflightIncompatible):
		return http.StatusUnprocessableEntity, "preflight_incompatible"
	case errors.Is(err, domain.ErrAllNodesUnavailable):
		return http.StatusServiceUnavailable, "all_nodes_unavailable"
	case errors.Is(err, domain.ErrUnavailable):
		return http.StatusServiceUnavailable, "unavailable"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// maxBodyBytes bounds request bodies; none of the API payloads are large.
const maxBodyBytes = 1 << 20

// decodeJSON decodes a request body into dst.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", domain.ErrInvalidArgument)
	}
	return nil
}

// methodNotAllowed rejects a request whose method has no route.
func (s *Server) methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusMethodNotAllowed, apiError{
		Code:    "method_not_allowed",
		Message: fmt.Sprintf("method %s is not supported on %s", r.Method, r.URL.Path),
	})
}

// notFound rejects a request for an unknown path.
func (s *Server) notFound(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusNotFound, apiError{
		Code:    "not_found",
		Message: fmt.Sprintf("no route for %s", r.URL.Path),
	})
}
