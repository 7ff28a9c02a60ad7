package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ganot/capalloc/internal/domain/allocation"
	"github.com/ganot/capalloc/internal/domain/resource"
	"github.com/go-chi/chi/v5"
)

// RPCHandler handles engine method dispatch.
type RPCHandler interface {
	Handle(ctx context.Context, actor, method string, params json.RawMessage) (any, error)
}

// Server wires HTTP handlers.
type Server struct {
	handler RPCHandler
}

// NewServer creates an HTTP server router with middleware.
func NewServer(handler RPCHandler, authMiddleware func(http.Handler) http.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	if authMiddleware != nil {
		r.Use(authMiddleware)
	}

	srv := &Server{handler: handler}

	r.Post("/rpc", srv.handleRPC)
	r.Get("/health", srv.handleHealth)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	req, err := ParseRequest(r.Body)
	if err != nil {
		WriteError(w, nil, ErrInvalidReq, "invalid request", nil)
		return
	}

	actor, ok := ActorFromContext(r.Context())
	if !ok || actor == "" {
		http.Error(w, "missing actor", http.StatusUnauthorized)
		return
	}

	result, err := s.handler.Handle(r.Context(), actor, req.Method, req.Params)
	if err != nil {
		code, message, data := mapError(err)
		WriteError(w, req.ID, code, message, data)
		return
	}

	WriteResult(w, req.ID, result)
}

// mapError translates the engine's error taxonomy into JSON-RPC codes,
// carrying structured detail in error.data where it exists.
func mapError(err error) (int, string, any) {
	var validationErr *allocation.ValidationError
	var conflictErr *allocation.ConflictError
	var transitionErr *allocation.InvalidTransitionError
	var staleErr *allocation.StaleVersionError

	switch {
	case errors.As(err, &validationErr):
		return ErrValidation, validationErr.Error(), map[string]string{
			"field":  validationErr.Field,
			"reason": validationErr.Reason,
		}
	case errors.As(err, &conflictErr):
		return ErrConflict, conflictErr.Error(), conflictErr
	case errors.As(err, &transitionErr):
		return ErrInvalidTransition, transitionErr.Error(), transitionErr
	case errors.As(err, &staleErr):
		return ErrStaleVersion, staleErr.Error(), staleErr
	case errors.Is(err, resource.ErrCatalogUnavailable):
		return ErrCatalogUnavailable, err.Error(), nil
	case errors.Is(err, allocation.ErrNotFound):
		return ErrNotFoundCode, err.Error(), nil
	case errors.Is(err, ErrMethodUnknown):
		return ErrMethodNotFound, err.Error(), nil
	case errors.Is(err, errBadParams):
		return ErrInvalidParams, err.Error(), nil
	default:
		return ErrInternal, err.Error(), nil
	}
}
