// Package controlapi is the ControlAPI collaborator: the thin HTTP surface
// of spec.md §6 that validates inputs and dispatches to SandboxManager and
// RpcHub. Routing follows the teacher's internal/server/server.go (chi +
// middleware.Logger/Recoverer, auth as a route-group middleware); the
// credential CRUD and quota-usage handlers are grounded on the teacher's
// internal/server/quota.go and internal/db/credentials.go shapes.
package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/sandboxd/sandboxd/internal/authgate"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/containerrt"
	"github.com/sandboxd/sandboxd/internal/ephstore"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pgstore"
	"github.com/sandboxd/sandboxd/internal/quota"
	"github.com/sandboxd/sandboxd/internal/rpchub"
	"github.com/sandboxd/sandboxd/internal/sandboxmgr"
)

// Server wires every collaborator the HTTP and WebSocket surfaces need.
type Server struct {
	Auth       *authgate.Gate
	Quotas     *quota.Manager
	Sandboxes  *sandboxmgr.Manager
	Hub        *rpchub.Hub
	Persistent *pgstore.Store
	Ephemeral  ephstore.Store
	Containers *containerrt.Manager
	Cfg        config.Config
	log        zerolog.Logger
}

// New builds a Server bound to its collaborators.
func New(
	auth *authgate.Gate,
	quotas *quota.Manager,
	sandboxes *sandboxmgr.Manager,
	hub *rpchub.Hub,
	persistent *pgstore.Store,
	ephemeral ephstore.Store,
	containers *containerrt.Manager,
	cfg config.Config,
) *Server {
	return &Server{
		Auth:       auth,
		Quotas:     quotas,
		Sandboxes:  sandboxes,
		Hub:        hub,
		Persistent: persistent,
		Ephemeral:  ephemeral,
		Containers: containers,
		Cfg:        cfg,
		log:        logging.WithComponent("controlapi"),
	}
}

// Router builds the chi router for spec.md §6's HTTP and WebSocket surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)

	// Agent/client WebSocket endpoints authenticate themselves (agent
	// token query param, API key query param or Authorization bearer
	// header) rather than via
	// the X-API-Key middleware group below.
	r.Get("/agent/{sandboxId}", s.handleAgentWS)
	r.Get("/client/{sandboxId}", s.handleClientWS)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAPIKey)

		r.Post("/sandbox/create", s.handleCreateSandbox)
		r.Post("/sandbox/execute", s.handleExecute)
		r.Get("/sandbox/quota/usage", s.handleQuotaUsage)

		r.Route("/sandbox/{id}", func(r chi.Router) {
			r.Use(s.requireSandboxOwner)
			r.Post("/destroy", s.handleDestroySandbox)
			r.Get("/status", s.handleSandboxStatus)
			r.Post("/expose", s.handleExposeSandbox)
			r.Get("/ports", s.handleListPorts)
			r.Get("/stats", s.handleSandboxStats)
		})

		r.Get("/credentials", s.handleListCredentials)
		r.Post("/credentials", s.handleCreateCredential)
		r.Post("/credentials/{id}/revoke", s.handleRevokeCredential)
	})

	return r
}

// requestTimeout bounds every handler's work with a generous ceiling; it is
// not the per-operation timeout (container startup, expose, execute each
// have their own, tighter deadlines per spec.md §5).
const requestTimeout = 2 * time.Minute

func withTimeout(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), requestTimeout)
}
