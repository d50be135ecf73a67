package controlapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/authgate"
)

type contextKey string

const callerContextKey contextKey = "controlapi.caller"

// callerFromContext extracts the verified API-key caller a middleware
// stashed earlier in the chain.
func callerFromContext(ctx context.Context) (*authgate.VerifiedKey, bool) {
	v, ok := ctx.Value(callerContextKey).(*authgate.VerifiedKey)
	return v, ok
}

// requireAPIKey implements the `X-API-Key` requirement spec.md §6 places on
// every non-auth endpoint.
func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("X-API-Key")
		if raw == "" {
			writeError(w, apierr.New(apierr.Unauthenticated, "missing X-API-Key header"))
			return
		}
		caller, err := s.Auth.VerifyAPIKey(r.Context(), raw)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), callerContextKey, caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireSandboxOwner implements the "key + owner" auth level: the sandbox
// named by the {id} URL param must belong to the already-authenticated
// caller, per spec.md §4.1's sandbox-access flow.
func (s *Server) requireSandboxOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFromContext(r.Context())
		if !ok {
			writeError(w, apierr.New(apierr.Unauthenticated, "missing authenticated caller"))
			return
		}
		sandboxID := chi.URLParam(r, "id")
		sbx, err := s.Persistent.GetSandboxByID(sandboxID)
		if err != nil {
			writeError(w, err)
			return
		}
		if sbx == nil {
			writeError(w, apierr.New(apierr.NotFound, "sandbox not found"))
			return
		}
		if err := authgate.CheckSandboxOwnership(sbx.UserID, caller.UserID); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}
