package controlapi

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"github.com/sandboxd/sandboxd/internal/sandboxmgr"
)

// handleAgentWS implements GET /agent/:sandboxId?token=<agent-jwt>. Closes
// with 1008 on invalid token or sandbox-id mismatch, per spec.md §6.
func (s *Server) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")
	token := r.URL.Query().Get("token")
	if sandboxID == "" || token == "" {
		http.Error(w, "missing sandboxId or token", http.StatusBadRequest)
		return
	}

	claims, err := s.Auth.VerifyAgentToken(token, sandboxID)
	if err != nil {
		rejectWS(w, r, "invalid agent token")
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("agent websocket accept failed")
		return
	}

	session := s.Hub.AgentConnect(sandboxID, conn, claims.Subject)
	defer s.Hub.AgentDisconnect(sandboxID, session)

	ctx := r.Context()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			break
		}
		s.Sandboxes.TouchActivity(ctx, sandboxID)
		s.Hub.AgentMessage(ctx, sandboxID, raw)
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// handleClientWS implements GET /client/:sandboxId?apiKey=... (or
// Authorization bearer). Closes with 1008 on invalid credentials or
// ownership mismatch, unless the sandbox's SandboxLive has
// allow-unauthenticated set, per spec.md §4.7's clientConnect rule.
func (s *Server) handleClientWS(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "sandboxId")
	if sandboxID == "" {
		http.Error(w, "missing sandboxId", http.StatusBadRequest)
		return
	}

	live, found, err := s.Sandboxes.GetLive(r.Context(), sandboxID)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !found {
		rejectWS(w, r, "sandbox not found")
		return
	}

	subject, authMethod, authErr := s.authenticateClient(r, live)
	if authErr != nil {
		if !live.AllowUnauthenticated {
			rejectWS(w, r, "unauthorized")
			return
		}
		subject, authMethod = "", "unauthenticated"
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("client websocket accept failed")
		return
	}

	session := s.Hub.ClientConnect(sandboxID, conn, subject, authMethod)
	defer s.Hub.ClientDisconnect(sandboxID, session)

	ctx := r.Context()
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			break
		}
		s.Sandboxes.TouchActivity(ctx, sandboxID)
		if err := s.Hub.ClientMessage(ctx, sandboxID, session, raw); err != nil {
			s.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("client message routing failed")
		}
	}
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// authenticateClient resolves the caller from either the apiKey query param
// or an Authorization bearer JWT and checks it owns live's sandbox.
func (s *Server) authenticateClient(r *http.Request, live sandboxmgr.Live) (subject, method string, err error) {
	ctx := r.Context()
	if apiKey := r.URL.Query().Get("apiKey"); apiKey != "" {
		caller, err := s.Auth.VerifyAPIKey(ctx, apiKey)
		if err != nil {
			return "", "", err
		}
		if caller.UserID != live.UserID {
			return "", "", errOwnershipMismatch
		}
		return caller.UserID, "apiKey", nil
	}

	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		token := strings.TrimPrefix(auth, "Bearer ")
		claims, err := s.Auth.VerifyUserToken(token)
		if err != nil {
			return "", "", err
		}
		if claims.UserID != live.UserID {
			return "", "", errOwnershipMismatch
		}
		return claims.UserID, "bearer", nil
	}

	return "", "", errNoCredentials
}

// rejectWS accepts the upgrade just long enough to close it with a policy
// violation, so the caller observes a WebSocket close frame rather than a
// bare HTTP error (spec.md §6 specifies close codes, not HTTP statuses, for
// these endpoints).
func rejectWS(w http.ResponseWriter, r *http.Request, reason string) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	_ = conn.Close(websocket.StatusPolicyViolation, reason)
}

type authError string

func (e authError) Error() string { return string(e) }

const (
	errNoCredentials     authError = "no credentials presented"
	errOwnershipMismatch authError = "caller does not own this sandbox"
)
