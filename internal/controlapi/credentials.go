package controlapi

import (
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/authgate"
)

type credentialView struct {
	ID         string     `json:"id"`
	Prefix     string     `json:"prefix"`
	Name       string     `json:"name"`
	CreatedAt  time.Time  `json:"createdAt"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// handleListCredentials implements GET /credentials.
func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	creds, err := s.Persistent.ListCredentials(caller.UserID)
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]credentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, credentialView{
			ID: c.ID, Prefix: c.KeyPrefix, Name: c.Name,
			CreatedAt: c.CreatedAt, ExpiresAt: c.ExpiresAt,
			RevokedAt: c.RevokedAt, LastUsedAt: c.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"credentials": views})
}

// handleCreateCredential implements POST /credentials. The full key is
// returned exactly once in this response body.
func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	var req struct {
		Name string `json:"name"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}

	key, err := authgate.MintAPIKey()
	if err != nil {
		writeError(w, err)
		return
	}
	hash, err := authgate.HashAPIKey(key)
	if err != nil {
		writeError(w, err)
		return
	}

	id := uuid.NewString()
	if err := s.Persistent.CreateCredential(id, caller.UserID, authgate.KeyPrefix(key), hash, req.Name, nil); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"key":    key,
		"prefix": authgate.KeyPrefix(key),
		"name":   req.Name,
	})
}

// handleRevokeCredential implements POST /credentials/:id/revoke.
func (s *Server) handleRevokeCredential(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	id := chi.URLParam(r, "id")

	if err := s.Persistent.RevokeCredential(id, caller.UserID); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, apierr.New(apierr.NotFound, "credential not found"))
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}
