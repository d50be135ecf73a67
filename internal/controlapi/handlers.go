package controlapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sandboxd/sandboxd/internal/apierr"
)

const defaultTier = "free"

// handleHealth implements GET /health: per-dependency booleans for
// Postgres/Redis/Docker, 503 if any is down, per spec.md §6's supplemented
// health breakdown (SPEC_FULL.md §6.3).
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	pgOK := s.Persistent.Healthy()
	redisOK := s.Ephemeral.Ping(ctx) == nil
	dockerOK := s.Containers.Healthy()

	services := map[string]bool{"pg": pgOK, "redis": redisOK, "docker": dockerOK}
	status := http.StatusOK
	overall := "ok"
	if !pgOK || !redisOK || !dockerOK {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	writeJSON(w, status, map[string]interface{}{"status": overall, "services": services})
}

// handleCreateSandbox implements POST /sandbox/create.
func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	var req struct {
		Tier string `json:"tier"`
	}
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, err)
			return
		}
	}
	if req.Tier == "" {
		req.Tier = defaultTier
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	result, err := s.Sandboxes.Create(ctx, caller.UserID, caller.CredentialID, req.Tier)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sandboxId":      result.SandboxID,
		"agentUrl":       result.AgentURL,
		"tier":           result.Tier,
		"resourceLimits": result.Limits,
		"expiresAt":      result.ExpiresAt,
	})
}

// handleDestroySandbox implements POST /sandbox/:id/destroy.
func (s *Server) handleDestroySandbox(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "id")
	ctx, cancel := withTimeout(r)
	defer cancel()

	if err := s.Sandboxes.Destroy(ctx, sandboxID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// handleSandboxStatus implements GET /sandbox/:id/status.
func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "id")
	ctx, cancel := withTimeout(r)
	defer cancel()

	result, err := s.Sandboxes.Status(ctx, sandboxID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sandboxId":       sandboxID,
		"connected":       result.Connected,
		"createdAt":       result.CreatedAt,
		"status":          result.PersistentStatus,
		"containerStatus": result.ContainerStatus,
		"lastActivityAt":  result.LastActivityAt,
	})
}

// handleExposeSandbox implements POST /sandbox/:id/expose.
func (s *Server) handleExposeSandbox(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "id")
	var req struct {
		ContainerPort int64 `json:"containerPort"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ContainerPort <= 0 {
		writeError(w, apierr.New(apierr.InvalidInput, "containerPort must be positive"))
		return
	}

	ctx, cancel := withTimeout(r)
	defer cancel()

	result, err := s.Sandboxes.Expose(ctx, sandboxID, req.ContainerPort)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"hostPort":         result.HostPort,
		"url":              result.URL,
		"agentReconnected": result.AgentReconnected,
	})
}

// handleListPorts implements GET /sandbox/:id/ports.
func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "id")
	ctx, cancel := withTimeout(r)
	defer cancel()

	ports, err := s.Sandboxes.ListPorts(ctx, sandboxID)
	if err != nil {
		writeError(w, err)
		return
	}

	type portEntry struct {
		ContainerPort int64  `json:"containerPort"`
		HostPort      int64  `json:"hostPort"`
		URL           string `json:"url"`
	}
	entries := make([]portEntry, 0, len(ports))
	for cp, hp := range ports {
		entries = append(entries, portEntry{
			ContainerPort: cp,
			HostPort:      hp,
			URL:           buildPortURL(s.Cfg.OrchestratorHost, hp),
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": entries})
}

func buildPortURL(host string, port int64) string {
	return "http://" + host + ":" + itoa(port)
}

// handleSandboxStats implements GET /sandbox/:id/stats.
func (s *Server) handleSandboxStats(w http.ResponseWriter, r *http.Request) {
	sandboxID := chi.URLParam(r, "id")
	ctx, cancel := withTimeout(r)
	defer cancel()

	result, err := s.Sandboxes.Stats(ctx, sandboxID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":           result.Stats,
		"resourceLimits":  result.Limits,
		"violations":      result.Violations,
		"recommendations": result.Recommendations,
	})
}

// handleQuotaUsage implements GET /sandbox/quota/usage.
func (s *Server) handleQuotaUsage(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())
	tier := r.URL.Query().Get("tier")
	if tier == "" {
		tier = defaultTier
	}

	usage, err := s.Quotas.Snapshot(caller.UserID, tier)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"usage":  usage,
		"limits": usage.Limits,
		"tier":   usage.Tier,
	})
}

// handleExecute implements POST /sandbox/execute.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromContext(r.Context())

	var req struct {
		Code     string `json:"code"`
		Language string `json:"language"`
		Timeout  int64  `json:"timeout"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Code == "" || req.Language == "" {
		writeError(w, apierr.New(apierr.InvalidInput, "code and language are required"))
		return
	}

	timeout := time.Duration(req.Timeout) * time.Second
	ctx, cancel := context.WithTimeout(r.Context(), executeCtxBudget(timeout, s.Cfg.ExecuteTimeout))
	defer cancel()

	result, err := s.Sandboxes.Execute(ctx, s.Containers, caller.UserID, req.Language, req.Code, timeout)
	if err != nil {
		writeError(w, err)
		return
	}

	body := map[string]interface{}{
		"success":  result.ExitCode == 0 && !result.CompileFailed,
		"stdout":   result.Stdout,
		"stderr":   result.Stderr,
		"exitCode": result.ExitCode,
	}
	if result.Compiled {
		body["compileResult"] = map[string]interface{}{
			"success": !result.CompileFailed,
			"stdout":  result.Stdout,
			"stderr":  result.Stderr,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func executeCtxBudget(requested, fallback time.Duration) time.Duration {
	if requested > 0 {
		return requested + 10*time.Second
	}
	return fallback + 10*time.Second
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
