package sandboxmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/authgate"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/containerrt"
	"github.com/sandboxd/sandboxd/internal/ephstore"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pgstore"
	"github.com/sandboxd/sandboxd/internal/portalloc"
	"github.com/sandboxd/sandboxd/internal/portexposer"
	"github.com/sandboxd/sandboxd/internal/quota"
)

const agentTokenTTL = 24 * time.Hour

// Containers is the subset of containerrt.Manager SandboxManager needs.
type Containers interface {
	Create(ctx context.Context, spec *containerrt.ContainerSpec) (string, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (containerrt.ContainerInfo, error)
	RemoveVolume(ctx context.Context, name string) error
	Stats(ctx context.Context, containerID string) (containerrt.Stats, error)
}

// Sessions is the subset of rpchub.Hub SandboxManager needs.
type Sessions interface {
	HasAgent(sandboxID string) bool
	CloseSandbox(sandboxID string)
}

// Manager implements spec.md §4.6. It is the one collaborator that touches
// every other: AuthGate for tokens, QuotaManager for admission,
// ContainerManager for the runtime, PortAllocator/PortExposer for networking,
// RpcHub for live sessions, and both stores for persistence.
type Manager struct {
	persistent *pgstore.Store
	ephemeral  ephstore.Store
	containers Containers
	auth       *authgate.Gate
	quotas     *quota.Manager
	ports      *portalloc.Allocator
	exposer    *portexposer.Exposer
	sessions   Sessions
	cfg        config.Config
	log        zerolog.Logger
}

// New wires a Manager from its collaborators.
func New(
	persistent *pgstore.Store,
	ephemeral ephstore.Store,
	containers Containers,
	auth *authgate.Gate,
	quotas *quota.Manager,
	ports *portalloc.Allocator,
	exposer *portexposer.Exposer,
	sessions Sessions,
	cfg config.Config,
) *Manager {
	return &Manager{
		persistent: persistent,
		ephemeral:  ephemeral,
		containers: containers,
		auth:       auth,
		quotas:     quotas,
		ports:      ports,
		exposer:    exposer,
		sessions:   sessions,
		cfg:        cfg,
		log:        logging.WithComponent("sandboxmgr"),
	}
}

// CreateResult is the response of Create.
type CreateResult struct {
	SandboxID string
	AgentURL  string
	Tier      string
	Limits    config.TierLimits
	ExpiresAt time.Time
}

// Create implements spec.md §4.6's create operation: admission, container
// start, dual-store persistence, with best-effort cleanup of a partially
// created container on any failure.
func (m *Manager) Create(ctx context.Context, userID, credentialID, tier string) (*CreateResult, error) {
	if err := m.quotas.Admit(userID, credentialID, tier); err != nil {
		return nil, err
	}
	limits, ok := m.cfg.Tiers[tier]
	if !ok {
		return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown tier %q", tier))
	}

	sandboxID := uuid.NewString()
	agentToken, err := m.auth.MintAgentToken(sandboxID, "agent", userID, tier, agentTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("mint agent token: %w", err)
	}

	orchestratorURL := fmt.Sprintf("ws://%s:%s", m.cfg.OrchestratorHost, m.cfg.WSPort)
	spec := containerrt.BuildSpec(sandboxID, agentToken, m.cfg.AgentImage, tier, limits, orchestratorURL)

	containerID, err := m.containers.Create(ctx, spec)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(limits.LifetimeHours) * time.Hour)

	if err := m.persistent.InsertSandbox(sandboxID, userID, credentialID, ""); err != nil {
		m.containers.Stop(ctx, containerID)
		m.containers.Remove(ctx, containerID)
		return nil, fmt.Errorf("persist sandbox: %w", err)
	}

	live := Live{
		SandboxID:    sandboxID,
		UserID:       userID,
		CredentialID: credentialID,
		ContainerID:  containerID,
		Tier:         tier,
		CreatedAt:    now,
		ExpiresAt:    expiresAt,
		Image:        m.cfg.AgentImage,
		MemoryMB:     limits.MaxMemoryMB,
		CPUShares:    limits.MaxCPUShares,
	}
	if err := putLive(ctx, m.ephemeral, live, time.Until(expiresAt)); err != nil {
		m.containers.Stop(ctx, containerID)
		m.containers.Remove(ctx, containerID)
		_ = m.persistent.UpdateSandboxStatus(sandboxID, pgstore.StatusDestroyed)
		return nil, fmt.Errorf("persist sandbox live: %w", err)
	}

	return &CreateResult{
		SandboxID: sandboxID,
		AgentURL:  orchestratorURL,
		Tier:      tier,
		Limits:    limits,
		ExpiresAt: expiresAt,
	}, nil
}

// Destroy implements spec.md §4.6's destroy operation. Every cleanup step
// except the persistent status update tolerates failure; a failure to load
// the sandbox from either store also aborts before any cleanup. A second
// Destroy call on the same sandboxID must report NotFound (spec.md §8's
// destroy-is-idempotent-on-404 property), so the current persistent status
// is checked before any cleanup runs.
func (m *Manager) Destroy(ctx context.Context, sandboxID string) error {
	sbx, err := m.persistent.GetSandboxByID(sandboxID)
	if err != nil {
		return fmt.Errorf("load sandbox: %w", err)
	}
	if sbx == nil || sbx.Status != pgstore.StatusActive {
		return apierr.New(apierr.NotFound, "sandbox not found")
	}

	live, found, err := getLive(ctx, m.ephemeral, sandboxID)
	if err != nil {
		return fmt.Errorf("load sandbox live: %w", err)
	}

	m.sessions.CloseSandbox(sandboxID)

	if found {
		if err := m.containers.Stop(ctx, live.ContainerID); err != nil {
			m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("stop during destroy failed")
		}
		if err := m.containers.Remove(ctx, live.ContainerID); err != nil {
			m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("remove during destroy failed")
		}
	}

	if err := m.ports.ReleaseAll(ctx, sandboxID); err != nil {
		m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("release ports during destroy failed")
	}
	if err := m.containers.RemoveVolume(ctx, dataVolumeName(sandboxID)); err != nil {
		m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("remove volume during destroy failed")
	}

	if err := m.persistent.UpdateSandboxStatus(sandboxID, pgstore.StatusDestroyed); err != nil {
		return fmt.Errorf("mark sandbox destroyed: %w", err)
	}

	if err := deleteLive(ctx, m.ephemeral, sandboxID); err != nil {
		m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("purge ephemeral keys during destroy failed")
	}
	return nil
}

// StatusResult is the response of Status.
type StatusResult struct {
	Connected        bool
	ContainerRunning bool
	ContainerStatus  string
	PersistentStatus pgstore.Status
	CreatedAt        time.Time
	LastActivityAt   time.Time
}

// Status implements spec.md §4.6's status operation.
func (m *Manager) Status(ctx context.Context, sandboxID string) (*StatusResult, error) {
	sbx, err := m.persistent.GetSandboxByID(sandboxID)
	if err != nil {
		return nil, fmt.Errorf("load sandbox: %w", err)
	}
	if sbx == nil {
		return nil, apierr.New(apierr.NotFound, "sandbox not found")
	}

	result := &StatusResult{PersistentStatus: sbx.Status, CreatedAt: sbx.CreatedAt, Connected: m.sessions.HasAgent(sandboxID)}

	live, found, err := getLive(ctx, m.ephemeral, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("load sandbox live: %w", err)
	}
	if found {
		result.LastActivityAt = live.LastActivityAt
		info, err := m.containers.Inspect(ctx, live.ContainerID)
		if err == nil {
			result.ContainerRunning = info.Running
			result.ContainerStatus = info.Status
		}
	}
	return result, nil
}

// Expose delegates to PortExposer, resolving the sandbox's current container
// id and orchestrator host first.
func (m *Manager) Expose(ctx context.Context, sandboxID string, containerPort int64) (*portexposer.Result, error) {
	live, found, err := getLive(ctx, m.ephemeral, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("load sandbox live: %w", err)
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "sandbox not found")
	}

	result, err := m.exposer.Expose(ctx, sandboxID, live.ContainerID, containerPort, time.Until(live.ExpiresAt), m.cfg.OrchestratorHost)
	if err != nil {
		return nil, err
	}

	if err := updateContainerID(ctx, m.ephemeral, sandboxID, result.NewContainerID); err != nil {
		m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to persist new container id after expose")
	}
	return result, nil
}

// ListPorts implements spec.md §4.6's listPorts operation.
func (m *Manager) ListPorts(ctx context.Context, sandboxID string) (map[int64]int64, error) {
	return m.ports.ListPorts(ctx, sandboxID)
}

// StatsResult is the response of Stats.
type StatsResult struct {
	Stats           containerrt.Stats
	Limits          config.TierLimits
	Violations      []containerrt.Violation
	Recommendations []string
}

// Stats implements spec.md §4.6's stats operation.
func (m *Manager) Stats(ctx context.Context, sandboxID string) (*StatsResult, error) {
	live, found, err := getLive(ctx, m.ephemeral, sandboxID)
	if err != nil {
		return nil, fmt.Errorf("load sandbox live: %w", err)
	}
	if !found {
		return nil, apierr.New(apierr.NotFound, "sandbox not found")
	}

	stats, err := m.containers.Stats(ctx, live.ContainerID)
	if err != nil {
		return nil, err
	}

	return &StatsResult{
		Stats:           stats,
		Limits:          m.cfg.Tiers[live.Tier],
		Violations:      containerrt.Violations(stats),
		Recommendations: containerrt.Recommendations(stats),
	}, nil
}

// GetLive returns the ephemeral SandboxLive projection for sandboxID, used
// by ControlAPI's client-websocket auth to check allow-unauthenticated and
// ownership without duplicating the ephemeral key scheme.
func (m *Manager) GetLive(ctx context.Context, sandboxID string) (Live, bool, error) {
	return getLive(ctx, m.ephemeral, sandboxID)
}

// TouchActivity records RPC traffic on sandboxID for the idle-tracking
// fields surfaced by Status, throttled per TouchActivity's package-level
// rule. Failures are non-critical and logged, never propagated.
func (m *Manager) TouchActivity(ctx context.Context, sandboxID string) {
	if err := TouchActivity(ctx, m.ephemeral, sandboxID); err != nil {
		m.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("failed to touch sandbox activity")
	}
}

func dataVolumeName(sandboxID string) string {
	return "sandbox-data-" + sandboxID
}
