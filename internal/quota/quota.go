// Package quota is the QuotaManager collaborator: enforces per-user,
// per-credential, and system-wide active-sandbox caps per tier, grounded on
// the teacher's internal/db/quotas.go count-based checks.
package quota

import (
	"fmt"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/config"
	"github.com/sandboxd/sandboxd/internal/pgstore"
)

// Counter is the subset of PersistentStore quota needs; satisfied by
// *pgstore.Store and by fakes in tests.
type Counter interface {
	CountSandboxesByUser(userID string) (int64, error)
	CountSandboxesByCredential(credentialID string) (int64, error)
	CountSandboxesGlobal() (int64, error)
}

var _ Counter = (*pgstore.Store)(nil)

// Manager enforces admission per spec.md §4.2.
type Manager struct {
	counts           Counter
	tiers            map[string]config.TierLimits
	maxPerCredential int64
	maxSystemWide    int64
}

// New builds a Manager bound to counts, the per-tier caps, and the two
// global caps (per-credential and system-wide) from config.
func New(counts Counter, tiers map[string]config.TierLimits, maxPerCredential, maxSystemWide int64) *Manager {
	return &Manager{counts: counts, tiers: tiers, maxPerCredential: maxPerCredential, maxSystemWide: maxSystemWide}
}

// Admit runs the three admission predicates in order, failing fast on the
// first violated cap. No transaction/lock is taken; bounded over-admission
// under concurrent creates is accepted per spec.md §4.2/§5.
func (m *Manager) Admit(userID, credentialID, tier string) error {
	limits, ok := m.tiers[tier]
	if !ok {
		return apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown tier %q", tier))
	}

	userCount, err := m.counts.CountSandboxesByUser(userID)
	if err != nil {
		return fmt.Errorf("count user sandboxes: %w", err)
	}
	if userCount >= limits.MaxSandboxes {
		return apierr.New(apierr.QuotaExceeded, fmt.Sprintf("Maximum sandboxes limit reached (%d)", limits.MaxSandboxes))
	}

	credCount, err := m.counts.CountSandboxesByCredential(credentialID)
	if err != nil {
		return fmt.Errorf("count credential sandboxes: %w", err)
	}
	if credCount >= m.maxPerCredential {
		return apierr.New(apierr.QuotaExceeded, fmt.Sprintf("Maximum sandboxes per credential reached (%d)", m.maxPerCredential))
	}

	globalCount, err := m.counts.CountSandboxesGlobal()
	if err != nil {
		return fmt.Errorf("count global sandboxes: %w", err)
	}
	if globalCount >= m.maxSystemWide {
		return apierr.New(apierr.QuotaExceeded, fmt.Sprintf("System-wide sandbox limit reached (%d)", m.maxSystemWide))
	}

	return nil
}

// Usage is the admin usage snapshot supplemented per SPEC_FULL.md §6.1.
type Usage struct {
	UserActive   int64 `json:"userActive"`
	GlobalActive int64 `json:"globalActive"`
	Tier         string `json:"tier"`
	Limits       config.TierLimits `json:"limits"`
}

// Snapshot reports current usage for GET /sandbox/quota/usage.
func (m *Manager) Snapshot(userID, tier string) (*Usage, error) {
	limits, ok := m.tiers[tier]
	if !ok {
		return nil, apierr.New(apierr.InvalidInput, fmt.Sprintf("unknown tier %q", tier))
	}
	userCount, err := m.counts.CountSandboxesByUser(userID)
	if err != nil {
		return nil, fmt.Errorf("count user sandboxes: %w", err)
	}
	globalCount, err := m.counts.CountSandboxesGlobal()
	if err != nil {
		return nil, fmt.Errorf("count global sandboxes: %w", err)
	}
	return &Usage{UserActive: userCount, GlobalActive: globalCount, Tier: tier, Limits: limits}, nil
}
