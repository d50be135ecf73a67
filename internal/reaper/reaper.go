// Package reaper is the Reaper collaborator: three periodic, idempotent,
// crash-safe sweeps — expired sandboxes, orphan pool containers, orphan
// port allocations — per spec.md §4.8. Grounded on the teacher's
// sbxstore.IdleWatcher ticker-loop shape, generalized from idle-timeout
// eviction to tier-lifetime expiry plus the two GC sweeps this system adds.
package reaper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/pgstore"
	"github.com/sandboxd/sandboxd/internal/sandboxmgr"
)

// Containers is the subset of containerrt.Manager the Reaper needs.
type Containers interface {
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	CleanOrphans(ctx context.Context, knownSandboxIDs map[string]bool)
}

// Ports is the subset of portalloc.Allocator the Reaper needs for the
// orphan-port-allocation sweep.
type Ports interface {
	OrphanScan(ctx context.Context) ([]int64, error)
	AllocationSandbox(ctx context.Context, hostPort int64) (string, bool, error)
	ReleaseAll(ctx context.Context, sandboxID string) error
}

// Persistent is the subset of pgstore.Store the Reaper needs.
type Persistent interface {
	ListActiveSandboxes() ([]pgstore.Sandbox, error)
	UpdateSandboxStatus(id string, status pgstore.Status) error
}

// Ephemeral is the subset of ephstore.Store the Reaper needs to test
// whether a sandbox's live projection still exists.
type Ephemeral interface {
	Exists(ctx context.Context, key string) (bool, error)
}

// Reaper runs the three sweeps of spec.md §4.8 on a ticker.
type Reaper struct {
	persistent Persistent
	ephemeral  Ephemeral
	containers Containers
	ports      Ports
	interval   time.Duration
	log        zerolog.Logger

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

// New builds a Reaper that sweeps every interval.
func New(persistent Persistent, ephemeral Ephemeral, containers Containers, ports Ports, interval time.Duration) *Reaper {
	return &Reaper{
		persistent: persistent,
		ephemeral:  ephemeral,
		containers: containers,
		ports:      ports,
		interval:   interval,
		log:        logging.WithComponent("reaper"),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// liveKey delegates to sandboxmgr's exported key scheme for SandboxLive so
// the two packages never drift apart on the naming.
func liveKey(sandboxID string) string { return sandboxmgr.LiveKey(sandboxID) }

// Start runs all three sweeps once immediately, then on every tick of
// interval, until Stop is called.
func (r *Reaper) Start(ctx context.Context) {
	go func() {
		defer close(r.done)
		r.runAll(ctx)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stop:
				return
			case <-ticker.C:
				r.runAll(ctx)
			}
		}
	}()
}

// Stop signals the sweep loop to exit and waits for it to do so.
func (r *Reaper) Stop() {
	r.once.Do(func() { close(r.stop) })
	<-r.done
}

func (r *Reaper) runAll(ctx context.Context) {
	r.sweepExpiredSandboxes(ctx)
	r.sweepOrphanContainers(ctx)
	r.sweepOrphanPorts(ctx)
}

// sweepExpiredSandboxes implements spec.md §4.8 sweep 1: every persistent
// `active` row whose tier lifetime has elapsed is marked `expired` and has
// its ports released. The container itself is not touched here; once the
// row is no longer active, sweepOrphanContainers (which runAll calls next)
// stops and removes it. Each row's failure is logged and does not block the
// rest of the sweep.
func (r *Reaper) sweepExpiredSandboxes(ctx context.Context) {
	rows, err := r.persistent.ListActiveSandboxes()
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: failed to list active sandboxes")
		return
	}

	for _, sbx := range rows {
		exists, err := r.ephemeral.Exists(ctx, liveKey(sbx.ID))
		if err != nil {
			r.log.Warn().Err(err).Str("sandbox_id", sbx.ID).Msg("reaper: failed to check live key")
			continue
		}
		if exists {
			// SandboxLive carries its own TTL == tier lifetime; while it
			// exists the sandbox has not outlived its tier, per spec.md §3's
			// invariant that a live SandboxLive implies an active status.
			continue
		}

		r.log.Info().Str("sandbox_id", sbx.ID).Msg("reaper: expiring sandbox with no live projection")
		if err := r.persistent.UpdateSandboxStatus(sbx.ID, pgstore.StatusExpired); err != nil {
			r.log.Error().Err(err).Str("sandbox_id", sbx.ID).Msg("reaper: failed to mark sandbox expired")
			continue
		}
		if err := r.ports.ReleaseAll(ctx, sbx.ID); err != nil {
			r.log.Warn().Err(err).Str("sandbox_id", sbx.ID).Msg("reaper: failed to release ports for expired sandbox")
		}
	}
}

// sweepOrphanContainers implements spec.md §4.8 sweep 2: delegates to
// ContainerManager.CleanOrphans with the set of sandbox ids that still have
// an active persistent record, so managed containers whose sandbox has no
// active record are stopped and removed. runAll calls it after
// sweepExpiredSandboxes, which has already expired every active row that
// had no live key.
func (r *Reaper) sweepOrphanContainers(ctx context.Context) {
	rows, err := r.persistent.ListActiveSandboxes()
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: failed to list active sandboxes for orphan container sweep")
		return
	}
	known := make(map[string]bool, len(rows))
	for _, sbx := range rows {
		known[sbx.ID] = true
	}
	r.containers.CleanOrphans(ctx, known)
}

// sweepOrphanPorts implements spec.md §4.8 sweep 3: for every allocated
// port whose owning sandbox's live key is missing, release every port that
// sandbox holds.
func (r *Reaper) sweepOrphanPorts(ctx context.Context) {
	ports, err := r.ports.OrphanScan(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("reaper: failed to scan port allocations")
		return
	}

	seen := make(map[string]bool)
	for _, p := range ports {
		sandboxID, ok, err := r.ports.AllocationSandbox(ctx, p)
		if err != nil || !ok || seen[sandboxID] {
			continue
		}
		seen[sandboxID] = true

		exists, err := r.ephemeral.Exists(ctx, liveKey(sandboxID))
		if err != nil {
			r.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("reaper: failed to check live key for port sweep")
			continue
		}
		if exists {
			continue
		}

		r.log.Info().Str("sandbox_id", sandboxID).Msg("reaper: releasing orphan port allocations")
		if err := r.ports.ReleaseAll(ctx, sandboxID); err != nil {
			r.log.Warn().Err(err).Str("sandbox_id", sandboxID).Msg("reaper: failed to release orphan ports")
			continue
		}
	}
}
