// Package portalloc is the PortAllocator collaborator: atomically reserves
// a host port from a configured range, persists the mapping in the
// ephemeral store, and releases it on sandbox destroy. The rolling-counter
// + set-if-absent algorithm follows spec.md §4.4 and §9's open question
// (a wrapping counter, not monotonic-with-compaction, is the choice made
// here — both satisfy the stated invariants).
package portalloc

import (
	"context"
	"fmt"
	"time"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/ephstore"
)

const (
	counterKey        = "portalloc:counter"
	portKeyPrefix     = "port:"
	sandboxHashPrefix = "sandbox:ports:"
)

// Allocation is the persisted record for one reserved host port.
type Allocation struct {
	HostPort      int64
	SandboxID     string
	ContainerPort int64
	AllocatedAt   time.Time
}

// Allocator implements spec.md §4.4.
type Allocator struct {
	store      ephstore.Store
	start, end int64
}

// New builds an Allocator over the half-open range [start, end).
func New(store ephstore.Store, start, end int64) *Allocator {
	return &Allocator{store: store, start: start, end: end}
}

func portKey(p int64) string         { return fmt.Sprintf("%s%d", portKeyPrefix, p) }
func sandboxHashKey(id string) string { return sandboxHashPrefix + id }

// Allocate reserves a host port for (sandboxID, containerPort) per the
// algorithm in spec.md §4.4: increment a shared counter, map to a candidate
// port, set-if-absent, retry up to (end-start) times.
func (a *Allocator) Allocate(ctx context.Context, sandboxID string, containerPort int64, ttl time.Duration) (int64, error) {
	span := a.end - a.start
	if span <= 0 {
		return 0, apierr.New(apierr.NoPortsAvailable, "empty port range")
	}

	for attempt := int64(0); attempt < span; attempt++ {
		counter, err := a.store.Incr(ctx, counterKey)
		if err != nil {
			return 0, fmt.Errorf("increment port counter: %w", err)
		}
		candidate := a.start + ((counter - a.start) % span + span) % span

		value := fmt.Sprintf("%s|%d|%d", sandboxID, containerPort, time.Now().Unix())
		ok, err := a.store.SetNX(ctx, portKey(candidate), value, ttl)
		if err != nil {
			return 0, fmt.Errorf("set-if-absent port %d: %w", candidate, err)
		}
		if !ok {
			continue
		}

		if err := a.store.HSet(ctx, sandboxHashKey(sandboxID), fmt.Sprintf("%d", containerPort), fmt.Sprintf("%d", candidate)); err != nil {
			_ = a.store.Del(ctx, portKey(candidate))
			return 0, fmt.Errorf("record port mapping: %w", err)
		}

		return candidate, nil
	}

	return 0, apierr.New(apierr.NoPortsAvailable, "no ports available in configured range")
}

// Release frees hostPort: removes the port key and the sandbox's reverse
// mapping entry.
func (a *Allocator) Release(ctx context.Context, hostPort int64) error {
	value, ok, err := a.store.Get(ctx, portKey(hostPort))
	if err != nil {
		return fmt.Errorf("get port allocation %d: %w", hostPort, err)
	}
	if !ok {
		return nil
	}
	sandboxID, containerPort := parseAllocationValue(value)
	if sandboxID != "" {
		_ = a.store.HDel(ctx, sandboxHashKey(sandboxID), containerPort)
	}
	return a.store.Del(ctx, portKey(hostPort))
}

// ReleaseAll frees every port allocated to sandboxID.
func (a *Allocator) ReleaseAll(ctx context.Context, sandboxID string) error {
	ports, err := a.store.HGetAll(ctx, sandboxHashKey(sandboxID))
	if err != nil {
		return fmt.Errorf("list sandbox ports: %w", err)
	}
	for _, hostPortStr := range ports {
		var hostPort int64
		fmt.Sscanf(hostPortStr, "%d", &hostPort)
		if hostPort > 0 {
			_ = a.store.Del(ctx, portKey(hostPort))
		}
	}
	return a.store.Del(ctx, sandboxHashKey(sandboxID))
}

// ListPorts returns the containerPort->hostPort map for sandboxID.
func (a *Allocator) ListPorts(ctx context.Context, sandboxID string) (map[int64]int64, error) {
	raw, err := a.store.HGetAll(ctx, sandboxHashKey(sandboxID))
	if err != nil {
		return nil, fmt.Errorf("list sandbox ports: %w", err)
	}
	out := make(map[int64]int64, len(raw))
	for cp, hp := range raw {
		var cpI, hpI int64
		fmt.Sscanf(cp, "%d", &cpI)
		fmt.Sscanf(hp, "%d", &hpI)
		out[cpI] = hpI
	}
	return out, nil
}

// HostPortFor returns the host port already bound for containerPort on
// sandboxID, if any — used by PortExposer's idempotence check.
func (a *Allocator) HostPortFor(ctx context.Context, sandboxID string, containerPort int64) (int64, bool, error) {
	v, ok, err := a.store.HGet(ctx, sandboxHashKey(sandboxID), fmt.Sprintf("%d", containerPort))
	if err != nil {
		return 0, false, fmt.Errorf("lookup sandbox port: %w", err)
	}
	if !ok {
		return 0, false, nil
	}
	var hp int64
	fmt.Sscanf(v, "%d", &hp)
	return hp, true, nil
}

// OrphanScan lists every allocated port key, for the Reaper's GC sweep.
func (a *Allocator) OrphanScan(ctx context.Context) ([]int64, error) {
	keys, err := a.store.Scan(ctx, portKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("scan port allocations: %w", err)
	}
	var ports []int64
	for _, k := range keys {
		var p int64
		fmt.Sscanf(k, portKeyPrefix+"%d", &p)
		ports = append(ports, p)
	}
	return ports, nil
}

// AllocationSandbox returns the sandbox id owning hostPort, if any.
func (a *Allocator) AllocationSandbox(ctx context.Context, hostPort int64) (string, bool, error) {
	v, ok, err := a.store.Get(ctx, portKey(hostPort))
	if err != nil || !ok {
		return "", false, err
	}
	sandboxID, _ := parseAllocationValue(v)
	return sandboxID, sandboxID != "", nil
}

// parseAllocationValue splits the "sandboxID|containerPort|unixTime" value
// stored by Allocate back into its parts.
func parseAllocationValue(v string) (sandboxID, containerPort string) {
	parts := splitPipe(v)
	if len(parts) >= 2 {
		return parts[0], parts[1]
	}
	return "", ""
}

func splitPipe(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '|' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}
