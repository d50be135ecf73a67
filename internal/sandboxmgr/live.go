// Package sandboxmgr is the SandboxManager collaborator: the orchestration
// surface that ties AuthGate, QuotaManager, ContainerManager, PortAllocator,
// PortExposer, RpcHub, and both stores together into the operations of
// spec.md §4.6. Grounded on the teacher's cmd/serve.go wiring and
// internal/sbxstore's pairing of a persistent row with an ephemeral
// projection.
package sandboxmgr

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sandboxd/sandboxd/internal/ephstore"
)

const liveHashPrefix = "sandboxlive:"

// Live is the ephemeral SandboxLive projection of spec.md §3, stored as a
// Redis hash so it survives process restarts like everything else RpcHub
// and PortAllocator depend on.
type Live struct {
	SandboxID           string
	UserID              string
	CredentialID        string
	ContainerID         string
	Tier                string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Image               string
	MemoryMB            int64
	CPUShares           int64
	AllowUnauthenticated bool
	LastActivityAt      time.Time
}

// activityThrottle bounds how often TouchActivity writes to the ephemeral
// store, per SPEC_FULL.md §6.2's idle-sandbox tracking.
const activityThrottle = 30 * time.Second

func liveKey(sandboxID string) string { return liveHashPrefix + sandboxID }

// LiveKey returns the ephemeral store key a sandbox's SandboxLive
// projection is stored under, exported so the Reaper can test for its
// existence without duplicating the key scheme.
func LiveKey(sandboxID string) string { return liveKey(sandboxID) }

func putLive(ctx context.Context, store ephstore.Store, live Live, ttl time.Duration) error {
	key := liveKey(live.SandboxID)
	fields := map[string]string{
		"user_id":              live.UserID,
		"credential_id":        live.CredentialID,
		"container_id":         live.ContainerID,
		"tier":                 live.Tier,
		"created_at":           strconv.FormatInt(live.CreatedAt.Unix(), 10),
		"expires_at":           strconv.FormatInt(live.ExpiresAt.Unix(), 10),
		"image":                live.Image,
		"memory_mb":            strconv.FormatInt(live.MemoryMB, 10),
		"cpu_shares":           strconv.FormatInt(live.CPUShares, 10),
		"allow_unauthenticated": strconv.FormatBool(live.AllowUnauthenticated),
		"last_activity_at":     strconv.FormatInt(live.CreatedAt.Unix(), 10),
	}
	for field, value := range fields {
		if err := store.HSet(ctx, key, field, value); err != nil {
			return fmt.Errorf("put sandbox live %s: %w", field, err)
		}
	}
	return store.Expire(ctx, key, ttl)
}

func getLive(ctx context.Context, store ephstore.Store, sandboxID string) (Live, bool, error) {
	fields, err := store.HGetAll(ctx, liveKey(sandboxID))
	if err != nil {
		return Live{}, false, err
	}
	if len(fields) == 0 {
		return Live{}, false, nil
	}
	live := Live{
		SandboxID:    sandboxID,
		UserID:       fields["user_id"],
		CredentialID: fields["credential_id"],
		ContainerID:  fields["container_id"],
		Tier:         fields["tier"],
		Image:        fields["image"],
	}
	live.CreatedAt = parseUnix(fields["created_at"])
	live.ExpiresAt = parseUnix(fields["expires_at"])
	live.MemoryMB, _ = strconv.ParseInt(fields["memory_mb"], 10, 64)
	live.CPUShares, _ = strconv.ParseInt(fields["cpu_shares"], 10, 64)
	live.AllowUnauthenticated, _ = strconv.ParseBool(fields["allow_unauthenticated"])
	live.LastActivityAt = parseUnix(fields["last_activity_at"])
	return live, true, nil
}

// TouchActivity records RPC traffic on sandboxID, throttled to once per
// activityThrottle so a busy sandbox does not generate a write per message.
func TouchActivity(ctx context.Context, store ephstore.Store, sandboxID string) error {
	live, found, err := getLive(ctx, store, sandboxID)
	if err != nil || !found {
		return err
	}
	now := time.Now().UTC()
	if now.Sub(live.LastActivityAt) < activityThrottle {
		return nil
	}
	return store.HSet(ctx, liveKey(sandboxID), "last_activity_at", strconv.FormatInt(now.Unix(), 10))
}

func deleteLive(ctx context.Context, store ephstore.Store, sandboxID string) error {
	return store.Del(ctx, liveKey(sandboxID))
}

func updateContainerID(ctx context.Context, store ephstore.Store, sandboxID, containerID string) error {
	return store.HSet(ctx, liveKey(sandboxID), "container_id", containerID)
}

func parseUnix(v string) time.Time {
	sec, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
