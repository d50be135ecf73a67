// Package ephstore is the EphemeralStore collaborator: TTL key/value, hash,
// counter, and set-if-absent primitives backed by Redis, plus the atomic
// building blocks PortAllocator needs. The interface is kept minimal and
// driver-agnostic the way Generativebots-ocx-backend-go-svc's fabric
// package defines RedisClient, so callers never import go-redis directly.
package ephstore

import (
	"context"
	"time"
)

// Store is the minimal operation set spec.md §6 requires of the ephemeral
// store: get/set/setEx/setNX, del, exists, hash ops, incr, expire, scan, ping.
type Store interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (string, bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error

	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Scan(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
}
