// Package config loads process configuration from the environment, using
// the same bare env-parsing approach the rest of this codebase uses rather
// than a struct-tag binding library.
package config

import (
	"os"
	"time"
)

// TierLimits holds the resource caps and lifetime for one tier.
type TierLimits struct {
	MaxSandboxes  int64
	MaxMemoryMB   int64
	MaxCPUShares  int64
	LifetimeHours int64
}

// Config is the single process-wide configuration object, built once in
// cmd/sandboxd/serve.go and passed by reference to every constructor.
type Config struct {
	DatabaseURL      string
	RedisURL         string
	JWTSecret        string
	AgentImage       string
	ExecuteImage     string
	OrchestratorHost string
	Port             string
	WSPort           string

	PortRangeStart int64
	PortRangeEnd   int64

	ContainerStartupTimeout time.Duration
	CleanupInterval         time.Duration

	MaxCredentialsPerSandbox int64
	MaxSandboxesSystemWide   int64

	ExecuteTimeout time.Duration

	Tiers map[string]TierLimits
}

// Load reads Config from the environment, applying the defaults spec.md §6
// names explicitly and reasonable ones for everything else.
func Load() Config {
	return Config{
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		AgentImage:       envOrDefault("AGENT_IMAGE", "sandboxd-agent:latest"),
		ExecuteImage:     envOrDefault("EXECUTE_IMAGE", "sandboxd-execute:latest"),
		OrchestratorHost: envOrDefault("ORCHESTRATOR_HOST", "localhost"),
		Port:             envOrDefault("PORT", "8080"),
		WSPort:           envOrDefault("WS_PORT", "8080"),

		PortRangeStart: envInt64OrDefault("PORT_RANGE_START", 30000),
		PortRangeEnd:   envInt64OrDefault("PORT_RANGE_END", 40000),

		ContainerStartupTimeout: time.Duration(envInt64OrDefault("CONTAINER_STARTUP_TIMEOUT", 60)) * time.Second,
		CleanupInterval:         time.Duration(envInt64OrDefault("CLEANUP_INTERVAL_MINUTES", 15)) * time.Minute,

		MaxCredentialsPerSandbox: envInt64OrDefault("MAX_SANDBOXES_PER_CREDENTIAL", 10),
		MaxSandboxesSystemWide:   envInt64OrDefault("MAX_SANDBOXES_SYSTEM_WIDE", 1000),

		ExecuteTimeout: time.Duration(envInt64OrDefault("EXECUTE_TIMEOUT_SECONDS", 30)) * time.Second,

		Tiers: map[string]TierLimits{
			"free": {
				MaxSandboxes:  envInt64OrDefault("TIER_FREE_MAX_SANDBOXES", 2),
				MaxMemoryMB:   envInt64OrDefault("TIER_FREE_MAX_MEMORY_MB", 512),
				MaxCPUShares:  envInt64OrDefault("TIER_FREE_MAX_CPU_SHARES", 512),
				LifetimeHours: envInt64OrDefault("TIER_FREE_LIFETIME_HOURS", 1),
			},
			"pro": {
				MaxSandboxes:  envInt64OrDefault("TIER_PRO_MAX_SANDBOXES", 10),
				MaxMemoryMB:   envInt64OrDefault("TIER_PRO_MAX_MEMORY_MB", 2048),
				MaxCPUShares:  envInt64OrDefault("TIER_PRO_MAX_CPU_SHARES", 2048),
				LifetimeHours: envInt64OrDefault("TIER_PRO_LIFETIME_HOURS", 8),
			},
			"enterprise": {
				MaxSandboxes:  envInt64OrDefault("TIER_ENTERPRISE_MAX_SANDBOXES", 50),
				MaxMemoryMB:   envInt64OrDefault("TIER_ENTERPRISE_MAX_MEMORY_MB", 8192),
				MaxCPUShares:  envInt64OrDefault("TIER_ENTERPRISE_MAX_CPU_SHARES", 4096),
				LifetimeHours: envInt64OrDefault("TIER_ENTERPRISE_LIFETIME_HOURS", 24),
			},
		},
	}
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var n int64
	for _, c := range v {
		if c < '0' || c > '9' {
			return def
		}
		n = n*10 + int64(c-'0')
	}
	return n
}
