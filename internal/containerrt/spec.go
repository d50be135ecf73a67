// Package containerrt is the ContainerManager collaborator: composes
// container specs from tier limits, creates/starts/stops/removes/inspects
// containers, and polls point-in-time stats. Grounded on the teacher's
// internal/container/manager.go, hardened with the tmpfs/ulimits/pids-limit
// profile from Generativebots-ocx-backend-go-svc's internal/ghostpool
// (pool_manager.go) and the port-binding shape from wskish-discobot's
// internal/sandbox/docker/provider.go.
package containerrt

import (
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"

	"github.com/sandboxd/sandboxd/internal/config"
)

const (
	labelSandboxID      = "sandboxd.sandbox.id"
	labelSandboxTier    = "sandboxd.sandbox.tier"
	labelSandboxCreated = "sandboxd.sandbox.created"
	labelManagedBy      = "sandboxd.managed-by"
	managedByValue      = "sandboxd"

	dataVolumeMountPath = "/app/data"
	workdir             = "/app"
)

// ContainerSpec is everything needed to create or recreate a sandbox
// container identically, the shape PortExposer's recreation step rebuilds
// from an inspected running container.
type ContainerSpec struct {
	SandboxID      string
	Name           string
	Image          string
	Env            []string
	Labels         map[string]string
	ExposedPorts   nat.PortSet
	PortBindings   nat.PortMap
	DataVolumeName string // empty for the execute (one-shot) profile

	MemoryBytes       int64
	MemorySwapBytes   int64
	MemoryReservation int64
	CPUShares         int64
	NanoCPUs          int64
	PidsLimit         int64

	Cmd []string // nil runs the image's default entrypoint
}

func containerName(sandboxID string) string {
	return "sandbox-" + sandboxID
}

// BuildSpec composes the long-lived sandbox container spec from tier limits
// per spec.md §4.3: name, env injection, resource caps, host hardening,
// labels. tierName is the tier's name ("free"/"pro"/"enterprise"), used for
// the sandboxd.sandbox.tier label; tier carries its numeric caps.
func BuildSpec(sandboxID, agentToken, image, tierName string, tier config.TierLimits, orchestratorURL string) *ContainerSpec {
	memBytes := tier.MaxMemoryMB * 1024 * 1024
	return &ContainerSpec{
		SandboxID: sandboxID,
		Name:      containerName(sandboxID),
		Image:     image,
		Env: []string{
			"ORCHESTRATOR_URL=" + orchestratorURL,
			"AGENT_TOKEN=" + agentToken,
			"SANDBOX_ID=" + sandboxID,
			fmt.Sprintf("TIER_MAX_MEMORY_MB=%d", tier.MaxMemoryMB),
			fmt.Sprintf("TIER_MAX_CPU_SHARES=%d", tier.MaxCPUShares),
		},
		Labels: map[string]string{
			labelManagedBy:      managedByValue,
			labelSandboxID:      sandboxID,
			labelSandboxTier:    tierName,
			labelSandboxCreated: time.Now().UTC().Format(time.RFC3339),
		},
		ExposedPorts:      nat.PortSet{},
		PortBindings:      nat.PortMap{},
		MemoryBytes:       memBytes,
		MemorySwapBytes:   memBytes, // no swap beyond the memory cap
		MemoryReservation: memBytes / 2,
		CPUShares:         tier.MaxCPUShares,
		NanoCPUs:          tier.MaxCPUShares * 1_000_000, // shares approximate nano-cpus here
		PidsLimit:         256,
	}
}

// BuildExecuteSpec composes the short-lived, no-port one-shot profile used
// by the execute path (spec.md §4.6): same hardening, no port bindings, no
// data volume, tighter pids-limit, auto-destroy is the caller's
// responsibility (SandboxManager.execute's finally block). cmd is the shell
// invocation that writes the source file and runs the profile's compile
// and run steps, as composed by sandboxmgr's buildExecuteScript.
func BuildExecuteSpec(runID, image string, cmd []string) *ContainerSpec {
	return &ContainerSpec{
		SandboxID: runID,
		Name:      "exec-" + runID,
		Image:     image,
		Env:       []string{"TERM=xterm-256color"},
		Labels: map[string]string{
			labelManagedBy: managedByValue,
			labelSandboxID: runID,
		},
		ExposedPorts:      nat.PortSet{},
		PortBindings:      nat.PortMap{},
		MemoryBytes:       256 * 1024 * 1024,
		MemorySwapBytes:   256 * 1024 * 1024,
		MemoryReservation: 128 * 1024 * 1024,
		NanoCPUs:          1_000_000_000,
		PidsLimit:         64,
		Cmd:               cmd,
	}
}

// RebuildSpec composes a recreation spec from an inspected running
// container plus a merged set of port bindings and an attached data volume,
// per PortExposer's contract in spec.md §4.5: identical env/labels, new
// bindings layered on top of the old ones. It takes no separate tier name:
// info.Labels is copied verbatim from the inspected container, so the
// sandboxd.sandbox.tier label BuildSpec set at creation carries through
// recreation unchanged.
func RebuildSpec(info ContainerInfo, exposedPorts nat.PortSet, portBindings nat.PortMap, dataVolumeName string) *ContainerSpec {
	return &ContainerSpec{
		SandboxID:         info.Labels[labelSandboxID],
		Name:              info.Name,
		Image:             info.Image,
		Env:               info.Env,
		Labels:            info.Labels,
		ExposedPorts:      exposedPorts,
		PortBindings:      portBindings,
		DataVolumeName:    dataVolumeName,
		MemoryBytes:       info.MemoryBytes,
		MemorySwapBytes:   info.MemoryBytes,
		MemoryReservation: info.MemoryBytes / 2,
		NanoCPUs:          info.NanoCPUs,
		PidsLimit:         256,
	}
}

// toDockerConfig translates a ContainerSpec into the docker/docker API
// types, applying the host-hardening profile from spec.md §4.3.
func (s *ContainerSpec) toDockerConfig() (*container.Config, *container.HostConfig) {
	cfg := &container.Config{
		Image:        s.Image,
		Env:          s.Env,
		Labels:       s.Labels,
		WorkingDir:   workdir,
		ExposedPorts: s.ExposedPorts,
		Cmd:          s.Cmd,
		Tty:          false,
	}

	pidsLimit := s.PidsLimit
	hostCfg := &container.HostConfig{
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		PortBindings: s.PortBindings,
		Resources: container.Resources{
			Memory:            s.MemoryBytes,
			MemorySwap:        s.MemorySwapBytes,
			MemoryReservation: s.MemoryReservation,
			NanoCPUs:          s.NanoCPUs,
			CPUShares:         s.CPUShares,
			PidsLimit:         &pidsLimit,
		},
		Tmpfs: map[string]string{
			"/tmp":     "rw,noexec,nosuid,size=128m",
			"/var/tmp": "rw,noexec,nosuid,size=64m",
		},
		Ulimits: []*container.Ulimit{
			{Name: "nofile", Soft: 1024, Hard: 2048},
			{Name: "nproc", Soft: 512, Hard: 1024},
		},
		RestartPolicy: container.RestartPolicy{Name: "no"},
	}

	if s.DataVolumeName != "" {
		hostCfg.Binds = append(hostCfg.Binds, s.DataVolumeName+":"+dataVolumeMountPath+":rw")
	}

	return cfg, hostCfg
}
