// Package portexposer is the PortExposer collaborator: recreates a
// container with an additional port binding while preserving all prior
// bindings, env, labels, and the attached data volume, per spec.md §4.5.
// Port-binding composition follows wskish-discobot's
// internal/sandbox/docker/provider.go; volume lifecycle follows the same
// file's ensureCacheVolume pattern.
package portexposer

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/containerrt"
	"github.com/sandboxd/sandboxd/internal/logging"
	"github.com/sandboxd/sandboxd/internal/portalloc"
)

const agentReconnectTimeout = 30 * time.Second

// Containers is the subset of containerrt.Manager PortExposer needs.
type Containers interface {
	Inspect(ctx context.Context, containerID string) (containerrt.ContainerInfo, error)
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Create(ctx context.Context, spec *containerrt.ContainerSpec) (string, error)
	EnsureVolume(ctx context.Context, name, sandboxID string) error
}

// AgentWaiter blocks up to timeout for the agent to re-register for
// sandboxID, returning whether it did. Implemented by rpchub.Hub.
type AgentWaiter func(ctx context.Context, sandboxID string, timeout time.Duration) bool

// Exposer implements spec.md §4.5.
type Exposer struct {
	containers Containers
	ports      *portalloc.Allocator
	waitAgent  AgentWaiter
	log        zerolog.Logger
}

// New builds an Exposer.
func New(containers Containers, ports *portalloc.Allocator, waitAgent AgentWaiter) *Exposer {
	return &Exposer{containers: containers, ports: ports, waitAgent: waitAgent, log: logging.WithComponent("portexposer")}
}

// Result is the response of a successful Expose call.
type Result struct {
	HostPort         int64
	URL              string
	AgentReconnected bool
	NewContainerID   string
}

func dataVolumeName(sandboxID string) string {
	return "sandbox-data-" + sandboxID
}

// Expose implements the nine-step contract of spec.md §4.5. orchestratorHost
// is used to build the returned URL.
func (e *Exposer) Expose(ctx context.Context, sandboxID, containerID string, containerPort int64, ttl time.Duration, orchestratorHost string) (*Result, error) {
	// Step 1: idempotence — already-bound container port returns the
	// existing mapping without touching the container.
	if existing, ok, err := e.ports.HostPortFor(ctx, sandboxID, containerPort); err != nil {
		return nil, fmt.Errorf("check existing port: %w", err)
	} else if ok {
		return &Result{
			HostPort:         existing,
			URL:              buildURL(orchestratorHost, existing),
			AgentReconnected: true,
			NewContainerID:   containerID,
		}, nil
	}

	// Step 2: allocate a fresh host port.
	hostPort, err := e.ports.Allocate(ctx, sandboxID, containerPort, ttl)
	if err != nil {
		return nil, err
	}

	// Step 3: ensure the data volume exists.
	volName := dataVolumeName(sandboxID)
	if err := e.containers.EnsureVolume(ctx, volName, sandboxID); err != nil {
		_ = e.ports.Release(ctx, hostPort)
		return nil, apierr.Wrap(apierr.ExposeFailed, "failed to ensure data volume", err)
	}

	// Step 4: inspect the current container to capture its configuration.
	info, err := e.containers.Inspect(ctx, containerID)
	if err != nil {
		_ = e.ports.Release(ctx, hostPort)
		return nil, apierr.Wrap(apierr.ExposeFailed, "failed to inspect container before recreation", err)
	}

	// Merge old bindings with the new one.
	exposedPorts := nat.PortSet{}
	portBindings := nat.PortMap{}
	for p, bindings := range info.PortBindings {
		exposedPorts[p] = struct{}{}
		portBindings[p] = bindings
	}
	newPort := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	exposedPorts[newPort] = struct{}{}
	portBindings[newPort] = []nat.PortBinding{{
		HostIP:   "0.0.0.0",
		HostPort: fmt.Sprintf("%d", hostPort),
	}}

	// Step 5: stop then remove the current container. From here on,
	// failure leaves the sandbox's container state undefined (spec.md
	// §4.5 point 9) — the caller must destroy the sandbox on error.
	if err := e.containers.Stop(ctx, containerID); err != nil {
		return nil, apierr.Wrap(apierr.ExposeFailed, "failed to stop container for port exposure", err)
	}
	if err := e.containers.Remove(ctx, containerID); err != nil {
		return nil, apierr.Wrap(apierr.ExposeFailed, "failed to remove container for port exposure", err)
	}

	// Step 6/7: compose the recreation spec and create+start it.
	spec := containerrt.RebuildSpec(info, exposedPorts, portBindings, volName)
	newContainerID, err := e.containers.Create(ctx, spec)
	if err != nil {
		return nil, apierr.Wrap(apierr.ExposeFailed, "failed to recreate container with new port binding", err)
	}

	// Step 8: wait for the agent to re-establish its session; timeout is
	// an observable, not a failure.
	reconnected := true
	if e.waitAgent != nil {
		waitCtx, cancel := context.WithTimeout(ctx, agentReconnectTimeout)
		reconnected = e.waitAgent(waitCtx, sandboxID, agentReconnectTimeout)
		cancel()
	}

	return &Result{
		HostPort:         hostPort,
		URL:              buildURL(orchestratorHost, hostPort),
		AgentReconnected: reconnected,
		NewContainerID:   newContainerID,
	}, nil
}

func buildURL(host string, port int64) string {
	return fmt.Sprintf("http://%s:%d", host, port)
}
