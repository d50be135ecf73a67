package containerrt

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/rs/zerolog"

	"github.com/sandboxd/sandboxd/internal/apierr"
	"github.com/sandboxd/sandboxd/internal/logging"
)

// Manager is the concrete ContainerManager, backed by the docker/docker
// client the way the teacher's internal/container.Manager is.
type Manager struct {
	cli            *client.Client
	log            zerolog.Logger
	startupTimeout time.Duration
}

// New dials Docker via the standard environment-derived transport and pings
// it once, mirroring NewManager in the teacher's internal/container/manager.go.
func New(startupTimeout time.Duration) (*Manager, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	return &Manager{cli: cli, log: logging.WithComponent("containerrt"), startupTimeout: startupTimeout}, nil
}

// Healthy reports whether Docker is still reachable, for the /health endpoint.
func (m *Manager) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := m.cli.Ping(ctx)
	return err == nil
}

// CleanOrphans removes any container still labelled as managed by this
// process whose sandbox id is not in knownSandboxIDs. It runs once at
// startup and again on every Reaper orphan-container sweep.
func (m *Manager) CleanOrphans(ctx context.Context, knownSandboxIDs map[string]bool) {
	f := filters.NewArgs(filters.Arg("label", labelManagedBy+"="+managedByValue))
	containers, err := m.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		m.log.Warn().Err(err).Msg("failed to list containers for orphan cleanup")
		return
	}
	for _, c := range containers {
		id := c.Labels[labelSandboxID]
		if knownSandboxIDs[id] {
			continue
		}
		m.log.Info().Str("container_id", c.ID[:12]).Str("sandbox_id", id).Msg("cleaning orphan container")
		_ = m.cli.ContainerStop(ctx, c.ID, container.StopOptions{})
		_ = m.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true})
	}
}

// Create creates and starts a container from spec, waits up to the startup
// timeout for it to reach "running", and surfaces ContainerStartupFailed
// with the tail of logs if it exits early. On any failure it best-effort
// stops+removes a partially created container.
func (m *Manager) Create(ctx context.Context, spec *ContainerSpec) (string, error) {
	cfg, hostCfg := spec.toDockerConfig()

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", apierr.Wrap(apierr.ContainerStartupFailed, "failed to create container", err)
	}
	containerID := resp.ID

	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		m.bestEffortStopRemove(context.Background(), containerID)
		return "", apierr.Wrap(apierr.ContainerStartupFailed, "failed to start container", err)
	}

	startCtx, cancel := context.WithTimeout(ctx, m.startupTimeout)
	defer cancel()
	if err := m.waitRunning(startCtx, containerID); err != nil {
		tail := m.tailLogs(context.Background(), containerID, 50)
		m.bestEffortStopRemove(context.Background(), containerID)
		return "", apierr.Wrap(apierr.ContainerStartupFailed, fmt.Sprintf("container failed to start: %s", tail), err)
	}

	return containerID, nil
}

func (m *Manager) waitRunning(ctx context.Context, containerID string) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		info, err := m.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("inspect during startup wait: %w", err)
		}
		if info.State != nil {
			if info.State.Running {
				return nil
			}
			if info.State.Status == "exited" || info.State.Status == "dead" {
				return fmt.Errorf("container exited during startup with code %d", info.State.ExitCode)
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (m *Manager) tailLogs(ctx context.Context, containerID string, lines int) string {
	rc, err := m.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lines),
	})
	if err != nil {
		return ""
	}
	defer rc.Close()
	data, _ := io.ReadAll(io.LimitReader(rc, 8192))
	return strings.TrimSpace(string(data))
}

func (m *Manager) bestEffortStopRemove(ctx context.Context, containerID string) {
	_ = m.cli.ContainerStop(ctx, containerID, container.StopOptions{})
	_ = m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
}

// Stop waits up to 5s (ten 500ms polls) for the container to stop, per
// spec.md §4.5/§5.
func (m *Manager) Stop(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container: %w", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		info, err := m.cli.ContainerInspect(ctx, containerID)
		if err != nil {
			if client.IsErrNotFound(err) {
				return nil
			}
			return fmt.Errorf("inspect during stop wait: %w", err)
		}
		if info.State == nil || !info.State.Running {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return nil
}

// Remove removes a container, tolerating "already removed".
func (m *Manager) Remove(ctx context.Context, containerID string) error {
	if err := m.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

// Inspect returns the current container state.
func (m *Manager) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	info, err := m.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return ContainerInfo{}, fmt.Errorf("inspect container: %w", err)
	}
	ci := ContainerInfo{
		ID:      info.ID,
		Name:    strings.TrimPrefix(info.Name, "/"),
		Image:   info.Config.Image,
		Env:     info.Config.Env,
		Labels:  info.Config.Labels,
		Running: info.State != nil && info.State.Running,
		Status:  "",
	}
	if info.State != nil {
		ci.Status = info.State.Status
	}
	if info.HostConfig != nil {
		ci.PortBindings = info.HostConfig.PortBindings
		if info.HostConfig.Resources.Memory != 0 {
			ci.MemoryBytes = info.HostConfig.Resources.Memory
		}
		ci.NanoCPUs = info.HostConfig.Resources.NanoCPUs
	}
	return ci, nil
}

// ContainerInfo is the subset of docker inspect output PortExposer and
// SandboxManager need to recreate or report on a container.
type ContainerInfo struct {
	ID           string
	Name         string
	Image        string
	Env          []string
	Labels       map[string]string
	Running      bool
	Status       string
	PortBindings nat.PortMap
	MemoryBytes  int64
	NanoCPUs     int64
}

// EnsureVolume creates a data volume labelled for the sandbox if it doesn't
// already exist, matching discobot's ensureCacheVolume pattern.
func (m *Manager) EnsureVolume(ctx context.Context, name, sandboxID string) error {
	if _, err := m.cli.VolumeInspect(ctx, name); err == nil {
		return nil
	}
	_, err := m.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: map[string]string{labelSandboxID: sandboxID, labelManagedBy: managedByValue},
	})
	if err != nil {
		return fmt.Errorf("create volume %s: %w", name, err)
	}
	return nil
}

// RemoveVolume removes a sandbox's data volume, tolerating absence.
func (m *Manager) RemoveVolume(ctx context.Context, name string) error {
	if err := m.cli.VolumeRemove(ctx, name, true); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove volume %s: %w", name, err)
	}
	return nil
}

// Close releases the underlying docker client.
func (m *Manager) Close() error {
	return m.cli.Close()
}
