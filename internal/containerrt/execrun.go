package containerrt

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sandboxd/sandboxd/internal/apierr"
)

// RunResult is the outcome of RunToCompletion: the demultiplexed
// stdout/stderr of the one-shot container plus its exit code.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int64
	TimedOut bool
}

// RunToCompletion creates and starts a one-shot container from spec (built
// by BuildExecuteSpec), waits for it to exit (rather than reach "running"
// — the opposite of Create's contract), captures its demultiplexed
// stdout/stderr, and always removes the container before returning. Used
// exclusively by SandboxManager.execute (spec.md §4.6).
func (m *Manager) RunToCompletion(ctx context.Context, spec *ContainerSpec, timeout time.Duration) (*RunResult, error) {
	cfg, hostCfg := spec.toDockerConfig()

	resp, err := m.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return nil, apierr.Wrap(apierr.ContainerStartupFailed, "failed to create execute container", err)
	}
	containerID := resp.ID
	defer m.bestEffortStopRemove(context.Background(), containerID)

	if err := m.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return nil, apierr.Wrap(apierr.ContainerStartupFailed, "failed to start execute container", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	statusCh, errCh := m.cli.ContainerWait(waitCtx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return nil, fmt.Errorf("wait for execute container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-waitCtx.Done():
		return &RunResult{TimedOut: true, ExitCode: -1}, nil
	}

	out, err := m.cli.ContainerLogs(context.Background(), containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return nil, fmt.Errorf("read execute container logs: %w", err)
	}
	defer out.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, out); err != nil {
		return nil, fmt.Errorf("demultiplex execute container logs: %w", err)
	}

	return &RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}
