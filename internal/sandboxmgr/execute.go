package sandboxmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxd/sandboxd/internal/containerrt"
	"github.com/sandboxd/sandboxd/internal/judge"
)

// Executor is the subset of containerrt.Manager the execute path needs: run
// a one-shot container to completion and capture its output, distinct from
// the long-lived Containers interface's create-and-wait-for-running
// contract.
type Executor interface {
	RunToCompletion(ctx context.Context, spec *containerrt.ContainerSpec, timeout time.Duration) (*containerrt.RunResult, error)
}

// compileFailedExitCode is reserved by buildExecuteScript to signal that the
// compile step itself failed, so Execute can report a CompileResult instead
// of treating the failure as a run-time error.
const compileFailedExitCode = 77

// ExecuteResult is the response of Execute. CompileFailed is set only for
// compiled languages whose compile step did not succeed; in that case
// Stdout/Stderr hold the compiler's output and the run step never executed.
type ExecuteResult struct {
	Stdout        string
	Stderr        string
	ExitCode      int64
	Compiled      bool // true if the language has a compile step at all
	CompileFailed bool
}

// Execute implements spec.md §4.6's execute operation: a short-lived
// self-managed sandbox that writes one source file, optionally compiles,
// runs it, and always destroys itself — here that means the one-shot
// container RunToCompletion already removes, so there is no separate
// destroy step to run in a finally block; the "self-destroys" contract is
// satisfied by RunToCompletion's own deferred cleanup. Quota admission does
// not apply: execute containers are not persisted SandboxLive records and
// do not count against any tier's max-sandboxes cap.
func (m *Manager) Execute(ctx context.Context, executor Executor, userID, language, code string, timeout time.Duration) (*ExecuteResult, error) {
	profile, err := judge.Lookup(language)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = m.cfg.ExecuteTimeout
	}

	runID := uuid.NewString()
	script := buildExecuteScript(profile, code)
	spec := containerrt.BuildExecuteSpec(runID, m.cfg.ExecuteImage, []string{"sh", "-c", script})

	m.log.Debug().Str("user_id", userID).Str("language", language).Str("run_id", runID).Msg("execute: running one-shot container")
	result, err := executor.RunToCompletion(ctx, spec, timeout)
	if err != nil {
		return nil, err
	}
	if result.TimedOut {
		return nil, fmt.Errorf("execute timed out after %s", timeout)
	}

	return &ExecuteResult{
		Stdout:        result.Stdout,
		Stderr:        result.Stderr,
		ExitCode:      result.ExitCode,
		Compiled:      profile.Compile != "",
		CompileFailed: profile.Compile != "" && result.ExitCode == compileFailedExitCode,
	}, nil
}

// buildExecuteScript writes the submitted code to the profile's source
// file via a heredoc, then runs the profile's compile step (if any)
// followed by its run command. A compile failure exits with
// compileFailedExitCode before the run step ever executes, so Stdout/Stderr
// unambiguously belong to whichever step actually ran.
func buildExecuteScript(p judge.Profile, code string) string {
	write := fmt.Sprintf("cat <<'SANDBOXD_EOF' > %s\n%s\nSANDBOXD_EOF", p.SourceFileName(), code)
	if p.Compile == "" {
		return fmt.Sprintf("%s\n%s", write, p.Run)
	}
	return fmt.Sprintf("%s\n%s || exit %d\n%s", write, p.Compile, compileFailedExitCode, p.Run)
}
