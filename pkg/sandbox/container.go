package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
)

// ContainerSpec describes a one-shot container run for a command unit.
type ContainerSpec struct {
	Command         string
	Env             []string
	Limits          domain.ResourceLimits
	NetworkDisabled bool
}

// ContainerOutcome is what a finished container run produced.
type ContainerOutcome struct {
	Output   string
	ExitCode int64
}

// ContainerRunner runs a command inside a container boundary.
type ContainerRunner interface {
	Run(ctx context.Context, spec ContainerSpec) (ContainerOutcome, error)
}

// dockerRunner creates one throwaway container per unit rather than keeping a
// warm pool; pipeline steps are long enough that create/start overhead is
// noise, and a fresh container gives the strongest state separation.
type dockerRunner struct {
	cli    *client.Client
	image  string
	logger *slog.Logger
}

func newDockerRunner(image string, logger *slog.Logger) (*dockerRunner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &dockerRunner{cli: cli, image: image, logger: logger}, nil
}

func (r *dockerRunner) Run(ctx context.Context, spec ContainerSpec) (ContainerOutcome, error) {
	cfg := &container.Config{
		Image: r.image,
		Cmd:   []string{"/bin/sh", "-c", spec.Command},
		Env:   spec.Env,
	}
	hostCfg := &container.HostConfig{
		Resources: container.Resources{
			Memory: spec.Limits.MaxMemoryBytes,
		},
	}
	if spec.Limits.MaxThreads > 0 {
		pids := int64(spec.Limits.MaxThreads)
		hostCfg.Resources.PidsLimit = &pids
	}
	if spec.NetworkDisabled {
		hostCfg.NetworkMode = "none"
	}

	resp, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if err != nil {
		return ContainerOutcome{}, fmt.Errorf("create container: %w", err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(removeCtx, resp.ID, container.RemoveOptions{Force: true}); err != nil {
			r.logger.Warn("failed to remove container", "container", shortID(resp.ID), "error", err)
		}
	}()

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return ContainerOutcome{}, fmt.Errorf("start container: %w", err)
	}

	statusCh, errCh := r.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return ContainerOutcome{}, fmt.Errorf("wait for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	}

	out := ContainerOutcome{ExitCode: exitCode}
	logs, err := r.cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		r.logger.Warn("failed to read container logs", "container", shortID(resp.ID), "error", err)
		return out, nil
	}
	defer logs.Close()

	var output cappedBuffer
	output.cap = maxCapturedOutput
	if _, err := stdcopy.StdCopy(&output, &output, io.LimitReader(logs, maxCapturedOutput*2)); err != nil {
		r.logger.Warn("failed to demux container logs", "container", shortID(resp.ID), "error", err)
	}
	out.Output = output.buf.String()
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// runContainer executes a command unit inside a throwaway container. Memory,
// pid, and network boundaries are enforced by the container runtime; the wall
// clock stays with us.
func (m *Manager) runContainer(ctx context.Context, spec domain.SandboxSpec, inv runtime.Invocation, u CommandUnit) domain.ExecutionResult {
	if m.container == nil {
		return domain.FailedExecution(&domain.SandboxSetupError{
			Isolation: domain.IsolationContainer,
			Err:       fmt.Errorf("container backend not configured"),
		})
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if spec.Limits.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, spec.Limits.MaxWallTime)
		defer cancel()
	}

	start := time.Now()
	outcome, err := m.container.Run(runCtx, ContainerSpec{
		Command:         u.Command,
		Env:             mergedEnviron(inv.Env, u.Env),
		Limits:          spec.Limits,
		NetworkDisabled: !spec.Policy.AllowNetworkAccess,
	})
	elapsed := time.Since(start)
	stats := domain.ExecutionStats{Duration: elapsed, ExitCode: int(outcome.ExitCode)}

	if runCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		v := domain.Violation{
			Kind:        domain.ViolationWallTime,
			Observed:    elapsed.Milliseconds(),
			Limit:       spec.Limits.MaxWallTime.Milliseconds(),
			PolicyGroup: spec.Policy.Name,
			Detail:      "container exceeded wall clock budget",
			At:          time.Now().UTC(),
		}
		m.recordViolation(v)
		return domain.ExecutionResult{Stats: stats, Err: &domain.SandboxViolation{Violation: v}}
	}
	if err != nil {
		return domain.FailedExecution(&domain.SandboxSetupError{Isolation: domain.IsolationContainer, Err: err})
	}
	if outcome.ExitCode != 0 {
		return domain.ExecutionResult{
			Value: outcome.Output,
			Stats: stats,
			Err:   fmt.Errorf("container exited with status %d", outcome.ExitCode),
		}
	}
	return domain.Succeeded(outcome.Output, stats)
}
