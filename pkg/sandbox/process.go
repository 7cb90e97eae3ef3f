package sandbox

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"sort"
	"syscall"
	"time"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
)

// maxCapturedOutput bounds how much combined output a command unit may
// produce before the rest is discarded.
const maxCapturedOutput = 1 << 20

// cappedBuffer keeps at most cap bytes and silently drops the rest.
type cappedBuffer struct {
	buf bytes.Buffer
	cap int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if room := b.cap - b.buf.Len(); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

// runProcess executes a command unit as a child process. With applyLimits the
// child additionally carries OS resource limits; without it only the wall
// clock and the resource monitor bound the run.
func (m *Manager) runProcess(ctx context.Context, spec domain.SandboxSpec, inv runtime.Invocation, u CommandUnit, applyLimits bool) domain.ExecutionResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", u.Command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Kill the whole process group so shell children do not outlive the unit.
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.WaitDelay = 2 * time.Second

	if u.WorkDir != "" {
		cmd.Dir = u.WorkDir
	} else if inv.WorkDir != "" {
		cmd.Dir = inv.WorkDir
	}
	cmd.Env = mergedEnviron(inv.Env, u.Env)

	var output cappedBuffer
	output.cap = maxCapturedOutput
	cmd.Stdout = &output
	cmd.Stderr = &output

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.FailedExecution(&domain.SandboxSetupError{Isolation: spec.Isolation, Err: err})
	}

	if applyLimits {
		if err := applyProcessLimits(cmd.Process.Pid, spec.Limits); err != nil {
			_ = cmd.Cancel()
			_ = cmd.Wait()
			return domain.FailedExecution(&domain.SandboxSetupError{Isolation: spec.Isolation, Err: err})
		}
	}

	watch := m.watch(WatchTarget{
		PID:         cmd.Process.Pid,
		PolicyGroup: spec.Policy.Name,
		Cancel:      cancel,
	}, spec.Limits)

	waitErr := cmd.Wait()
	elapsed := time.Since(start)

	watch.Stop()
	stats := processStats(cmd, elapsed)
	if v, ok := watch.TakeViolation(); ok {
		m.recordViolation(v)
		return domain.ExecutionResult{
			Stats: stats,
			Err:   &domain.SandboxViolation{Violation: v},
		}
	}

	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return domain.ExecutionResult{Value: output.buf.String(), Stats: stats, Err: waitErr}
		}
		return domain.ExecutionResult{Stats: stats, Err: waitErr}
	}
	return domain.Succeeded(output.buf.String(), stats)
}

func processStats(cmd *exec.Cmd, elapsed time.Duration) domain.ExecutionStats {
	stats := domain.ExecutionStats{Duration: elapsed, ExitCode: -1}
	state := cmd.ProcessState
	if state == nil {
		return stats
	}
	stats.ExitCode = state.ExitCode()
	stats.CPUTime = state.UserTime() + state.SystemTime()
	if ru, ok := state.SysUsage().(*syscall.Rusage); ok && ru != nil {
		// Maxrss is reported in kilobytes on Linux.
		stats.PeakMemoryBytes = ru.Maxrss * 1024
	}
	return stats
}

// mergedEnviron builds the child environment: ambient process environment,
// then the invocation environment, then per-unit overrides.
func mergedEnviron(layers ...map[string]string) []string {
	merged := map[string]string{}
	for _, kv := range os.Environ() {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}
	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+merged[k])
	}
	return env
}
