package sandbox

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/internal/governance"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(context.Background(), Config{
		SampleInterval: 10 * time.Millisecond,
		Budget:         governance.ViolationBudgetConfig{MaxViolationsBeforeAbort: 2, Cooldown: time.Minute},
		WorkRoot:       t.TempDir(),
	}, NewMetrics(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return m
}

func logicalSpec(group string, limits domain.ResourceLimits) domain.SandboxSpec {
	policy := domain.DefaultPolicy()
	policy.Name = group
	return domain.SandboxSpec{
		Isolation: domain.IsolationLogical,
		Policy:    policy,
		Limits:    limits,
	}
}

func TestRunBoundedInlineSuccess(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("test", domain.ResourceLimits{})
	spec.Isolation = domain.IsolationNone

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "echo",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			return 42, nil
		},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, 42, result.Value)
	assert.Greater(t, result.Stats.Duration, time.Duration(0))
}

func TestRunBoundedWallClockViolation(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("wall", domain.ResourceLimits{MaxWallTime: 100 * time.Millisecond})

	start := time.Now()
	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "slow",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			select {
			case <-time.After(5 * time.Second):
				return nil, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	elapsed := time.Since(start)

	require.Error(t, result.Err)
	var sv *domain.SandboxViolation
	require.ErrorAs(t, result.Err, &sv)
	assert.Equal(t, domain.ViolationWallTime, sv.Violation.Kind)
	assert.Less(t, elapsed, time.Second, "unit should be cancelled shortly after the limit")

	// Exactly one violation reaches the budget.
	assert.Equal(t, int64(1), m.Tracker().Total("wall"))
}

func TestRunBoundedMonitoringDisabled(t *testing.T) {
	m, err := NewManager(context.Background(), Config{
		SampleInterval:            10 * time.Millisecond,
		Budget:                    governance.ViolationBudgetConfig{MaxViolationsBeforeAbort: 2, Cooldown: time.Minute},
		WorkRoot:                  t.TempDir(),
		DisableResourceMonitoring: true,
	}, NewMetrics(), slog.New(slog.DiscardHandler))
	require.NoError(t, err)

	// The unit outlives its wall limit; with monitoring off nothing cancels
	// it and no violation reaches the budget.
	spec := logicalSpec("unmonitored", domain.ResourceLimits{MaxWallTime: 50 * time.Millisecond})
	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "slow",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			select {
			case <-time.After(200 * time.Millisecond):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "done", result.Value)
	assert.Equal(t, int64(0), m.Tracker().Total("unmonitored"))
}

func TestRunBoundedInProcessMemoryViolation(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("heap", domain.ResourceLimits{MaxMemoryBytes: 32 << 20})

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "hungry",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			buf := make([]byte, 64<<20)
			for i := range buf {
				buf[i] = 1
			}
			select {
			case <-time.After(5 * time.Second):
				return len(buf), nil
			case <-ctx.Done():
				return len(buf), ctx.Err()
			}
		},
	})

	require.Error(t, result.Err)
	var sv *domain.SandboxViolation
	require.ErrorAs(t, result.Err, &sv)
	assert.Equal(t, domain.ViolationMemory, sv.Violation.Kind)
	assert.Equal(t, int64(1), m.Tracker().Total("heap"))
}

func TestRunBoundedPanicDoesNotEscape(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("panic", domain.ResourceLimits{})
	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "boom",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			panic("kaboom")
		},
	})

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "panicked")
}

func TestRunBoundedRefusesUnhealthyGroup(t *testing.T) {
	m := newTestManager(t)

	for range 2 {
		m.Tracker().Record(domain.Violation{Kind: domain.ViolationMemory, PolicyGroup: "hot"})
	}

	spec := logicalSpec("hot", domain.ResourceLimits{})
	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "refused",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			t.Fatal("unit must not run for an unhealthy group")
			return nil, nil
		},
	})

	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, domain.ErrGroupUnhealthy)
}

func TestLogicalIsolationSeparatesState(t *testing.T) {
	m := newTestManager(t)

	caller := runtime.Invocation{
		WorkDir: "/caller/workdir",
		Env:     map[string]string{"SHARED": "original"},
	}

	spec := logicalSpec("state", domain.ResourceLimits{})
	result := m.RunBounded(context.Background(), spec, caller, FuncUnit{
		Name: "mutator",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			if inv.WorkDir == caller.WorkDir {
				return nil, errors.New("scratch dir not isolated")
			}
			inv.Env["SHARED"] = "mutated"
			return inv.WorkDir, nil
		},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "original", caller.Env["SHARED"], "environment mutation must not leak")
	assert.NotEqual(t, caller.WorkDir, result.Value)
}

func TestProcessIsolationDowngradesFuncUnit(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("downgrade", domain.ResourceLimits{})
	spec.Isolation = domain.IsolationProcess

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, FuncUnit{
		Name: "inproc",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			return "ran", nil
		},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "ran", result.Value)
}

func TestCommandUnitCapturesOutput(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("cmd", domain.ResourceLimits{})
	spec.Isolation = domain.IsolationNone

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, CommandUnit{
		Name:    "hello",
		Command: "echo hello from the pipeline",
	})

	require.NoError(t, result.Err)
	output, ok := result.Value.(string)
	require.True(t, ok)
	assert.True(t, strings.Contains(output, "hello from the pipeline"))
	assert.Equal(t, 0, result.Stats.ExitCode)
}

func TestCommandUnitNonZeroExit(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("cmd-fail", domain.ResourceLimits{})
	spec.Isolation = domain.IsolationNone

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, CommandUnit{
		Name:    "fail",
		Command: "echo oops >&2; exit 3",
	})

	require.Error(t, result.Err)
	assert.Equal(t, 3, result.Stats.ExitCode)
	output, _ := result.Value.(string)
	assert.Contains(t, output, "oops")
}

func TestCommandUnitWallClockViolation(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("cmd-wall", domain.ResourceLimits{MaxWallTime: 100 * time.Millisecond})
	spec.Isolation = domain.IsolationProcess

	start := time.Now()
	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, CommandUnit{
		Name:    "sleeper",
		Command: "sleep 5",
	})
	elapsed := time.Since(start)

	require.Error(t, result.Err)
	var sv *domain.SandboxViolation
	require.ErrorAs(t, result.Err, &sv)
	assert.Equal(t, domain.ViolationWallTime, sv.Violation.Kind)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, int64(1), m.Tracker().Total("cmd-wall"))
}

func TestCommandUnitEnvMerging(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("env", domain.ResourceLimits{})
	spec.Isolation = domain.IsolationNone

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{
		Env: map[string]string{"FROM_INVOCATION": "a", "OVERRIDDEN": "old"},
	}, CommandUnit{
		Name:    "env",
		Command: `printf '%s %s' "$FROM_INVOCATION" "$OVERRIDDEN"`,
		Env:     map[string]string{"OVERRIDDEN": "new"},
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "a new", result.Value)
}

type fakeContainerRunner struct {
	lastSpec ContainerSpec
	outcome  ContainerOutcome
	err      error
	delay    time.Duration
}

func (f *fakeContainerRunner) Run(ctx context.Context, spec ContainerSpec) (ContainerOutcome, error) {
	f.lastSpec = spec
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ContainerOutcome{}, ctx.Err()
		}
	}
	return f.outcome, f.err
}

func TestContainerIsolation(t *testing.T) {
	m := newTestManager(t)
	fake := &fakeContainerRunner{outcome: ContainerOutcome{Output: "built", ExitCode: 0}}
	m.SetContainerRunner(fake)

	policy := domain.RestrictedPolicy()
	policy.Name = "container"
	spec := domain.SandboxSpec{
		Isolation: domain.IsolationContainer,
		Policy:    policy,
		Limits:    domain.ResourceLimits{MaxMemoryBytes: 64 << 20},
	}

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, CommandUnit{
		Name:    "build",
		Command: "make build",
	})

	require.NoError(t, result.Err)
	assert.Equal(t, "built", result.Value)
	assert.True(t, fake.lastSpec.NetworkDisabled, "restricted policy must disable networking")
	assert.Equal(t, int64(64<<20), fake.lastSpec.Limits.MaxMemoryBytes)
}

func TestContainerIsolationWithoutBackend(t *testing.T) {
	m := newTestManager(t)

	spec := logicalSpec("no-backend", domain.ResourceLimits{})
	spec.Isolation = domain.IsolationContainer

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, CommandUnit{
		Name:    "build",
		Command: "true",
	})

	require.Error(t, result.Err)
	var setupErr *domain.SandboxSetupError
	assert.ErrorAs(t, result.Err, &setupErr)
}

func TestContainerWallClockViolation(t *testing.T) {
	m := newTestManager(t)
	fake := &fakeContainerRunner{delay: 5 * time.Second}
	m.SetContainerRunner(fake)

	spec := logicalSpec("container-wall", domain.ResourceLimits{MaxWallTime: 100 * time.Millisecond})
	spec.Isolation = domain.IsolationContainer

	result := m.RunBounded(context.Background(), spec, runtime.Invocation{}, CommandUnit{
		Name:    "stuck",
		Command: "sleep 30",
	})

	require.Error(t, result.Err)
	var sv *domain.SandboxViolation
	require.ErrorAs(t, result.Err, &sv)
	assert.Equal(t, domain.ViolationWallTime, sv.Violation.Kind)
}
