package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"time"

	"github.com/conveyorci/conveyor/internal/governance"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
	"github.com/conveyorci/conveyor/pkg/policy"
)

// Unit is one bounded piece of work. FuncUnit runs in-process engine code;
// CommandUnit runs a shell-like step and can cross a process or container
// boundary.
type Unit interface {
	unitName() string
}

// FuncUnit wraps in-process work, typically an engine compile or execute
// call. The function must honour ctx: cooperative cancellation is the only
// way to stop it.
type FuncUnit struct {
	Name string
	Fn   func(ctx context.Context, inv runtime.Invocation) (any, error)
}

func (u FuncUnit) unitName() string { return u.Name }

// CommandUnit wraps a shell-like unit of work.
type CommandUnit struct {
	Name    string
	Command string
	Env     map[string]string
	WorkDir string
}

func (u CommandUnit) unitName() string { return u.Name }

// Config tunes the sandbox manager.
type Config struct {
	SampleInterval time.Duration
	Budget         governance.ViolationBudgetConfig
	// WorkRoot is where per-unit scratch directories are created.
	WorkRoot string
	// ContainerImage runs CONTAINER-isolated commands; empty disables the
	// container backend unless a runner is injected explicitly.
	ContainerImage string
	// DisableResourceMonitoring turns off limit supervision entirely; units
	// run unbounded while policy checks and the budget stay active.
	DisableResourceMonitoring bool
	// LogViolations emits a warn log per breach in addition to the metric.
	LogViolations bool
}

// Manager builds execution boundaries. It owns the policy engine, the
// resource monitor, and the violation budget shared by all executions.
type Manager struct {
	cfg       Config
	policies  *policy.Engine
	tracker   *governance.ViolationTracker
	monitor   *Monitor
	metrics   *Metrics
	container ContainerRunner
	logger    *slog.Logger
}

// NewManager constructs a sandbox manager. The container backend is attached
// lazily via SetContainerRunner or implicitly when cfg.ContainerImage is set.
func NewManager(ctx context.Context, cfg Config, metrics *Metrics, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}

	policies, err := policy.NewEngine(ctx, policy.EngineOptions{})
	if err != nil {
		return nil, fmt.Errorf("policy engine: %w", err)
	}

	m := &Manager{
		cfg:      cfg,
		policies: policies,
		tracker:  governance.NewViolationTracker(cfg.Budget),
		monitor:  NewMonitor(cfg.SampleInterval, logger, cfg.LogViolations),
		metrics:  metrics,
		logger:   logger,
	}

	if cfg.ContainerImage != "" {
		runner, err := newDockerRunner(cfg.ContainerImage, logger)
		if err != nil {
			// Container isolation stays unavailable; PROCESS and below work.
			logger.Warn("container backend unavailable", "error", err)
		} else {
			m.container = runner
		}
	}
	return m, nil
}

// watch starts limit supervision for a unit. With resource monitoring
// disabled it returns an inert watch that never raises a violation, so the
// run paths stay shape-identical.
func (m *Manager) watch(target WatchTarget, limits domain.ResourceLimits) *Watch {
	if m.cfg.DisableResourceMonitoring {
		w := &Watch{
			violations: make(chan domain.Violation, 1),
			stop:       make(chan struct{}),
			done:       make(chan struct{}),
		}
		close(w.done)
		return w
	}
	return m.monitor.Watch(target, limits)
}

// SetContainerRunner replaces the container backend, mainly for tests.
func (m *Manager) SetContainerRunner(r ContainerRunner) { m.container = r }

// Tracker exposes the violation budget shared with other components.
func (m *Manager) Tracker() *governance.ViolationTracker { return m.tracker }

// RunBounded executes a unit inside the boundary described by spec. Resource
// and policy breaches surface as ExecutionResult failures carrying a
// *domain.SandboxViolation; boundary construction problems surface as
// *domain.SandboxSetupError. Faults never escape as panics.
func (m *Manager) RunBounded(ctx context.Context, spec domain.SandboxSpec, inv runtime.Invocation, unit Unit) domain.ExecutionResult {
	group := spec.Policy.Name

	if err := m.tracker.Allow(group); err != nil {
		m.metrics.recordRefusal()
		return domain.FailedExecution(fmt.Errorf("policy group %q: %w", group, err))
	}

	if spec.Policy.SandboxEnabled {
		inv.Guard = &policyGuard{engine: m.policies, spec: spec.Policy, tracker: m.tracker, metrics: m.metrics}
	} else if inv.Guard == nil {
		inv.Guard = runtime.PermitAllGuard{}
	}

	isolation := string(spec.Isolation)
	m.metrics.sandboxStarted(isolation)
	start := time.Now()

	result := m.dispatch(ctx, spec, inv, unit)

	elapsed := time.Since(start)
	if result.Stats.Duration == 0 {
		result.Stats.Duration = elapsed
	}
	outcome := "success"
	if result.Failed() {
		outcome = "failure"
	}
	m.metrics.recordExecution(isolation, outcome, elapsed.Seconds())
	m.metrics.sandboxFinished(isolation)
	return result
}

func (m *Manager) dispatch(ctx context.Context, spec domain.SandboxSpec, inv runtime.Invocation, unit Unit) domain.ExecutionResult {
	switch spec.Isolation {
	case domain.IsolationNone:
		switch u := unit.(type) {
		case FuncUnit:
			return m.runInline(ctx, spec, inv, u)
		case CommandUnit:
			return m.runProcess(ctx, spec, inv, u, false)
		}
	case domain.IsolationLogical:
		switch u := unit.(type) {
		case FuncUnit:
			return m.runLogical(ctx, spec, inv, u)
		case CommandUnit:
			return m.runProcess(ctx, spec, inv, u, false)
		}
	case domain.IsolationProcess:
		switch u := unit.(type) {
		case FuncUnit:
			// Engine code cannot cross a process boundary; the strongest
			// available tier for it is logical isolation.
			m.logger.Warn("process isolation downgraded to logical for in-process unit", "unit", u.Name)
			return m.runLogical(ctx, spec, inv, u)
		case CommandUnit:
			return m.runProcess(ctx, spec, inv, u, true)
		}
	case domain.IsolationContainer:
		switch u := unit.(type) {
		case FuncUnit:
			m.logger.Warn("container isolation downgraded to logical for in-process unit", "unit", u.Name)
			return m.runLogical(ctx, spec, inv, u)
		case CommandUnit:
			return m.runContainer(ctx, spec, inv, u)
		}
	}
	return domain.FailedExecution(&domain.SandboxSetupError{
		Isolation: spec.Isolation,
		Err:       fmt.Errorf("no backend for unit %T", unit),
	})
}

// runInline executes the unit on the caller's goroutine. Policy checks are
// enforced only where the engine calls back into the guard.
func (m *Manager) runInline(ctx context.Context, spec domain.SandboxSpec, inv runtime.Invocation, u FuncUnit) domain.ExecutionResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch := m.watch(WatchTarget{PolicyGroup: spec.Policy.Name, Cancel: cancel}, spec.Limits)

	value, err := m.invoke(runCtx, inv, u)

	watch.Stop()
	if v, ok := watch.TakeViolation(); ok {
		m.recordViolation(v)
		return domain.FailedExecution(&domain.SandboxViolation{Violation: v})
	}
	if err != nil {
		return domain.FailedExecution(err)
	}
	return domain.Succeeded(value, domain.ExecutionStats{})
}

// runLogical executes the unit on its own goroutine with a private scratch
// directory and a copied environment, preventing state leakage between
// concurrently sandboxed scripts. Policy enforcement remains call-site based.
func (m *Manager) runLogical(ctx context.Context, spec domain.SandboxSpec, inv runtime.Invocation, u FuncUnit) domain.ExecutionResult {
	scratch, err := os.MkdirTemp(m.cfg.WorkRoot, "sandbox-*")
	if err != nil {
		return domain.FailedExecution(&domain.SandboxSetupError{Isolation: domain.IsolationLogical, Err: err})
	}
	defer os.RemoveAll(scratch)

	isolated := inv
	isolated.WorkDir = scratch
	isolated.Env = maps.Clone(inv.Env)
	if isolated.Env == nil {
		isolated.Env = map[string]string{}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watch := m.watch(WatchTarget{PolicyGroup: spec.Policy.Name, Cancel: cancel}, spec.Limits)

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		value, err := m.invoke(runCtx, isolated, u)
		done <- outcome{value, err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-runCtx.Done():
		// Give the unit one grace interval to observe cancellation before
		// abandoning it; logically isolated state keeps the leak harmless.
		select {
		case out = <-done:
		case <-time.After(m.monitor.interval):
			m.logger.Warn("abandoning unresponsive logical unit", "unit", u.Name)
			out = outcome{err: runCtx.Err()}
		}
	}

	watch.Stop()
	if v, ok := watch.TakeViolation(); ok {
		m.recordViolation(v)
		return domain.FailedExecution(&domain.SandboxViolation{Violation: v})
	}
	if out.err != nil {
		return domain.FailedExecution(out.err)
	}
	return domain.Succeeded(out.value, domain.ExecutionStats{})
}

// invoke runs the unit function, converting panics into errors so faults
// never cross the sandbox boundary unwrapped.
func (m *Manager) invoke(ctx context.Context, inv runtime.Invocation, u FuncUnit) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("unit %q panicked: %v", u.Name, r)
		}
	}()
	return u.Fn(ctx, inv)
}

func (m *Manager) recordViolation(v domain.Violation) {
	m.tracker.Record(v)
	m.metrics.recordViolation(string(v.Kind), v.PolicyGroup)
}
