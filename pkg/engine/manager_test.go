package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/conveyorci/conveyor/internal/governance"
	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/sandbox"
)

type eventCollector struct {
	mu     sync.Mutex
	events []domain.ExecutionEvent
}

func (c *eventCollector) handle(e domain.ExecutionEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
}

func (c *eventCollector) types() []domain.EventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]domain.EventType, len(c.events))
	for i, e := range c.events {
		types[i] = e.Type
	}
	return types
}

func newTestDeps(t *testing.T) (*Manager, *Registry, *eventCollector) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	c, err := cache.New(cache.Config{}, logger)
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	sb, err := sandbox.NewManager(context.Background(), sandbox.Config{
		SampleInterval: 10 * time.Millisecond,
		Budget:         governance.ViolationBudgetConfig{MaxViolationsBeforeAbort: 100, Cooldown: time.Minute},
		WorkRoot:       t.TempDir(),
	}, sandbox.NewMetrics(), logger)
	if err != nil {
		t.Fatalf("sandbox.NewManager: %v", err)
	}

	bus := events.NewBus(logger)
	collector := &eventCollector{}
	bus.Subscribe(collector.handle, nil)

	registry := NewRegistry()
	return NewManager(registry, c, sb, bus, logger), registry, collector
}

func trustedContext() domain.ExecutionContext {
	policy := domain.PermissivePolicy()
	policy.SandboxEnabled = false
	spec := domain.SandboxSpec{Isolation: domain.IsolationNone, Policy: policy}
	return domain.ExecutionContext{Compile: spec, Execute: spec}
}

func TestManagerExecuteHappyPath(t *testing.T) {
	m, _, collector := newTestDeps(t)

	stub := newStubEngine("groovy", ".groovy")
	if err := m.RegisterEngine(stub); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	src := runtime.Source{Path: "Jenkinsfile.groovy", Content: []byte("stage('build')")}
	result := m.Execute(context.Background(), src, trustedContext())

	if result.Failed() {
		t.Fatalf("Execute failed: %v", result.Err)
	}
	if result.Value != "stage('build')" {
		t.Fatalf("unexpected value: %v", result.Value)
	}
	if got := stub.compiles.Load(); got != 1 {
		t.Fatalf("compiles = %d, want 1", got)
	}
	if got := stub.executes.Load(); got != 1 {
		t.Fatalf("executes = %d, want 1", got)
	}

	types := collector.types()
	if len(types) != 2 || types[0] != domain.EventStarted || types[1] != domain.EventCompleted {
		t.Fatalf("unexpected event sequence: %v", types)
	}
}

func TestManagerCompilePublishesLifecycleEvents(t *testing.T) {
	m, _, collector := newTestDeps(t)

	stub := newStubEngine("groovy", ".groovy")
	if err := m.RegisterEngine(stub); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	src := runtime.Source{Path: "Jenkinsfile.groovy", Content: []byte("stage('build')")}
	if _, err := m.Compile(context.Background(), src, trustedContext()); err != nil {
		t.Fatalf("Compile: %v", err)
	}

	types := collector.types()
	if len(types) != 2 || types[0] != domain.EventCompileStarted || types[1] != domain.EventCompileCompleted {
		t.Fatalf("unexpected event sequence: %v", types)
	}

	stub.compileErr = &domain.CompilationError{
		EngineID:    "groovy",
		Diagnostics: []domain.Diagnostic{{Severity: domain.SeverityError, Message: "unexpected token"}},
	}
	bad := runtime.Source{Path: "broken.groovy", Content: []byte("stage(")}
	if _, err := m.Compile(context.Background(), bad, trustedContext()); err == nil {
		t.Fatal("Compile succeeded, want compilation error")
	}

	types = collector.types()
	if got := types[len(types)-1]; got != domain.EventCompileFailed {
		t.Fatalf("last event = %v, want %v", got, domain.EventCompileFailed)
	}
}

func TestManagerCompileServedFromCache(t *testing.T) {
	m, _, _ := newTestDeps(t)

	stub := newStubEngine("kts", ".kts")
	if err := m.RegisterEngine(stub); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	src := runtime.Source{Path: "build.kts", Content: []byte("tasks.build()")}
	for range 3 {
		if result := m.Execute(context.Background(), src, trustedContext()); result.Failed() {
			t.Fatalf("Execute failed: %v", result.Err)
		}
	}

	if got := stub.compiles.Load(); got != 1 {
		t.Fatalf("compiles = %d, want 1 (cache must serve repeats)", got)
	}
	if got := stub.executes.Load(); got != 3 {
		t.Fatalf("executes = %d, want 3", got)
	}
}

func TestManagerCompilationErrorPassesThrough(t *testing.T) {
	m, _, collector := newTestDeps(t)

	stub := newStubEngine("bad", ".bad")
	stub.compileErr = &domain.CompilationError{
		EngineID: "bad",
		Diagnostics: []domain.Diagnostic{
			{Severity: domain.SeverityError, Message: "unexpected token"},
		},
	}
	if err := m.RegisterEngine(stub); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	result := m.Execute(context.Background(), runtime.Source{Path: "x.bad", Content: []byte("!!")}, trustedContext())
	if !result.Failed() {
		t.Fatal("expected failure")
	}
	var compileErr *domain.CompilationError
	if !errors.As(result.Err, &compileErr) {
		t.Fatalf("want *domain.CompilationError, got %T: %v", result.Err, result.Err)
	}
	if len(compileErr.Diagnostics) != 1 {
		t.Fatalf("diagnostics = %d, want 1", len(compileErr.Diagnostics))
	}

	types := collector.types()
	if len(types) != 2 || types[1] != domain.EventFailed {
		t.Fatalf("unexpected event sequence: %v", types)
	}
}

func TestManagerExecutePanicBecomesEngineFault(t *testing.T) {
	m, _, _ := newTestDeps(t)

	stub := newStubEngine("volatile", ".vol")
	stub.panicOn = "execute"
	if err := m.RegisterEngine(stub); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	result := m.Execute(context.Background(), runtime.Source{Path: "x.vol", Content: []byte("boom")}, trustedContext())
	if !result.Failed() {
		t.Fatal("expected failure")
	}
	var engineErr *domain.EngineExecutionError
	if !errors.As(result.Err, &engineErr) {
		t.Fatalf("want *domain.EngineExecutionError, got %T: %v", result.Err, result.Err)
	}
	if engineErr.EngineID != "volatile" {
		t.Fatalf("engine id = %q", engineErr.EngineID)
	}
}

func TestManagerResolveByExplicitID(t *testing.T) {
	m, _, _ := newTestDeps(t)

	a := newStubEngine("a", ".script")
	b := newStubEngine("b", ".script")
	if err := m.RegisterEngine(a); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}
	if err := m.RegisterEngine(b); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	ec := trustedContext()
	ec.EngineID = "a"
	if result := m.Execute(context.Background(), runtime.Source{Path: "x.script", Content: []byte("hi")}, ec); result.Failed() {
		t.Fatalf("Execute failed: %v", result.Err)
	}
	if a.executes.Load() != 1 || b.executes.Load() != 0 {
		t.Fatalf("explicit id ignored: a=%d b=%d", a.executes.Load(), b.executes.Load())
	}
}

func TestManagerUnknownEngine(t *testing.T) {
	m, _, _ := newTestDeps(t)

	result := m.Execute(context.Background(), runtime.Source{Path: "x.unknown", Content: []byte("hi")}, trustedContext())
	if !errors.Is(result.Err, domain.ErrEngineNotFound) {
		t.Fatalf("want ErrEngineNotFound, got %v", result.Err)
	}

	ec := trustedContext()
	ec.EngineID = "ghost"
	if _, err := m.Compile(context.Background(), runtime.Source{Path: "x.unknown"}, ec); !errors.Is(err, domain.ErrEngineNotFound) {
		t.Fatalf("want ErrEngineNotFound, got %v", err)
	}
}

func TestManagerValidate(t *testing.T) {
	m, _, _ := newTestDeps(t)

	clean := newStubEngine("clean", ".ok")
	dirty := newStubEngine("dirty", ".dirty")
	dirty.findings = []domain.Diagnostic{{Severity: domain.SeverityWarning, Message: "deprecated step"}}
	if err := m.RegisterEngine(clean); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}
	if err := m.RegisterEngine(dirty); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}

	vr, err := m.Validate(context.Background(), runtime.Source{Path: "x.ok", Content: []byte("fine")}, trustedContext())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !vr.Valid {
		t.Fatalf("expected valid, got findings %v", vr.Findings)
	}

	vr, err = m.Validate(context.Background(), runtime.Source{Path: "x.dirty", Content: []byte("meh")}, trustedContext())
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if vr.Valid || len(vr.Findings) != 1 {
		t.Fatalf("expected one finding, got %+v", vr)
	}
}

func TestManagerUnregisterStopsResolution(t *testing.T) {
	m, _, _ := newTestDeps(t)

	stub := newStubEngine("gone", ".gone")
	if err := m.RegisterEngine(stub); err != nil {
		t.Fatalf("RegisterEngine: %v", err)
	}
	m.UnregisterEngine("gone")

	result := m.Execute(context.Background(), runtime.Source{Path: "x.gone", Content: []byte("hi")}, trustedContext())
	if !errors.Is(result.Err, domain.ErrEngineNotFound) {
		t.Fatalf("want ErrEngineNotFound, got %v", result.Err)
	}
}
