package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/conveyorci/conveyor/pkg/cache"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
	"github.com/conveyorci/conveyor/pkg/events"
	"github.com/conveyorci/conveyor/pkg/sandbox"
	"github.com/conveyorci/conveyor/pkg/telemetry"
)

// Manager is the facade over engine selection, cached compilation, sandboxed
// execution, and lifecycle events. It is safe for concurrent use.
type Manager struct {
	registry *Registry
	cache    *cache.Cache
	sandbox  *sandbox.Manager
	bus      *events.Bus
	logger   *slog.Logger
}

// NewManager wires the execution facade. A nil cache disables compilation
// caching; the bus and sandbox manager are required.
func NewManager(registry *Registry, c *cache.Cache, sb *sandbox.Manager, bus *events.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		cache:    c,
		sandbox:  sb,
		bus:      bus,
		logger:   logger,
	}
}

// RegisterEngine adds an engine to the registry.
func (m *Manager) RegisterEngine(eng runtime.Engine) error {
	if err := m.registry.Register(eng); err != nil {
		return err
	}
	desc := eng.Descriptor()
	m.logger.Info("engine registered",
		"engine_id", desc.ID,
		"version", desc.Version,
		"extensions", desc.Extensions,
	)
	return nil
}

// UnregisterEngine removes an engine. In-flight work on the engine is
// unaffected; cached scripts stay valid until they expire.
func (m *Manager) UnregisterEngine(id string) {
	m.registry.Unregister(id)
	m.logger.Info("engine unregistered", "engine_id", id)
}

// Engines lists the registered engine descriptors.
func (m *Manager) Engines() []domain.EngineDescriptor {
	return m.registry.Descriptors()
}

// Compile resolves an engine for the source and returns the compiled script,
// served from the cache when the engine supports compilation caching.
func (m *Manager) Compile(ctx context.Context, src runtime.Source, ec domain.ExecutionContext) (*domain.CompiledScript, error) {
	eng, err := m.resolve(src, ec)
	if err != nil {
		return nil, err
	}
	desc := eng.Descriptor()

	tracer := otel.Tracer("conveyor.engine")
	ctx, span := tracer.Start(ctx, "dsl.compile", trace.WithAttributes(
		attribute.String("engine.id", desc.ID),
		attribute.String("engine.version", desc.Version),
		attribute.String("source.path", src.Path),
	))
	defer span.End()

	executionID := ec.CorrelationID
	if executionID == "" {
		executionID = uuid.NewString()
		ec.CorrelationID = executionID
	}
	m.bus.Publish(domain.CompileStartedEvent(executionID, desc.ID))

	start := time.Now()
	script, stats, err := m.compileCached(ctx, eng, desc, src, ec)
	elapsed := time.Since(start)
	telemetry.RecordOperation(ctx, telemetry.OperationMetrics{
		EngineID:  desc.ID,
		Operation: "compile",
		Outcome:   outcomeOf(err),
		CacheHit:  stats.CacheHit,
		Degraded:  stats.Degraded,
		Duration:  elapsed,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.bus.Publish(domain.CompileFailedEvent(executionID, desc.ID, err))
		return nil, err
	}
	m.bus.Publish(domain.CompileCompletedEvent(executionID, desc.ID, elapsed))
	span.SetAttributes(attribute.String("cache.key", script.Key.String()))
	return script, nil
}

// compileStats reports how a compilation was satisfied.
type compileStats struct {
	CacheHit bool
	Degraded bool
}

func (m *Manager) compileCached(ctx context.Context, eng runtime.Engine, desc domain.EngineDescriptor, src runtime.Source, ec domain.ExecutionContext) (*domain.CompiledScript, compileStats, error) {
	var compiled bool
	compileFn := func(ctx context.Context) (*domain.CompiledScript, error) {
		compiled = true
		return m.compileBounded(ctx, eng, desc, src, ec)
	}

	if m.cache == nil || !desc.HasCapability(domain.CapabilityCompilationCaching) {
		script, err := compileFn(ctx)
		return script, compileStats{}, err
	}

	key := cache.KeyFor(desc, src.Content)
	script, err := m.cache.GetOrCompile(ctx, key, compileFn)
	var cacheErr *domain.CacheError
	if errors.As(err, &cacheErr) {
		// A broken cache must not fail the request; compile uncached.
		m.logger.Warn("cache degraded, compiling directly", "error", err)
		script, err = compileFn(ctx)
		return script, compileStats{Degraded: true}, err
	}
	return script, compileStats{CacheHit: err == nil && !compiled}, err
}

// compileBounded runs the engine compile inside the compile sandbox boundary.
func (m *Manager) compileBounded(ctx context.Context, eng runtime.Engine, desc domain.EngineDescriptor, src runtime.Source, ec domain.ExecutionContext) (*domain.CompiledScript, error) {
	inv := runtime.Invocation{CorrelationID: ec.CorrelationID, Env: ec.Environment}

	result := m.sandbox.RunBounded(ctx, ec.Compile, inv, sandbox.FuncUnit{
		Name: desc.ID + "/compile",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			return eng.Compile(ctx, src, inv)
		},
	})
	if result.Failed() {
		return nil, m.classify(desc.ID, result.Err)
	}

	script, ok := result.Value.(*domain.CompiledScript)
	if !ok || script == nil {
		return nil, &domain.EngineExecutionError{
			EngineID: desc.ID,
			Original: "compile returned no script",
		}
	}
	return script, nil
}

// Execute compiles the source (through the cache) and runs it inside the
// execution sandbox boundary, publishing lifecycle events along the way.
func (m *Manager) Execute(ctx context.Context, src runtime.Source, ec domain.ExecutionContext) domain.ExecutionResult {
	eng, err := m.resolve(src, ec)
	if err != nil {
		return domain.FailedExecution(err)
	}
	desc := eng.Descriptor()

	executionID := ec.CorrelationID
	if executionID == "" {
		executionID = uuid.NewString()
		ec.CorrelationID = executionID
	}

	tracer := otel.Tracer("conveyor.engine")
	ctx, span := tracer.Start(ctx, "dsl.execute", trace.WithAttributes(
		attribute.String("engine.id", desc.ID),
		attribute.String("execution.id", executionID),
		attribute.String("source.path", src.Path),
	))
	defer span.End()

	m.bus.Publish(domain.StartedEvent(executionID, desc.ID))
	start := time.Now()

	script, stats, err := m.compileCached(ctx, eng, desc, src, ec)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.bus.Publish(domain.FailedEvent(executionID, desc.ID, err))
		return domain.FailedExecution(err)
	}

	result := m.executeBounded(ctx, eng, desc, script, ec)
	elapsed := time.Since(start)
	if result.Stats.Duration == 0 {
		result.Stats.Duration = elapsed
	}

	telemetry.RecordOperation(ctx, telemetry.OperationMetrics{
		EngineID:  desc.ID,
		Operation: "execute",
		Outcome:   outcomeOf(result.Err),
		CacheHit:  stats.CacheHit,
		Degraded:  stats.Degraded,
		Duration:  elapsed,
	})

	if result.Failed() {
		var violation *domain.SandboxViolation
		if errors.As(result.Err, &violation) {
			telemetry.RecordViolationEvent(span, violation.Violation)
			telemetry.RecordViolation(ctx, desc.ID, violation.Violation)
		}
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, result.Err.Error())
		m.bus.Publish(domain.FailedEvent(executionID, desc.ID, result.Err))
	} else {
		m.bus.Publish(domain.CompletedEvent(executionID, desc.ID, result, elapsed))
	}
	return result
}

func outcomeOf(err error) string {
	if err == nil {
		return "success"
	}
	return "failure"
}

func (m *Manager) executeBounded(ctx context.Context, eng runtime.Engine, desc domain.EngineDescriptor, script *domain.CompiledScript, ec domain.ExecutionContext) domain.ExecutionResult {
	inv := runtime.Invocation{CorrelationID: ec.CorrelationID, Env: ec.Environment}

	outer := m.sandbox.RunBounded(ctx, ec.Execute, inv, sandbox.FuncUnit{
		Name: desc.ID + "/execute",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			result, err := eng.Execute(ctx, script, inv)
			if err != nil {
				return nil, err
			}
			return result, nil
		},
	})
	if outer.Failed() {
		return domain.ExecutionResult{Stats: outer.Stats, Err: m.classify(desc.ID, outer.Err)}
	}

	inner, ok := outer.Value.(domain.ExecutionResult)
	if !ok {
		return domain.ExecutionResult{Stats: outer.Stats, Err: &domain.EngineExecutionError{
			EngineID: desc.ID,
			Original: "execute returned no result",
		}}
	}
	if inner.Stats.Duration == 0 {
		inner.Stats.Duration = outer.Stats.Duration
	}
	if inner.Failed() {
		inner.Err = m.classify(desc.ID, inner.Err)
	}
	return inner
}

// Validate runs the engine's validation under the compile boundary. Engines
// without deep validation report compile diagnostics instead.
func (m *Manager) Validate(ctx context.Context, src runtime.Source, ec domain.ExecutionContext) (domain.ValidationResult, error) {
	eng, err := m.resolve(src, ec)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	desc := eng.Descriptor()

	inv := runtime.Invocation{CorrelationID: ec.CorrelationID, Env: ec.Environment}
	result := m.sandbox.RunBounded(ctx, ec.Compile, inv, sandbox.FuncUnit{
		Name: desc.ID + "/validate",
		Fn: func(ctx context.Context, inv runtime.Invocation) (any, error) {
			vr, err := eng.Validate(ctx, src, inv)
			if err != nil {
				return nil, err
			}
			return vr, nil
		},
	})
	if result.Failed() {
		var compileErr *domain.CompilationError
		if errors.As(result.Err, &compileErr) {
			return domain.InvalidResult(compileErr.Diagnostics...), nil
		}
		return domain.ValidationResult{}, m.classify(desc.ID, result.Err)
	}

	vr, ok := result.Value.(domain.ValidationResult)
	if !ok {
		return domain.ValidationResult{}, &domain.EngineExecutionError{
			EngineID: desc.ID,
			Original: "validate returned no result",
		}
	}
	return vr, nil
}

// resolve picks an engine: an explicit engine id wins, otherwise the source
// path's extension decides.
func (m *Manager) resolve(src runtime.Source, ec domain.ExecutionContext) (runtime.Engine, error) {
	if ec.EngineID != "" {
		return m.registry.FindByID(ec.EngineID)
	}
	path := src.Path
	if path == "" {
		path = ec.SourcePath
	}
	return m.registry.FindByExtension(path)
}

// classify keeps compilation errors and sandbox outcomes intact and wraps
// everything else as an unexpected engine fault.
func (m *Manager) classify(engineID string, err error) error {
	var (
		compileErr *domain.CompilationError
		violation  *domain.SandboxViolation
		setupErr   *domain.SandboxSetupError
		engineErr  *domain.EngineExecutionError
	)
	switch {
	case errors.As(err, &compileErr),
		errors.As(err, &violation),
		errors.As(err, &setupErr),
		errors.As(err, &engineErr),
		errors.Is(err, domain.ErrGroupUnhealthy),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return &domain.EngineExecutionError{EngineID: engineID, Original: err.Error(), Err: err}
	}
}
