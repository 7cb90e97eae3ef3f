package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
)

// stubEngine is a configurable in-memory engine used across the package
// tests. Counters are atomic so concurrent compile tests can assert on them.
type stubEngine struct {
	desc domain.EngineDescriptor

	compiles  atomic.Int64
	executes  atomic.Int64
	validates atomic.Int64

	compileDelay time.Duration
	compileErr   error
	executeErr   error
	panicOn      string // "compile" or "execute" triggers a panic
	findings     []domain.Diagnostic
}

func newStubEngine(id string, extensions ...string) *stubEngine {
	return &stubEngine{
		desc: domain.EngineDescriptor{
			ID:         id,
			Name:       "stub " + id,
			Version:    "1",
			Extensions: extensions,
			Capabilities: []domain.Capability{
				domain.CapabilityCompilationCaching,
				domain.CapabilityValidation,
			},
		},
	}
}

func (s *stubEngine) Descriptor() domain.EngineDescriptor { return s.desc }

func (s *stubEngine) Compile(ctx context.Context, src runtime.Source, _ runtime.Invocation) (*domain.CompiledScript, error) {
	if s.panicOn == "compile" {
		panic("stub compile exploded")
	}
	s.compiles.Add(1)
	if s.compileDelay > 0 {
		select {
		case <-time.After(s.compileDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.compileErr != nil {
		return nil, s.compileErr
	}
	return &domain.CompiledScript{
		Artifact:   string(src.Content),
		CompiledAt: time.Now(),
		SizeBytes:  int64(len(src.Content)),
	}, nil
}

func (s *stubEngine) Execute(_ context.Context, script *domain.CompiledScript, _ runtime.Invocation) (domain.ExecutionResult, error) {
	if s.panicOn == "execute" {
		panic("stub execute exploded")
	}
	s.executes.Add(1)
	if s.executeErr != nil {
		return domain.FailedExecution(s.executeErr), nil
	}
	return domain.Succeeded(script.Artifact, domain.ExecutionStats{}), nil
}

func (s *stubEngine) Validate(_ context.Context, _ runtime.Source, _ runtime.Invocation) (domain.ValidationResult, error) {
	s.validates.Add(1)
	if len(s.findings) > 0 {
		return domain.InvalidResult(s.findings...), nil
	}
	return domain.ValidResult(), nil
}
