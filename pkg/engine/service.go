package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
	"github.com/conveyorci/conveyor/pkg/runner"
	"github.com/conveyorci/conveyor/pkg/storage"
)

// Service is the caller-facing API consumed by the CLI and backend. It
// composes the execution manager with the pipeline runner and persists every
// finished run.
type Service struct {
	manager *Manager
	runner  *runner.Runner
	store   storage.RunStore
	logger  *slog.Logger

	mu       sync.RWMutex
	defaults domain.ExecutionContext
}

// NewService builds the service. defaults supplies the sandbox boundaries
// applied to every call; store may be nil to skip persistence.
func NewService(manager *Manager, r *runner.Runner, store storage.RunStore, defaults domain.ExecutionContext, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		manager:  manager,
		runner:   r,
		store:    store,
		defaults: defaults,
		logger:   logger,
	}
}

// SetDefaults replaces the sandbox boundaries applied to subsequent calls.
// Config hot reload goes through here.
func (s *Service) SetDefaults(ec domain.ExecutionContext) {
	s.mu.Lock()
	s.defaults = ec
	s.mu.Unlock()
}

func (s *Service) defaultContext() domain.ExecutionContext {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// ExecuteFile executes a pipeline script from disk and drives the resulting
// definition through the runner. The returned JobResult is always populated;
// failures surface in its status rather than aborting.
func (s *Service) ExecuteFile(ctx context.Context, path string) (domain.JobResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.JobResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	return s.ExecuteSource(ctx, path, content, ""), nil
}

// ExecuteSource executes in-memory pipeline source and drives the resulting
// definition through the runner. name labels the job and, when engineID is
// empty, selects the engine by extension.
func (s *Service) ExecuteSource(ctx context.Context, name string, content []byte, engineID string) domain.JobResult {
	ec := s.defaultContext()
	ec.SourcePath = name
	ec.EngineID = engineID

	startedAt := time.Now()
	result := s.manager.Execute(ctx, runtime.Source{Path: name, Content: content}, ec)

	var job domain.JobResult
	if result.Failed() {
		job = domain.JobResult{
			ID:         uuid.NewString(),
			Pipeline:   name,
			Status:     domain.StageFailed,
			LogExcerpt: result.Err.Error(),
			StartedAt:  startedAt,
			Duration:   time.Since(startedAt),
		}
	} else if def, ok := result.Value.(domain.PipelineDefinition); ok {
		job = s.runner.Run(ctx, def)
	} else {
		// Script DSLs may evaluate to a plain value instead of a pipeline.
		job = domain.JobResult{
			ID:         uuid.NewString(),
			Pipeline:   name,
			Status:     domain.StageSucceeded,
			LogExcerpt: fmt.Sprint(result.Value),
			StartedAt:  startedAt,
			Duration:   time.Since(startedAt),
		}
	}

	s.persist(ctx, job)
	return job
}

// ExecuteContent compiles and executes in-memory content on a named engine.
func (s *Service) ExecuteContent(ctx context.Context, content []byte, engineID string) domain.ExecutionResult {
	ec := s.defaultContext()
	ec.EngineID = engineID
	return s.manager.Execute(ctx, runtime.Source{Content: content}, ec)
}

// ValidateFile validates a pipeline script from disk, resolving the engine by
// file extension.
func (s *Service) ValidateFile(ctx context.Context, path string) (domain.ValidationResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return domain.ValidationResult{}, fmt.Errorf("read %s: %w", path, err)
	}
	ec := s.defaultContext()
	ec.SourcePath = path
	return s.manager.Validate(ctx, runtime.Source{Path: path, Content: content}, ec)
}

// ValidateContent validates in-memory content on a named engine.
func (s *Service) ValidateContent(ctx context.Context, content []byte, engineID string) (domain.ValidationResult, error) {
	ec := s.defaultContext()
	ec.EngineID = engineID
	return s.manager.Validate(ctx, runtime.Source{Content: content}, ec)
}

// RegisterEngine adds an engine to the manager's registry.
func (s *Service) RegisterEngine(eng runtime.Engine) error {
	return s.manager.RegisterEngine(eng)
}

// Engines lists the registered engine descriptors.
func (s *Service) Engines() []domain.EngineDescriptor {
	return s.manager.Engines()
}

// Runs lists the most recent persisted runs, newest first.
func (s *Service) Runs(ctx context.Context, limit int) ([]domain.JobResult, error) {
	if s.store == nil {
		return nil, nil
	}
	return s.store.ListRuns(ctx, limit)
}

func (s *Service) persist(ctx context.Context, job domain.JobResult) {
	if s.store == nil {
		return
	}
	if err := s.store.SaveRun(ctx, job); err != nil {
		s.logger.Warn("failed to persist run", "job_id", job.ID, "error", err)
	}
}
