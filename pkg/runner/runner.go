package runner

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/conveyorci/conveyor/internal/governance"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/events"
)

// maxLogExcerpt bounds how much combined output a JobResult carries.
const maxLogExcerpt = 16 << 10

// Runner executes pipeline definitions. It is stateless across runs and safe
// for concurrent use.
type Runner struct {
	agent  Agent
	bus    *events.Bus
	logger *slog.Logger
}

// New builds a runner that hands steps to agent and publishes lifecycle
// events on bus.
func New(agent Agent, bus *events.Bus, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{agent: agent, bus: bus, logger: logger}
}

// Run drives the definition to a terminal status. The returned JobResult
// always carries one StageResult per declared stage, in declaration order;
// stages after the first failure are marked skipped.
func (r *Runner) Run(ctx context.Context, def domain.PipelineDefinition) domain.JobResult {
	jobID := uuid.NewString()
	startedAt := time.Now()

	tracer := otel.Tracer("conveyor.runner")
	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", def.Name),
		attribute.String("job.id", jobID),
	))
	defer span.End()

	r.logger.Info("pipeline started", "pipeline", def.Name, "job_id", jobID, "stages", len(def.Stages))
	r.publish(domain.StartedEvent(jobID, def.Name))

	var (
		stageResults []domain.StageResult
		logs         strings.Builder
		aborted      bool
	)

	for _, stage := range def.Stages {
		if aborted {
			stageResults = append(stageResults, domain.StageResult{Stage: stage.Name, Status: domain.StageSkipped})
			continue
		}

		result := r.runStage(ctx, jobID, stage, def.Env)
		stageResults = append(stageResults, result)
		appendLog(&logs, result.Output)

		if result.Status == domain.StageFailed {
			aborted = true
		}
	}

	status := domain.StageSucceeded
	for _, sr := range stageResults {
		if sr.Status == domain.StageFailed {
			status = domain.StageFailed
			break
		}
	}

	// Pipeline post actions see the aggregate status, computed exactly once.
	if postErr := r.runPost(ctx, jobID, def.Name, def.Post, status, def.Env, &logs); postErr != nil && status == domain.StageSucceeded {
		status = domain.StageFailed
	}

	duration := time.Since(startedAt)
	job := domain.JobResult{
		ID:         jobID,
		Pipeline:   def.Name,
		Status:     status,
		Stages:     stageResults,
		Env:        def.Env,
		LogExcerpt: logs.String(),
		StartedAt:  startedAt,
		Duration:   duration,
	}

	if status == domain.StageFailed {
		err := firstStageError(stageResults)
		span.SetStatus(codes.Error, err)
		r.logger.Warn("pipeline failed", "pipeline", def.Name, "job_id", jobID, "error", err, "duration", duration)
		r.publish(domain.FailedEvent(jobID, def.Name, fmt.Errorf("%s", err)))
	} else {
		r.logger.Info("pipeline succeeded", "pipeline", def.Name, "job_id", jobID, "duration", duration)
		r.publish(domain.CompletedEvent(jobID, def.Name, domain.Succeeded(job.Status, domain.ExecutionStats{Duration: duration}), duration))
	}
	return job
}

// runStage executes one stage's groups in order and then its post actions,
// regardless of whether a later stage will abort the pipeline.
func (r *Runner) runStage(ctx context.Context, jobID string, stage domain.Stage, env map[string]string) domain.StageResult {
	stageID := jobID + "/" + stage.Name
	start := time.Now()

	r.logger.Info("stage started", "job_id", jobID, "stage", stage.Name)
	r.publish(domain.StartedEvent(stageID, stage.Name))

	var logs strings.Builder
	var stageErr error

	for _, group := range stage.Groups {
		if err := r.runGroup(ctx, group, env, &logs); err != nil {
			stageErr = err
			break
		}
	}

	status := domain.StageSucceeded
	if stageErr != nil {
		status = domain.StageFailed
	}

	// Stage post actions run as soon as the stage's own steps settle.
	if postErr := r.runPost(ctx, jobID, stage.Name, stage.Post, status, env, &logs); postErr != nil && stageErr == nil {
		stageErr = postErr
		status = domain.StageFailed
	}

	duration := time.Since(start)
	result := domain.StageResult{
		Stage:    stage.Name,
		Status:   status,
		Output:   logs.String(),
		Duration: duration,
	}
	if stageErr != nil {
		result.Err = stageErr.Error()
		r.logger.Warn("stage failed", "job_id", jobID, "stage", stage.Name, "error", stageErr)
		r.publish(domain.FailedEvent(stageID, stage.Name, stageErr))
	} else {
		r.logger.Info("stage succeeded", "job_id", jobID, "stage", stage.Name, "duration", duration)
		r.publish(domain.CompletedEvent(stageID, stage.Name, domain.Succeeded(status, domain.ExecutionStats{Duration: duration}), duration))
	}
	return result
}

// runGroup executes a single step or fans out into parallel branches. The
// first branch failure cancels the shared context; siblings observe it at
// their next suspension point.
func (r *Runner) runGroup(ctx context.Context, group domain.StepGroup, env map[string]string, logs *strings.Builder) error {
	if !group.Parallel() {
		if group.Step == nil {
			return nil
		}
		output, err := r.runStep(ctx, *group.Step, env)
		appendLog(logs, output)
		return err
	}

	type branchLog struct {
		name   string
		output strings.Builder
	}
	branchLogs := make([]branchLog, len(group.Branches))

	g, branchCtx := errgroup.WithContext(ctx)
	for i, branch := range group.Branches {
		branchLogs[i].name = branch.Name
		g.Go(func() error {
			for _, step := range branch.Steps {
				if err := branchCtx.Err(); err != nil {
					return err
				}
				output, err := r.runStep(branchCtx, step, env)
				appendLog(&branchLogs[i].output, output)
				if err != nil {
					return fmt.Errorf("branch %q: %w", branch.Name, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()

	// Branch output is appended in declaration order once all branches join.
	for i := range branchLogs {
		appendLog(logs, branchLogs[i].output.String())
	}
	return err
}

// runStep executes one step through the agent, honoring its retry spec.
func (r *Runner) runStep(ctx context.Context, step domain.Step, env map[string]string) (string, error) {
	merged := maps.Clone(env)
	if merged == nil {
		merged = map[string]string{}
	}

	if step.Retry == nil {
		return r.agent.RunStep(ctx, step, merged)
	}

	var output string
	err := governance.Retry(ctx, governance.RetryConfig{
		MaxAttempts: step.Retry.MaxAttempts,
		Delay:       step.Retry.Delay,
	}, func(ctx context.Context) error {
		var stepErr error
		output, stepErr = r.agent.RunStep(ctx, step, merged)
		return stepErr
	})
	return output, err
}

// runPost runs the Always hooks plus the Success or Failure hooks matching
// the settled status. Hooks run in declaration order; the first hook failure
// is returned after the remaining hooks still ran.
func (r *Runner) runPost(ctx context.Context, jobID, scope string, post domain.PostActions, status domain.StageStatus, env map[string]string, logs *strings.Builder) error {
	if post.Empty() {
		return nil
	}

	hooks := make([]domain.Step, 0, len(post.Always)+len(post.Success)+len(post.Failure))
	hooks = append(hooks, post.Always...)
	switch status {
	case domain.StageSucceeded:
		hooks = append(hooks, post.Success...)
	case domain.StageFailed:
		hooks = append(hooks, post.Failure...)
	}

	var firstErr error
	for _, hook := range hooks {
		output, err := r.runStep(ctx, hook, env)
		appendLog(logs, output)
		if err != nil {
			r.logger.Warn("post action failed", "job_id", jobID, "scope", scope, "hook", hook.Name, "error", err)
			r.publish(domain.WarningEvent(jobID, fmt.Sprintf("post action %q in %s failed: %v", hook.Name, scope, err)))
			if firstErr == nil {
				firstErr = fmt.Errorf("post action %q: %w", hook.Name, err)
			}
		}
	}
	return firstErr
}

func (r *Runner) publish(event domain.ExecutionEvent) {
	if r.bus != nil {
		r.bus.Publish(event)
	}
}

func appendLog(logs *strings.Builder, output string) {
	if output == "" {
		return
	}
	if room := maxLogExcerpt - logs.Len(); room > 0 {
		if len(output) > room {
			output = output[:room]
		}
		logs.WriteString(output)
	}
}

func firstStageError(results []domain.StageResult) string {
	for _, sr := range results {
		if sr.Status == domain.StageFailed {
			if sr.Err != "" {
				return fmt.Sprintf("stage %q: %s", sr.Stage, sr.Err)
			}
			return fmt.Sprintf("stage %q failed", sr.Stage)
		}
	}
	return "pipeline failed"
}
