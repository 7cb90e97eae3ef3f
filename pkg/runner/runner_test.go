package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/events"
)

// fakeAgent records step invocations and can fail or block named steps.
type fakeAgent struct {
	mu       sync.Mutex
	calls    []string
	env      map[string]map[string]string
	failures map[string]int  // remaining failures per step name
	blocking map[string]bool // steps that park until cancellation
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{
		env:      map[string]map[string]string{},
		failures: map[string]int{},
		blocking: map[string]bool{},
	}
}

func (a *fakeAgent) RunStep(ctx context.Context, step domain.Step, env map[string]string) (string, error) {
	if a.blocking[step.Name] {
		<-ctx.Done()
		a.record(step.Name, env)
		return "", ctx.Err()
	}
	a.record(step.Name, env)

	a.mu.Lock()
	remaining := a.failures[step.Name]
	if remaining > 0 {
		a.failures[step.Name]--
	}
	a.mu.Unlock()

	if remaining > 0 {
		return "", fmt.Errorf("%s exploded", step.Name)
	}
	return step.Name + "\n", nil
}

func (a *fakeAgent) record(name string, env map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, name)
	a.env[name] = env
}

func (a *fakeAgent) callNames() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.calls...)
}

func (a *fakeAgent) count(name string) int {
	n := 0
	for _, c := range a.callNames() {
		if c == name {
			n++
		}
	}
	return n
}

func step(name string) domain.Step { return domain.Step{Name: name, Command: name} }

func singleStage(name string, steps ...domain.Step) domain.Stage {
	groups := make([]domain.StepGroup, len(steps))
	for i := range steps {
		groups[i] = domain.StepGroup{Step: &steps[i]}
	}
	return domain.Stage{Name: name, Groups: groups}
}

func TestRunSequentialStages(t *testing.T) {
	agent := newFakeAgent()
	r := New(agent, events.NewBus(slog.New(slog.DiscardHandler)), slog.New(slog.DiscardHandler))

	def := domain.PipelineDefinition{
		Name: "build-and-test",
		Env:  map[string]string{"CI": "true"},
		Stages: []domain.Stage{
			singleStage("build", step("compile"), step("package")),
			singleStage("test", step("unit")),
		},
	}

	job := r.Run(context.Background(), def)

	assert.Equal(t, domain.StageSucceeded, job.Status)
	require.Len(t, job.Stages, 2)
	assert.Equal(t, "build", job.Stages[0].Stage)
	assert.Equal(t, "test", job.Stages[1].Stage)
	assert.Equal(t, []string{"compile", "package", "unit"}, agent.callNames())
	assert.Equal(t, "true", agent.env["compile"]["CI"])
	assert.Contains(t, job.LogExcerpt, "compile")
}

func TestRunStageFailureSkipsLaterStages(t *testing.T) {
	agent := newFakeAgent()
	agent.failures["deploy"] = 1
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	def := domain.PipelineDefinition{
		Name: "release",
		Stages: []domain.Stage{
			singleStage("build", step("compile")),
			singleStage("deploy", step("deploy")),
			singleStage("announce", step("notify")),
		},
	}

	job := r.Run(context.Background(), def)

	assert.Equal(t, domain.StageFailed, job.Status)
	require.Len(t, job.Stages, 3)
	assert.Equal(t, domain.StageSucceeded, job.Stages[0].Status)
	assert.Equal(t, domain.StageFailed, job.Stages[1].Status)
	assert.Equal(t, domain.StageSkipped, job.Stages[2].Status)
	assert.Zero(t, agent.count("notify"), "skipped stage must not run")
	assert.Contains(t, job.Stages[1].Err, "deploy")
}

func TestParallelBranchFailureCancelsSiblings(t *testing.T) {
	agent := newFakeAgent()
	agent.failures["flaky"] = 1
	agent.blocking["slow"] = true
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	def := domain.PipelineDefinition{
		Name: "matrix",
		Stages: []domain.Stage{{
			Name: "test",
			Groups: []domain.StepGroup{{
				Branches: []domain.Branch{
					{Name: "linux", Steps: []domain.Step{step("flaky")}},
					{Name: "macos", Steps: []domain.Step{step("slow"), step("after-slow")}},
				},
			}},
		}},
	}

	done := make(chan domain.JobResult, 1)
	go func() { done <- r.Run(context.Background(), def) }()

	select {
	case job := <-done:
		assert.Equal(t, domain.StageFailed, job.Status)
		assert.Zero(t, agent.count("after-slow"), "cancelled branch must stop at its suspension point")
	case <-time.After(5 * time.Second):
		t.Fatal("parallel stage did not settle; sibling cancellation is broken")
	}
}

func TestRetrySucceedsWithinBudget(t *testing.T) {
	agent := newFakeAgent()
	agent.failures["fetch"] = 2
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	fetch := step("fetch")
	fetch.Retry = &domain.RetrySpec{MaxAttempts: 3, Delay: time.Millisecond}

	job := r.Run(context.Background(), domain.PipelineDefinition{
		Name:   "retry",
		Stages: []domain.Stage{singleStage("sync", fetch)},
	})

	assert.Equal(t, domain.StageSucceeded, job.Status)
	assert.Equal(t, 3, agent.count("fetch"))
}

func TestRetryExhaustionPropagatesLastFailure(t *testing.T) {
	agent := newFakeAgent()
	agent.failures["fetch"] = 10
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	fetch := step("fetch")
	fetch.Retry = &domain.RetrySpec{MaxAttempts: 2, Delay: time.Millisecond}

	job := r.Run(context.Background(), domain.PipelineDefinition{
		Name:   "retry",
		Stages: []domain.Stage{singleStage("sync", fetch)},
	})

	assert.Equal(t, domain.StageFailed, job.Status)
	assert.Equal(t, 2, agent.count("fetch"))
	assert.Contains(t, job.Stages[0].Err, "fetch exploded")
}

func TestStagePostActionsRunOnSettle(t *testing.T) {
	agent := newFakeAgent()
	agent.failures["deploy"] = 1
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	def := domain.PipelineDefinition{
		Name: "post",
		Stages: []domain.Stage{
			{
				Name:   "build",
				Groups: []domain.StepGroup{{Step: &domain.Step{Name: "compile", Command: "compile"}}},
				Post: domain.PostActions{
					Always:  []domain.Step{step("archive")},
					Success: []domain.Step{step("tag")},
					Failure: []domain.Step{step("rollback-build")},
				},
			},
			{
				Name:   "deploy",
				Groups: []domain.StepGroup{{Step: &domain.Step{Name: "deploy", Command: "deploy"}}},
				Post: domain.PostActions{
					Always:  []domain.Step{step("cleanup")},
					Failure: []domain.Step{step("rollback")},
				},
			},
		},
	}

	job := r.Run(context.Background(), def)

	assert.Equal(t, domain.StageFailed, job.Status)
	calls := agent.callNames()
	assert.Contains(t, calls, "archive")
	assert.Contains(t, calls, "tag")
	assert.NotContains(t, calls, "rollback-build")
	assert.Contains(t, calls, "cleanup", "failed stage still runs its always hooks")
	assert.Contains(t, calls, "rollback")
}

func TestPipelinePostActionsSeeAggregateStatus(t *testing.T) {
	agent := newFakeAgent()
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	def := domain.PipelineDefinition{
		Name:   "aggregate",
		Stages: []domain.Stage{singleStage("build", step("compile"))},
		Post: domain.PostActions{
			Always:  []domain.Step{step("report")},
			Success: []domain.Step{step("celebrate")},
			Failure: []domain.Step{step("page-oncall")},
		},
	}

	job := r.Run(context.Background(), def)

	assert.Equal(t, domain.StageSucceeded, job.Status)
	calls := agent.callNames()
	assert.Contains(t, calls, "report")
	assert.Contains(t, calls, "celebrate")
	assert.NotContains(t, calls, "page-oncall")
}

func TestPostActionFailureFailsTheScope(t *testing.T) {
	agent := newFakeAgent()
	agent.failures["archive"] = 1
	r := New(agent, nil, slog.New(slog.DiscardHandler))

	def := domain.PipelineDefinition{
		Name: "post-fail",
		Stages: []domain.Stage{{
			Name:   "build",
			Groups: []domain.StepGroup{{Step: &domain.Step{Name: "compile", Command: "compile"}}},
			Post:   domain.PostActions{Always: []domain.Step{step("archive")}},
		}},
	}

	job := r.Run(context.Background(), def)

	assert.Equal(t, domain.StageFailed, job.Status)
	assert.Contains(t, job.Stages[0].Err, "archive")
}

func TestRunPublishesLifecycleEvents(t *testing.T) {
	agent := newFakeAgent()
	bus := events.NewBus(slog.New(slog.DiscardHandler))

	var mu sync.Mutex
	var seen []domain.EventType
	bus.Subscribe(func(e domain.ExecutionEvent) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.Type)
	}, nil)

	r := New(agent, bus, slog.New(slog.DiscardHandler))
	job := r.Run(context.Background(), domain.PipelineDefinition{
		Name:   "events",
		Stages: []domain.Stage{singleStage("build", step("compile"))},
	})
	require.Equal(t, domain.StageSucceeded, job.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	assert.Equal(t, domain.EventStarted, seen[0])
	assert.Equal(t, domain.EventStarted, seen[1])
	assert.Equal(t, domain.EventCompleted, seen[2])
	assert.Equal(t, domain.EventCompleted, seen[3])
}
