package runner

import (
	"context"
	"fmt"

	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/engine/runtime"
	"github.com/conveyorci/conveyor/pkg/sandbox"
)

// Agent executes one pipeline step and returns its captured output.
type Agent interface {
	RunStep(ctx context.Context, step domain.Step, env map[string]string) (string, error)
}

// SandboxAgent runs steps as command units under a fixed sandbox boundary.
type SandboxAgent struct {
	Sandbox *sandbox.Manager
	Spec    domain.SandboxSpec
}

func (a *SandboxAgent) RunStep(ctx context.Context, step domain.Step, env map[string]string) (string, error) {
	result := a.Sandbox.RunBounded(ctx, a.Spec, runtime.Invocation{Env: env}, sandbox.CommandUnit{
		Name:    step.Name,
		Command: step.Command,
		Env:     step.Env,
	})

	output, _ := result.Value.(string)
	if result.Failed() {
		return output, fmt.Errorf("step %q: %w", step.Name, result.Err)
	}
	return output, nil
}
