package sandbox

import (
	"context"
	"time"

	"github.com/conveyorci/conveyor/internal/governance"
	"github.com/conveyorci/conveyor/pkg/domain"
	"github.com/conveyorci/conveyor/pkg/policy"
)

// policyGuard answers engine permission checks through the policy engine,
// recording every denial against the policy group's violation budget.
type policyGuard struct {
	engine  *policy.Engine
	spec    domain.SecurityPolicy
	tracker *governance.ViolationTracker
	metrics *Metrics
}

func (g *policyGuard) CheckNetwork(ctx context.Context, host string, port int) error {
	return g.check(ctx, policy.Input{
		Kind:   policy.CheckNetwork,
		Policy: g.spec,
		Host:   host,
		Port:   port,
	}, domain.ViolationNetwork, host)
}

func (g *policyGuard) CheckPath(ctx context.Context, path string, write bool) error {
	return g.check(ctx, policy.Input{
		Kind:   policy.CheckFilesystem,
		Policy: g.spec,
		Path:   path,
		Write:  write,
	}, domain.ViolationFilesystem, path)
}

func (g *policyGuard) CheckReflection(ctx context.Context) error {
	return g.check(ctx, policy.Input{
		Kind:   policy.CheckReflection,
		Policy: g.spec,
	}, domain.ViolationReflection, "")
}

func (g *policyGuard) check(ctx context.Context, in policy.Input, kind domain.ViolationKind, detail string) error {
	decision, err := g.engine.Evaluate(ctx, in)
	if err != nil {
		return err
	}
	if decision.Allow {
		return nil
	}

	v := domain.Violation{
		Kind:        kind,
		PolicyGroup: g.spec.Name,
		Detail:      detail + ": " + decision.Reason,
		At:          time.Now(),
	}
	if g.tracker != nil {
		g.tracker.Record(v)
	}
	g.metrics.recordViolation(string(kind), g.spec.Name)
	return &domain.SandboxViolation{Violation: v}
}
