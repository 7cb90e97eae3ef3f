// Package runtime defines the contracts implemented by every script engine,
// keeping dialect front-ends decoupled from execution mechanics.
package runtime

import (
	"context"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// Source is a script handed to an engine for compilation or validation.
type Source struct {
	// Path is the origin of the content, used for extension-based engine
	// resolution and for diagnostics. May be empty for inline content.
	Path    string
	Content []byte
}

// Guard is the sandbox callback engines use for cooperative permission
// checks. Under NONE and LOGICAL isolation these call sites are the only
// policy enforcement points; stronger isolation levels enforce limits at the
// OS or container boundary as well.
type Guard interface {
	// CheckNetwork reports whether the active policy permits an outbound
	// connection to host:port.
	CheckNetwork(ctx context.Context, host string, port int) error
	// CheckPath reports whether the active policy permits access to path.
	CheckPath(ctx context.Context, path string, write bool) error
	// CheckReflection reports whether the active policy permits reflective
	// access to the host program.
	CheckReflection(ctx context.Context) error
}

// Invocation carries the per-call environment an engine sees. The guard is
// never nil; unsandboxed calls receive a permit-all guard.
type Invocation struct {
	CorrelationID string
	Guard         Guard
	Env           map[string]string
	WorkDir       string
}

// Engine is the plugin contract for one script dialect. Implementations must
// be safe for concurrent use: the manager may compile and execute different
// scripts on the same engine simultaneously.
//
// Compile failures are reported as *domain.CompilationError values; any other
// error (or panic) is treated as an unexpected engine fault and wrapped by
// the manager.
type Engine interface {
	Descriptor() domain.EngineDescriptor

	Compile(ctx context.Context, src Source, inv Invocation) (*domain.CompiledScript, error)
	Execute(ctx context.Context, script *domain.CompiledScript, inv Invocation) (domain.ExecutionResult, error)
	Validate(ctx context.Context, src Source, inv Invocation) (domain.ValidationResult, error)
}

// PermitAllGuard satisfies Guard and allows everything. Used when sandboxing
// is disabled for a call.
type PermitAllGuard struct{}

func (PermitAllGuard) CheckNetwork(context.Context, string, int) error { return nil }
func (PermitAllGuard) CheckPath(context.Context, string, bool) error   { return nil }
func (PermitAllGuard) CheckReflection(context.Context) error           { return nil }
