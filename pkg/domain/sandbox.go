package domain

import (
	"fmt"
	"strings"
	"time"
)

// IsolationLevel selects the strength of the boundary placed around a compile
// or execute call, in increasing order of enforcement.
type IsolationLevel string

const (
	// IsolationNone runs the unit inline; policy checks happen only where the
	// engine explicitly calls back into the sandbox.
	IsolationNone IsolationLevel = "none"
	// IsolationLogical runs the unit in an isolated in-process namespace.
	// State leakage between concurrently sandboxed scripts is prevented, but
	// policy enforcement remains call-site-cooperative.
	IsolationLogical IsolationLevel = "logical"
	// IsolationProcess spawns a child OS process with OS-enforced limits.
	IsolationProcess IsolationLevel = "process"
	// IsolationContainer delegates to an external container runtime.
	IsolationContainer IsolationLevel = "container"
)

// ParseIsolationLevel converts a config string (any case) to a level.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch IsolationLevel(strings.ToLower(strings.TrimSpace(s))) {
	case IsolationNone:
		return IsolationNone, nil
	case IsolationLogical:
		return IsolationLogical, nil
	case IsolationProcess:
		return IsolationProcess, nil
	case IsolationContainer:
		return IsolationContainer, nil
	default:
		return "", fmt.Errorf("unknown isolation level %q", s)
	}
}

// SecurityPolicy declares what a sandboxed script may touch. The Name groups
// executions for violation accounting: once a group accumulates too many
// violations inside the cooldown window, new executions for it are refused.
type SecurityPolicy struct {
	Name                  string
	SandboxEnabled        bool
	AllowNetworkAccess    bool
	AllowFileSystemAccess bool
	AllowReflection       bool

	AllowedPaths  []string
	BlockedPaths  []string
	ReadOnlyPaths []string

	AllowedHosts []string
	AllowedPorts []int
	BlockedIPs   []string
}

// DefaultPolicy permits filesystem access under explicit paths and denies
// network access unless hosts are listed.
func DefaultPolicy() SecurityPolicy {
	return SecurityPolicy{
		Name:                  "default",
		SandboxEnabled:        true,
		AllowNetworkAccess:    false,
		AllowFileSystemAccess: true,
	}
}

// RestrictedPolicy denies everything that is not explicitly listed.
func RestrictedPolicy() SecurityPolicy {
	return SecurityPolicy{
		Name:           "restricted",
		SandboxEnabled: true,
	}
}

// PermissivePolicy allows network and filesystem access; intended for trusted
// pipelines running under NONE or LOGICAL isolation.
func PermissivePolicy() SecurityPolicy {
	return SecurityPolicy{
		Name:                  "permissive",
		SandboxEnabled:        true,
		AllowNetworkAccess:    true,
		AllowFileSystemAccess: true,
		AllowReflection:       true,
	}
}

// StrictPolicy is RestrictedPolicy plus mandatory sandboxing of reflection.
func StrictPolicy() SecurityPolicy {
	return SecurityPolicy{
		Name:           "strict",
		SandboxEnabled: true,
		BlockedPaths:   []string{"/"},
	}
}

// ResourceLimits bounds a single sandboxed unit. Zero values mean unlimited.
type ResourceLimits struct {
	MaxMemoryBytes     int64
	MaxCPUTime         time.Duration
	MaxWallTime        time.Duration
	MaxThreads         int
	MaxFileDescriptors int
}

// SandboxSpec bundles the three knobs that shape one bounded call.
type SandboxSpec struct {
	Isolation IsolationLevel
	Policy    SecurityPolicy
	Limits    ResourceLimits
}

// ExecutionContext carries everything a compile or execute call needs. It is
// created per invocation and passed explicitly; there is no process-global
// context. Compilation and execution each get their own sandbox spec because
// compiling untrusted sources typically needs tighter limits than running an
// already-vetted artifact.
type ExecutionContext struct {
	CorrelationID string
	EngineID      string
	SourcePath    string
	Compile       SandboxSpec
	Execute       SandboxSpec
	Environment   map[string]string
}

// ViolationKind classifies a resource or policy breach.
type ViolationKind string

const (
	ViolationMemory     ViolationKind = "MEMORY"
	ViolationCPU        ViolationKind = "CPU"
	ViolationWallTime   ViolationKind = "WALL_TIME"
	ViolationThreads    ViolationKind = "THREADS"
	ViolationFDs        ViolationKind = "FDS"
	ViolationNetwork    ViolationKind = "NETWORK"
	ViolationFilesystem ViolationKind = "FILESYSTEM"
	ViolationReflection ViolationKind = "REFLECTION"
)

// Violation records a single breach of a resource limit or security policy.
type Violation struct {
	Kind        ViolationKind
	Observed    int64
	Limit       int64
	PolicyGroup string
	Detail      string
	At          time.Time
}

func (v Violation) String() string {
	if v.Detail != "" {
		return fmt.Sprintf("%s violation (%s): %s", v.Kind, v.PolicyGroup, v.Detail)
	}
	return fmt.Sprintf("%s violation (%s): observed %d, limit %d", v.Kind, v.PolicyGroup, v.Observed, v.Limit)
}
