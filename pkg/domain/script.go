package domain

import (
	"fmt"
	"time"
)

// Capability names an optional feature a script engine declares support for.
type Capability string

const (
	// CapabilityCompilationCaching indicates compiled artifacts may be reused
	// across invocations for identical content.
	CapabilityCompilationCaching Capability = "compilation-caching"
	// CapabilityTypeChecking indicates the engine performs static type
	// analysis during validation.
	CapabilityTypeChecking Capability = "type-checking"
	// CapabilityValidation indicates the engine can validate sources without
	// producing a runnable artifact.
	CapabilityValidation Capability = "validation"
)

// EngineDescriptor describes a registered script engine. Descriptors are
// immutable once registered; the registry rejects id collisions.
type EngineDescriptor struct {
	ID           string
	Name         string
	Version      string
	Extensions   []string
	Capabilities []Capability
}

// HasCapability reports whether the descriptor declares the given capability.
func (d EngineDescriptor) HasCapability(c Capability) bool {
	for _, have := range d.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// CacheKey identifies a compiled artifact. A key maps to at most one compiled
// script at any time and is never reused for different content: the content
// hash covers the full source, and a version bump makes all of an engine's
// old entries unreachable.
type CacheKey struct {
	EngineID      string
	ContentHash   string
	EngineVersion string
}

// String renders the key in a stable, log-friendly form.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s@%s:%s", k.EngineID, k.EngineVersion, k.ContentHash)
}

// SourceLocation points at a position in a script source.
type SourceLocation struct {
	File   string
	Line   int
	Column int
}

func (l SourceLocation) String() string {
	if l.Column > 0 {
		return fmt.Sprintf("%s:%d:%d", l.File, l.Line, l.Column)
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}

// DiagnosticSeverity classifies a compile or validation finding.
type DiagnosticSeverity string

const (
	SeverityError   DiagnosticSeverity = "error"
	SeverityWarning DiagnosticSeverity = "warning"
)

// Diagnostic is a single compiler or validator finding.
type Diagnostic struct {
	Severity DiagnosticSeverity
	Message  string
	Location *SourceLocation
}

func (d Diagnostic) String() string {
	if d.Location != nil {
		return fmt.Sprintf("%s: %s: %s", d.Location, d.Severity, d.Message)
	}
	return fmt.Sprintf("%s: %s", d.Severity, d.Message)
}

// CompiledScript is the immutable product of a successful compile. The
// Artifact handle is owned by the cache entry that stores it; callers must
// treat it as read-only.
type CompiledScript struct {
	Key         CacheKey
	Artifact    any
	Diagnostics []Diagnostic
	CompiledAt  time.Time
	SizeBytes   int64
}
