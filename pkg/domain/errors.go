package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	ErrEngineNotFound   = errors.New("no engine matches the requested id or extension")
	ErrDuplicateEngine  = errors.New("engine id already registered")
	ErrCacheUnavailable = errors.New("compilation cache unavailable")
	ErrGroupUnhealthy   = errors.New("policy group exceeded its violation budget")
	ErrInvalidPipeline  = errors.New("invalid pipeline definition")
)

// CompilationError carries the ordered diagnostics of a failed compile.
// It is always returned as a value, never thrown across the engine boundary.
type CompilationError struct {
	EngineID    string
	Diagnostics []Diagnostic
}

func (e *CompilationError) Error() string {
	if len(e.Diagnostics) == 0 {
		return fmt.Sprintf("compilation failed (engine %s)", e.EngineID)
	}
	msgs := make([]string, 0, len(e.Diagnostics))
	for _, d := range e.Diagnostics {
		msgs = append(msgs, d.String())
	}
	return fmt.Sprintf("compilation failed (engine %s): %s", e.EngineID, strings.Join(msgs, "; "))
}

// SandboxViolation reports a resource or policy breach inside a bounded unit.
// Exactly one violation is emitted per watched unit before any result is
// returned.
type SandboxViolation struct {
	Violation Violation
}

func (e *SandboxViolation) Error() string {
	return "sandbox violation: " + e.Violation.String()
}

// SandboxSetupError reports that the execution boundary itself could not be
// constructed (as opposed to the unit failing inside it).
type SandboxSetupError struct {
	Isolation IsolationLevel
	Err       error
}

func (e *SandboxSetupError) Error() string {
	return fmt.Sprintf("sandbox setup failed (%s isolation): %v", e.Isolation, e.Err)
}

func (e *SandboxSetupError) Unwrap() error { return e.Err }

// EngineExecutionError wraps an unexpected fault raised by an engine
// implementation. The original message is preserved; raw panics and errors
// never propagate past the manager boundary.
type EngineExecutionError struct {
	EngineID string
	Original string
	Err      error
}

func (e *EngineExecutionError) Error() string {
	return fmt.Sprintf("engine %s raised an unexpected fault: %s", e.EngineID, e.Original)
}

func (e *EngineExecutionError) Unwrap() error { return e.Err }

// CacheError is a soft failure: a broken cache degrades getOrCompile to a
// direct, uncached compile instead of failing the request.
type CacheError struct {
	Op  string
	Err error
}

func (e *CacheError) Error() string {
	return fmt.Sprintf("cache %s: %v", e.Op, e.Err)
}

func (e *CacheError) Unwrap() error { return e.Err }
