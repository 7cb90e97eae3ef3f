package domain

import "time"

// ExecutionStats describes the resources one bounded unit consumed.
type ExecutionStats struct {
	Duration        time.Duration
	CPUTime         time.Duration
	PeakMemoryBytes int64
	ExitCode        int
}

// ExecutionResult is the outcome of a sandboxed compile or execute call.
// Exactly one of Value and Err is meaningful; callers branch on Failed.
type ExecutionResult struct {
	Value any
	Stats ExecutionStats
	Err   error
}

// Failed reports whether the execution ended in failure.
func (r ExecutionResult) Failed() bool { return r.Err != nil }

// Succeeded constructs a successful result.
func Succeeded(value any, stats ExecutionStats) ExecutionResult {
	return ExecutionResult{Value: value, Stats: stats}
}

// FailedExecution constructs a failed result.
func FailedExecution(err error) ExecutionResult {
	return ExecutionResult{Err: err}
}

// ValidationResult is the outcome of validating a source without producing a
// runnable artifact. Findings are ordered as reported by the engine.
type ValidationResult struct {
	Valid    bool
	Findings []Diagnostic
}

// ValidResult is the canonical "no findings" result.
func ValidResult() ValidationResult { return ValidationResult{Valid: true} }

// InvalidResult wraps an ordered list of findings.
func InvalidResult(findings ...Diagnostic) ValidationResult {
	return ValidationResult{Valid: false, Findings: findings}
}
