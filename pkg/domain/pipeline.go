package domain

import "time"

// PipelineDefinition is the executable form of a compiled pipeline script:
// an ordered list of stages plus pipeline-level post actions. Definitions are
// created per invocation and discarded after the run.
type PipelineDefinition struct {
	Name   string
	Stages []Stage
	Post   PostActions
	Env    map[string]string
}

// Stage is a named, ordered list of step groups with its own post actions.
type Stage struct {
	Name   string
	Groups []StepGroup
	Post   PostActions
}

// StepGroup is either a single step or a named set of branches executed in
// parallel. Exactly one of Step and Branches is populated.
type StepGroup struct {
	Step     *Step
	Branches []Branch
}

// Parallel reports whether the group fans out into branches.
func (g StepGroup) Parallel() bool { return g.Step == nil && len(g.Branches) > 0 }

// Branch is one named arm of a parallel step group.
type Branch struct {
	Name  string
	Steps []Step
}

// Step is a shell-like unit of work handed to an agent.
type Step struct {
	Name    string
	Command string
	Env     map[string]string
	Retry   *RetrySpec
}

// RetrySpec re-runs a failing step up to MaxAttempts total invocations,
// waiting Delay between attempts. After exhausting attempts the last failure
// propagates.
type RetrySpec struct {
	MaxAttempts int
	Delay       time.Duration
}

// PostActions are hooks run after a stage or pipeline reaches a terminal
// status. Always hooks run unconditionally; Success and Failure hooks run
// according to the final status, computed once.
type PostActions struct {
	Always  []Step
	Success []Step
	Failure []Step
}

// Empty reports whether no hooks are declared.
func (p PostActions) Empty() bool {
	return len(p.Always) == 0 && len(p.Success) == 0 && len(p.Failure) == 0
}

// StageStatus is the terminal status of a stage or of the whole job.
type StageStatus string

const (
	StageSucceeded StageStatus = "succeeded"
	StageFailed    StageStatus = "failed"
	StageSkipped   StageStatus = "skipped"
)

// StageResult captures one stage's outcome. Results are appended in stage
// declaration order and never mutated retroactively.
type StageResult struct {
	Stage    string
	Status   StageStatus
	Output   string
	LogRef   string
	Err      string
	Duration time.Duration
}

// JobResult is the durable output of a pipeline run handed back to the caller.
type JobResult struct {
	ID         string
	Pipeline   string
	Status     StageStatus
	Stages     []StageResult
	Env        map[string]string
	LogExcerpt string
	StartedAt  time.Time
	Duration   time.Duration
}
