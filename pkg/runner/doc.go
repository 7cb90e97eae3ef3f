// Package runner drives a compiled pipeline definition through its stage,
// step-group, parallel-branch, retry, and post-action state machine.
//
// Stages run strictly in declaration order. Parallel branches share a
// cancellable context: the first branch failure signals cooperative
// cancellation to its siblings, and already-performed side effects are not
// rolled back. Post actions run once the owning scope settles, against the
// final status computed exactly once.
package runner
