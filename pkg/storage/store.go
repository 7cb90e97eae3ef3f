// Package storage persists pipeline run results and retains recent execution
// events for inspection after a run has finished.
package storage

import (
	"context"
	"errors"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// ErrNotFound is returned when a requested run does not exist in the store.
var ErrNotFound = errors.New("run not found")

// RunStore exposes persistence operations for job results.
type RunStore interface {
	SaveRun(ctx context.Context, job domain.JobResult) error
	GetRun(ctx context.Context, id string) (domain.JobResult, error)
	// ListRuns returns the most recent runs, newest first. limit <= 0 means
	// all runs.
	ListRuns(ctx context.Context, limit int) ([]domain.JobResult, error)
	Close() error
}
