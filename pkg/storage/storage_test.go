package storage

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conveyorci/conveyor/pkg/domain"
)

func TestMemoryRunStoreRoundTrip(t *testing.T) {
	s := NewMemoryRunStore(0)
	ctx := context.Background()

	job := domain.JobResult{
		ID:        "run-1",
		Pipeline:  "release",
		Status:    domain.StageSucceeded,
		StartedAt: time.Now(),
	}
	require.NoError(t, s.SaveRun(ctx, job))

	got, err := s.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "release", got.Pipeline)

	_, err = s.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryRunStoreListNewestFirst(t *testing.T) {
	s := NewMemoryRunStore(0)
	ctx := context.Background()

	for i := range 5 {
		require.NoError(t, s.SaveRun(ctx, domain.JobResult{ID: fmt.Sprintf("run-%d", i)}))
	}

	runs, err := s.ListRuns(ctx, 3)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-4", runs[0].ID)
	assert.Equal(t, "run-2", runs[2].ID)
}

func TestMemoryRunStoreEvictsOldest(t *testing.T) {
	s := NewMemoryRunStore(2)
	ctx := context.Background()

	for i := range 3 {
		require.NoError(t, s.SaveRun(ctx, domain.JobResult{ID: fmt.Sprintf("run-%d", i)}))
	}

	_, err := s.GetRun(ctx, "run-0")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetRun(ctx, "run-2")
	assert.NoError(t, err)
}

func TestEventBufferEvictsOldestFirst(t *testing.T) {
	b := NewEventBuffer(3)

	for i := range 5 {
		b.Record(domain.ExecutionEvent{Type: domain.EventStarted, ExecutionID: fmt.Sprintf("exec-%d", i)})
	}

	all := b.All()
	require.Len(t, all, 3)
	assert.Equal(t, "exec-2", all[0].Event.ExecutionID)
	assert.Equal(t, "exec-4", all[2].Event.ExecutionID)
	assert.Equal(t, uint64(3), all[0].Sequence)
}

func TestEventBufferForExecutionMatchesStageEvents(t *testing.T) {
	b := NewEventBuffer(10)

	b.Record(domain.ExecutionEvent{Type: domain.EventStarted, ExecutionID: "job-1"})
	b.Record(domain.ExecutionEvent{Type: domain.EventStarted, ExecutionID: "job-1/build"})
	b.Record(domain.ExecutionEvent{Type: domain.EventStarted, ExecutionID: "job-2"})
	b.Record(domain.ExecutionEvent{Type: domain.EventCompleted, ExecutionID: "job-1"})

	matched := b.ForExecution("job-1")
	require.Len(t, matched, 3)
	assert.Equal(t, "job-1", matched[0].Event.ExecutionID)
	assert.Equal(t, "job-1/build", matched[1].Event.ExecutionID)
	assert.Equal(t, domain.EventCompleted, matched[2].Event.Type)
}
