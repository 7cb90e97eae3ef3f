package storage

import (
	"context"
	"sync"

	"github.com/conveyorci/conveyor/pkg/domain"
)

// MemoryRunStore is an in-memory implementation of RunStore. It keeps at most
// maxRuns results, evicting the oldest.
type MemoryRunStore struct {
	mu      sync.RWMutex
	runs    map[string]domain.JobResult
	order   []string
	maxRuns int
}

// NewMemoryRunStore creates a run store bounded to maxRuns entries;
// maxRuns <= 0 keeps everything.
func NewMemoryRunStore(maxRuns int) *MemoryRunStore {
	return &MemoryRunStore{
		runs:    make(map[string]domain.JobResult),
		maxRuns: maxRuns,
	}
}

// SaveRun stores a job result, evicting the oldest run when over capacity.
func (s *MemoryRunStore) SaveRun(_ context.Context, job domain.JobResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[job.ID]; !exists {
		s.order = append(s.order, job.ID)
	}
	s.runs[job.ID] = job

	for s.maxRuns > 0 && len(s.order) > s.maxRuns {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.runs, oldest)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *MemoryRunStore) GetRun(_ context.Context, id string) (domain.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.runs[id]
	if !ok {
		return domain.JobResult{}, ErrNotFound
	}
	return job, nil
}

// ListRuns returns runs newest first.
func (s *MemoryRunStore) ListRuns(_ context.Context, limit int) ([]domain.JobResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n := len(s.order)
	if limit > 0 && limit < n {
		n = limit
	}
	result := make([]domain.JobResult, 0, n)
	for i := len(s.order) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, s.runs[s.order[i]])
	}
	return result, nil
}

// Close is a no-op for the memory store.
func (s *MemoryRunStore) Close() error { return nil }
