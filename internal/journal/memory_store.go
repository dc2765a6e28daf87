package journal

import (
	"context"
	"errors"
	"sync"

	"github.com/petrijr/offload/pkg/api"
)

// InMemoryStore is a simple, goroutine-safe Store backed by a map.
// It is non-durable and intended for tests, local pools and small
// single-process deployments.
type InMemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*api.Job
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs: make(map[string]*api.Job),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) SaveJob(job *api.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *InMemoryStore) UpdateJob(job *api.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[job.ID]; !ok {
		return api.ErrJobNotFound
	}

	copied := *job
	s.jobs[job.ID] = &copied
	return nil
}

func (s *InMemoryStore) GetJob(id string) (*api.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, api.ErrJobNotFound
	}

	copied := *job
	return &copied, nil
}

func (s *InMemoryStore) ListJobs(filter Filter) ([]*api.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Job

	for _, job := range s.jobs {
		if filter.Handler != "" && job.Handler != filter.Handler {
			continue
		}
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		copied := *job
		result = append(result, &copied)
	}

	return result, nil
}

func (s *InMemoryStore) MarkCancelled(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return false, api.ErrJobNotFound
	}
	if job.Status != api.StatusPending {
		return false, nil
	}

	job.Status = api.StatusCancelled
	job.Err = api.ErrJobCancelled
	return true, nil
}

func (s *InMemoryStore) RecoverRunning(ctx context.Context, msg string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, job := range s.jobs {
		if job.Status != api.StatusRunning {
			continue
		}
		job.Status = api.StatusFailed
		job.Err = errors.New(msg)
		count++
	}
	return count, nil
}
