package storage

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// InMemoryWorkerStore tracks connected remote workers. Registrations are
// ephemeral: after a coordinator restart workers register again.
type InMemoryWorkerStore struct {
	mu      sync.RWMutex
	workers map[uuid.UUID]*core.Worker
}

func NewInMemoryWorkerStore() *InMemoryWorkerStore {
	return &InMemoryWorkerStore{workers: make(map[uuid.UUID]*core.Worker)}
}

func (s *InMemoryWorkerStore) AddWorker(worker *core.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *worker
	c.Classes = slices.Clone(worker.Classes)
	s.workers[worker.ID] = &c
	return nil
}

func (s *InMemoryWorkerStore) GetWorkerByID(id uuid.UUID) (*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	c := *w
	return &c, nil
}

func (s *InMemoryWorkerStore) GetAllWorkers() ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*core.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		c := *w
		out = append(out, &c)
	}
	return out, nil
}

func (s *InMemoryWorkerStore) UpdateWorkerHeartbeat(id uuid.UUID, timestamp time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[id]
	if !ok {
		return fmt.Errorf("worker %s: %w", id, core.ErrNotFound)
	}
	w.LastHeartbeatAt = timestamp
	return nil
}

func (s *InMemoryWorkerStore) RemoveWorker(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workers, id)
	return nil
}

func (s *InMemoryWorkerStore) GetStaleWorkers(threshold time.Time) ([]*core.Worker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stale []*core.Worker
	for _, w := range s.workers {
		if w.LastHeartbeatAt.Before(threshold) {
			c := *w
			stale = append(stale, &c)
		}
	}
	return stale, nil
}
