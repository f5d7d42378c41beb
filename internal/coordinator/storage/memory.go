package storage

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// jobEntry is the per-job serialization point. All task transitions of a job
// happen under its mutex; unrelated jobs never contend.
type jobEntry struct {
	mu    sync.Mutex
	job   *core.Job
	tasks []*core.Task
}

func (e *jobEntry) task(id uuid.UUID) *core.Task {
	for _, t := range e.tasks {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// InMemoryJobStore keeps jobs, tasks, delivery markers and identities in
// process memory. The index lock guards only map lookups; state changes take
// the owning job's lock.
type InMemoryJobStore struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]*jobEntry
	taskJobs map[uuid.UUID]uuid.UUID // taskID -> jobID

	deliveriesMu sync.Mutex
	deliveries   map[uuid.UUID]*core.Delivery

	identitiesMu sync.RWMutex
	identities   map[string]*core.Identity // key prefix -> identity
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs:       make(map[uuid.UUID]*jobEntry),
		taskJobs:   make(map[uuid.UUID]uuid.UUID),
		deliveries: make(map[uuid.UUID]*core.Delivery),
		identities: make(map[string]*core.Identity),
	}
}

func (s *InMemoryJobStore) entry(jobID uuid.UUID) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrNotFound)
	}
	return e, nil
}

func (s *InMemoryJobStore) taskEntry(taskID uuid.UUID) (*jobEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	jobID, ok := s.taskJobs[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	return s.jobs[jobID], nil
}

func (s *InMemoryJobStore) snapshot() []*jobEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := make([]*jobEntry, 0, len(s.jobs))
	for _, e := range s.jobs {
		entries = append(entries, e)
	}
	return entries
}

func (s *InMemoryJobStore) CreateJob(_ context.Context, job *core.Job, tasks []*core.Task) error {
	e := &jobEntry{job: job.Clone(), tasks: make([]*core.Task, 0, len(tasks))}
	for _, t := range tasks {
		if t.JobID != job.ID {
			return fmt.Errorf("task %s does not belong to job %s", t.ID, job.ID)
		}
		e.tasks = append(e.tasks, t.Clone())
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	s.jobs[job.ID] = e
	for _, t := range tasks {
		s.taskJobs[t.ID] = job.ID
	}
	return nil
}

func (s *InMemoryJobStore) GetJob(_ context.Context, id uuid.UUID) (*core.Job, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

func (s *InMemoryJobStore) ListJobs(_ context.Context, filter core.JobFilter) ([]*core.Job, int, error) {
	var matched []*core.Job
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if matchesJobFilter(e.job, filter) {
			matched = append(matched, e.job.Clone())
		}
		e.mu.Unlock()
	}

	slices.SortFunc(matched, func(a, b *core.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID.String(), b.ID.String())
	})

	total := len(matched)
	start := min(filter.Offset, total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (s *InMemoryJobStore) DeleteJob(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	e, ok := s.jobs[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	delete(s.jobs, id)
	e.mu.Lock()
	for _, t := range e.tasks {
		delete(s.taskJobs, t.ID)
	}
	e.mu.Unlock()
	s.mu.Unlock()

	s.deliveriesMu.Lock()
	delete(s.deliveries, id)
	s.deliveriesMu.Unlock()
	return nil
}

func (s *InMemoryJobStore) GetTask(_ context.Context, id uuid.UUID) (*core.Task, error) {
	e, err := s.taskEntry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.task(id)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", id, core.ErrNotFound)
	}
	return t.Clone(), nil
}

func (s *InMemoryJobStore) ListTasks(_ context.Context, jobID uuid.UUID) ([]*core.Task, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneTasks(e.tasks), nil
}

func (s *InMemoryJobStore) FindTasks(_ context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var out []*core.Task
	for _, e := range s.snapshot() {
		e.mu.Lock()
		for _, t := range e.tasks {
			if matchesTaskFilter(t, filter) {
				out = append(out, t.Clone())
			}
		}
		e.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *core.Task) int {
		return cmp.Compare(a.CreatedAt.UnixNano(), b.CreatedAt.UnixNano())
	})
	return out, nil
}

func (s *InMemoryJobStore) ActivateTasks(
	_ context.Context,
	jobID uuid.UUID,
	activations []core.TaskActivation,
	now time.Time,
) ([]*core.Task, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return nil, core.ErrJobCancelled
	}
	if !reservationOpen(e.job, now) {
		return nil, core.ErrReservationExpired
	}

	// All or nothing, like the transaction in GormStore.
	tasks := make([]*core.Task, len(activations))
	for i, act := range activations {
		if tasks[i] = e.task(act.TaskID); tasks[i] == nil {
			return nil, fmt.Errorf("task %s: %w", act.TaskID, core.ErrNotFound)
		}
	}

	var activated []*core.Task
	for i, act := range activations {
		t := tasks[i]
		if activateTask(e.job, t, act, now) {
			activated = append(activated, t.Clone())
		}
	}
	return activated, nil
}

func (s *InMemoryJobStore) MarkQueued(_ context.Context, taskIDs []uuid.UUID, now time.Time) ([]*core.Task, error) {
	var moved []*core.Task
	for _, id := range taskIDs {
		e, err := s.taskEntry(id)
		if err != nil {
			continue
		}
		e.mu.Lock()
		if t := e.task(id); t != nil && t.Status == core.TaskStatusPending {
			t.Status = core.TaskStatusQueued
			t.EnqueuedAt = &now
			t.UpdatedAt = now
			moved = append(moved, t.Clone())
		}
		e.mu.Unlock()
	}
	return moved, nil
}

func (s *InMemoryJobStore) ClaimTask(
	_ context.Context,
	taskID uuid.UUID,
	owner string,
	leaseUntil, now time.Time,
) (*core.Task, error) {
	e, err := s.taskEntry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task(taskID)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if err := claimTask(e.job, t, owner, leaseUntil, now); err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

func (s *InMemoryJobStore) RenewLease(
	_ context.Context,
	taskID uuid.UUID,
	owner string,
	leaseUntil time.Time,
) (*core.Task, error) {
	e, err := s.taskEntry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task(taskID)
	if t == nil || t.Status != core.TaskStatusRunning || t.LeaseOwner != owner {
		return nil, core.ErrLeaseLost
	}
	t.LeaseExpiresAt = &leaseUntil
	return t.Clone(), nil
}

func (s *InMemoryJobStore) CompleteTask(
	_ context.Context,
	taskID uuid.UUID,
	owner string,
	outcome core.TaskOutcome,
	now time.Time,
) (*core.Transition, error) {
	e, err := s.taskEntry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task(taskID)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if t.Status != core.TaskStatusRunning || t.LeaseOwner != owner {
		return &core.Transition{Job: e.job.Clone(), Task: t.Clone()}, nil
	}

	requeued, finished := completeTask(e.job, t, outcome, now)
	if finished {
		s.recordDelivery(e.job, now)
	}
	return &core.Transition{
		Job:         e.job.Clone(),
		Task:        t.Clone(),
		Applied:     true,
		Requeued:    requeued,
		JobFinished: finished,
	}, nil
}

func (s *InMemoryJobStore) ExpireLease(
	_ context.Context,
	taskID uuid.UUID,
	deadline time.Time,
	now time.Time,
) (*core.Transition, error) {
	e, err := s.taskEntry(taskID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	t := e.task(taskID)
	if t == nil {
		return nil, fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
	}
	if t.Status != core.TaskStatusRunning || t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Equal(deadline) {
		return &core.Transition{Job: e.job.Clone(), Task: t.Clone()}, nil
	}

	requeued, finished := expireLease(e.job, t, now)
	if finished {
		s.recordDelivery(e.job, now)
	}
	return &core.Transition{
		Job:         e.job.Clone(),
		Task:        t.Clone(),
		Applied:     true,
		Requeued:    requeued,
		JobFinished: finished,
	}, nil
}

func (s *InMemoryJobStore) CancelJob(_ context.Context, jobID uuid.UUID, reason string, now time.Time) (*core.Transition, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.job.Status.Terminal() {
		return &core.Transition{Job: e.job.Clone()}, nil
	}
	failed, _, finished := cancelTasks(e.job, e.tasks, reason, now)
	if finished {
		s.recordDelivery(e.job, now)
	}
	return &core.Transition{
		Job:         e.job.Clone(),
		Tasks:       cloneTasks(failed),
		Applied:     true,
		JobFinished: finished,
	}, nil
}

func (s *InMemoryJobStore) ExpireReservation(_ context.Context, jobID uuid.UUID, now time.Time) (*core.Transition, error) {
	e, err := s.entry(jobID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	if e.job.PendingUploads == 0 || reservationOpen(e.job, now) {
		unchanged := &core.Transition{Job: e.job.Clone()}
		e.mu.Unlock()
		return unchanged, nil
	}
	dropped, finished := dropUploads(e.job, e.tasks, now)
	e.tasks = slices.DeleteFunc(e.tasks, func(t *core.Task) bool {
		return t.Status == core.TaskStatusAwaitingUpload
	})
	if finished {
		s.recordDelivery(e.job, now)
	}
	transition := &core.Transition{
		Job:         e.job.Clone(),
		Tasks:       cloneTasks(dropped),
		Applied:     true,
		JobFinished: finished,
	}
	e.mu.Unlock()

	s.mu.Lock()
	for _, t := range dropped {
		delete(s.taskJobs, t.ID)
	}
	s.mu.Unlock()
	return transition, nil
}

func (s *InMemoryJobStore) Ping(context.Context) error {
	return nil
}

func matchesTaskFilter(t *core.Task, filter core.TaskFilter) bool {
	if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, t.Status) {
		return false
	}
	if filter.LeaseExpiredBefore != nil {
		if t.LeaseExpiresAt == nil || !t.LeaseExpiresAt.Before(*filter.LeaseExpiredBefore) {
			return false
		}
	}
	if filter.LeaseOwnerPrefix != "" && !strings.HasPrefix(t.LeaseOwner, filter.LeaseOwnerPrefix) {
		return false
	}
	return true
}

func cloneTasks(tasks []*core.Task) []*core.Task {
	out := make([]*core.Task, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Clone())
	}
	return out
}
