package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
)

type nopObserver struct{}

func (nopObserver) Observe(*core.Transition) {}

// Scheduler moves tasks between the job store and the dispatcher. It is the
// worker-facing TaskService: slots claim, renew and report through it.
type Scheduler struct {
	store         core.JobStore
	dispatcher    *Dispatcher
	observer      core.CompletionObserver
	leaseDuration time.Duration
	now           func() time.Time
	logger        logging.Logger
}

var _ core.TaskService = (*Scheduler)(nil)

func NewScheduler(
	store core.JobStore,
	dispatcher *Dispatcher,
	observer core.CompletionObserver,
	leaseDuration time.Duration,
	logger logging.Logger,
) *Scheduler {
	if observer == nil {
		observer = nopObserver{}
	}
	return &Scheduler{
		store:         store,
		dispatcher:    dispatcher,
		observer:      observer,
		leaseDuration: leaseDuration,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        logger,
	}
}

// Enqueue admits pending tasks to the dispatcher.
func (s *Scheduler) Enqueue(ctx context.Context, taskIDs []uuid.UUID) error {
	if len(taskIDs) == 0 {
		return nil
	}
	queued, err := s.store.MarkQueued(ctx, taskIDs, s.now())
	if err != nil {
		return err
	}
	var errs []error
	for _, task := range queued {
		if err := s.dispatcher.Enqueue(task); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.IncTaskTransition(string(task.ResourceClass), string(core.TaskStatusQueued))
	}
	return errors.Join(errs...)
}

func (s *Scheduler) ClaimTask(ctx context.Context, owner string, classes []string) (*core.Task, error) {
	for {
		task, ok := s.dispatcher.Acquire(classes)
		if !ok {
			return nil, nil
		}

		now := s.now()
		claimed, err := s.store.ClaimTask(ctx, task.ID, owner, now.Add(s.leaseDuration), now)
		if err == nil {
			metrics.IncTaskTransition(string(claimed.ResourceClass), string(core.TaskStatusRunning))
			s.logger.Debug("Task claimed", "task_id", claimed.ID, "owner", owner, "attempt", claimed.Attempt)
			return claimed, nil
		}

		s.dispatcher.Release(task.ResourceClass, task.ID)
		if errors.Is(err, core.ErrTransitionRejected) || errors.Is(err, core.ErrNotFound) {
			// Cancelled or purged while queued.
			continue
		}
		return nil, err
	}
}

// Await blocks until a task is claimed for owner or ctx is done.
func (s *Scheduler) Await(ctx context.Context, owner string, classes []string) (*core.Task, error) {
	for {
		wake := s.dispatcher.Wake()
		task, err := s.ClaimTask(ctx, owner, classes)
		if err != nil || task != nil {
			return task, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (s *Scheduler) RenewLease(ctx context.Context, taskID uuid.UUID, owner string) (*core.Lease, error) {
	task, err := s.store.RenewLease(ctx, taskID, owner, s.now().Add(s.leaseDuration))
	if err != nil {
		return nil, err
	}
	return &core.Lease{
		ExpiresAt:       *task.LeaseExpiresAt,
		CancelRequested: task.CancelRequested,
	}, nil
}

func (s *Scheduler) ReportOutcome(ctx context.Context, taskID uuid.UUID, owner string, outcome core.TaskOutcome) error {
	tr, err := s.store.CompleteTask(ctx, taskID, owner, outcome, s.now())
	if err != nil {
		return err
	}
	if !tr.Applied {
		if tr.Task != nil && tr.Task.Status.Terminal() {
			s.logger.Debug("Ignoring report for finished task", "task_id", taskID, "owner", owner)
			return nil
		}
		return core.ErrLeaseLost
	}
	s.logger.Info(
		"Task reported",
		"task_id", taskID,
		"job_id", tr.Task.JobID,
		"status", tr.Task.Status,
		"requeued", tr.Requeued,
		"attempt", tr.Task.Attempt,
	)
	return s.settle(ctx, tr)
}

// ExpireLeases requeues running tasks whose lease lapsed before now.
func (s *Scheduler) ExpireLeases(ctx context.Context) (int, error) {
	now := s.now()
	tasks, err := s.store.FindTasks(ctx, core.TaskFilter{
		Statuses:           []core.TaskStatus{core.TaskStatusRunning},
		LeaseExpiredBefore: &now,
	})
	if err != nil {
		return 0, err
	}
	return s.expire(ctx, tasks)
}

// ReleaseOwner takes every task away from the given lease owners at once.
func (s *Scheduler) ReleaseOwner(ctx context.Context, ownerPrefix string) (int, error) {
	tasks, err := s.store.FindTasks(ctx, core.TaskFilter{
		Statuses:         []core.TaskStatus{core.TaskStatusRunning},
		LeaseOwnerPrefix: ownerPrefix,
	})
	if err != nil {
		return 0, err
	}
	return s.expire(ctx, tasks)
}

func (s *Scheduler) expire(ctx context.Context, tasks []*core.Task) (int, error) {
	var (
		expired int
		errs    []error
	)
	for _, task := range tasks {
		if task.LeaseExpiresAt == nil {
			continue
		}
		tr, err := s.store.ExpireLease(ctx, task.ID, *task.LeaseExpiresAt, s.now())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !tr.Applied {
			continue
		}
		expired++
		s.logger.Warn("Lease expired", "task_id", task.ID, "owner", task.LeaseOwner, "requeued", tr.Requeued)
		if err := s.settle(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return expired, errors.Join(errs...)
}

// settle applies the side effects of a store transition: budget release,
// requeue, dispatch removal and completion notification.
func (s *Scheduler) settle(ctx context.Context, tr *core.Transition) error {
	var err error
	if task := tr.Task; task != nil {
		s.dispatcher.Release(task.ResourceClass, task.ID)
		metrics.IncTaskTransition(string(task.ResourceClass), string(task.Status))
		if tr.Requeued {
			err = s.Enqueue(ctx, []uuid.UUID{task.ID})
		}
	}
	for _, task := range tr.Tasks {
		s.dispatcher.Remove(task.ResourceClass, task.ID)
		if task.Status.Terminal() {
			metrics.IncTaskTransition(string(task.ResourceClass), string(task.Status))
		}
	}
	s.observer.Observe(tr)
	return err
}

// Recover rebuilds dispatcher state from the store after a restart.
func (s *Scheduler) Recover(ctx context.Context) error {
	tasks, err := s.store.FindTasks(ctx, core.TaskFilter{
		Statuses: []core.TaskStatus{core.TaskStatusPending, core.TaskStatusQueued, core.TaskStatusRunning},
	})
	if err != nil {
		return err
	}

	var (
		pending []uuid.UUID
		errs    []error
		counts  = make(map[core.TaskStatus]int)
	)
	for _, task := range tasks {
		counts[task.Status]++
		switch task.Status {
		case core.TaskStatusPending:
			pending = append(pending, task.ID)
		case core.TaskStatusQueued:
			if err := s.dispatcher.Enqueue(task); err != nil {
				errs = append(errs, err)
			}
		case core.TaskStatusRunning:
			if err := s.dispatcher.Adopt(task); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := s.Enqueue(ctx, pending); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info(
		"Recovered tasks",
		"pending", counts[core.TaskStatusPending],
		"queued", counts[core.TaskStatusQueued],
		"running", counts[core.TaskStatusRunning],
	)
	return errors.Join(errs...)
}
