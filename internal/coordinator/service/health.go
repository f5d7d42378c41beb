package service

import (
	"context"
	"time"

	"github.com/lthibault/jitterbug/v2"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

// Reaper periodically enforces every time-based rule: stale workers, lapsed
// leases, expired upload reservations, job deadlines and retention.
type Reaper struct {
	checkInterval time.Duration
	staleTimeout  time.Duration
	retention     time.Duration
	workerService core.WorkerService
	scheduler     *Scheduler
	jobs          *JobManager
	logger        logging.Logger
}

func NewReaper(
	checkInterval time.Duration,
	staleTimeout time.Duration,
	retention time.Duration,
	workerService core.WorkerService,
	scheduler *Scheduler,
	jobs *JobManager,
	logger logging.Logger,
) *Reaper {
	return &Reaper{
		checkInterval: checkInterval,
		staleTimeout:  staleTimeout,
		retention:     retention,
		workerService: workerService,
		scheduler:     scheduler,
		jobs:          jobs,
		logger:        logger,
	}
}

func (r *Reaper) Start(ctx context.Context) {
	ticker := jitterbug.New(r.checkInterval, &jitterbug.Norm{Stdev: r.checkInterval / 20})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single pass over all rules.
func (r *Reaper) RunOnce(ctx context.Context) {
	r.removeStaleWorkers(ctx)

	if n, err := r.scheduler.ExpireLeases(ctx); err != nil {
		r.logger.Error("Failed to expire leases", "error", err)
	} else if n > 0 {
		r.logger.Info("Expired leases", "count", n)
	}

	if _, err := r.jobs.ExpireReservations(ctx); err != nil {
		r.logger.Error("Failed to expire reservations", "error", err)
	}

	if n, err := r.jobs.CancelOverdueJobs(ctx); err != nil {
		r.logger.Error("Failed to cancel overdue jobs", "error", err)
	} else if n > 0 {
		r.logger.Info("Cancelled overdue jobs", "count", n)
	}

	if _, err := r.jobs.PurgeJobs(ctx, r.retention); err != nil {
		r.logger.Error("Failed to purge jobs", "error", err)
	}
}

func (r *Reaper) removeStaleWorkers(ctx context.Context) {
	staleWorkers, err := r.workerService.GetStaleWorkers(r.staleTimeout)
	if err != nil {
		r.logger.Error("Failed to get stale workers", "error", err)
		return
	}
	for _, worker := range staleWorkers {
		r.logger.Warn("Removing stale worker", "worker_id", worker.ID, "last_heartbeat", worker.LastHeartbeatAt)

		n, err := r.scheduler.ReleaseOwner(ctx, core.WorkerOwnerPrefix(worker.ID))
		if err != nil {
			r.logger.Error("Failed to release worker tasks", "worker_id", worker.ID, "error", err)
		} else if n > 0 {
			r.logger.Info("Released worker tasks", "worker_id", worker.ID, "count", n)
		}

		if err := r.workerService.RemoveWorker(worker.ID); err != nil {
			r.logger.Error("Failed to remove stale worker", "worker_id", worker.ID, "error", err)
		}
	}
}
