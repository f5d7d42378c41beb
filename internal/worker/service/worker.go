package service

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/errgroup"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

const (
	minBackoff           = 100 * time.Millisecond
	maxBackoff           = 5 * time.Second
	defaultLeaseDuration = time.Minute
	reportTimeout        = 10 * time.Second
)

// Config describes a slot pool. Classes are glob patterns over resource
// class names. A positive PollWait makes each pull a long poll.
type Config struct {
	Slots             int
	Classes           []string
	PollWait          time.Duration
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
}

type workerService struct {
	client   core.CoordinatorClient
	executor core.TaskExecutor
	cfg      Config
	logger   logging.Logger
}

func NewWorkerService(
	client core.CoordinatorClient,
	executor core.TaskExecutor,
	cfg Config,
	logger logging.Logger,
) core.WorkerService {
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaultLeaseDuration
	}
	return &workerService{
		client:   client,
		executor: executor,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run drives the heartbeat loop and one task loop per slot until ctx is
// done. In-flight tasks are reported as cancelled on the way out.
func (w *workerService) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if w.cfg.HeartbeatInterval > 0 {
		g.Go(func() error {
			w.runHeartbeatLoop(ctx)
			return nil
		})
	}
	for slot := range w.cfg.Slots {
		g.Go(func() error {
			w.runTaskLoop(ctx, slot)
			return nil
		})
	}
	return g.Wait()
}

func (w *workerService) runHeartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := w.client.SendHeartbeat(ctx)
			switch {
			case err == nil:
				w.logger.Debug("Heartbeat sent successfully")
			case errors.Is(err, core.ErrNotRegistered):
				w.logger.Warn("Coordinator forgot this worker, registering again")
				if _, err := w.client.Register(ctx, w.cfg.Slots, w.cfg.Classes); err != nil {
					w.logger.Error("Failed to register worker", "error", err)
				}
			default:
				w.logger.Error("Failed to send heartbeat", "error", err)
			}
		}
	}
}

func (w *workerService) runTaskLoop(ctx context.Context, slot int) {
	logger := w.logger.With("slot", slot)
	backoff := minBackoff

	for ctx.Err() == nil {
		task, err := w.client.PullTask(ctx, slot, w.cfg.Classes, w.cfg.PollWait)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Failed to pull task", "error", err)
			sleep(ctx, backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}

		if task == nil {
			if w.cfg.PollWait <= 0 {
				sleep(ctx, backoff)
				backoff = min(backoff*2, maxBackoff)
			}
			continue
		}

		backoff = minBackoff
		w.runTask(ctx, slot, task, logger)
	}
}

func (w *workerService) runTask(ctx context.Context, slot int, task *coord.Task, logger logging.Logger) {
	logger.Info("Received task",
		"task_id", task.ID,
		"job_id", task.JobID,
		"class", task.ResourceClass,
		"attempt", task.Attempt,
	)

	taskCtx, cancel := context.WithCancel(ctx)
	leaseDone := make(chan struct{})
	go func() {
		defer close(leaseDone)
		w.keepLease(taskCtx, cancel, slot, task, logger)
	}()

	outcome := w.executor.Execute(taskCtx, task)
	cancel()
	<-leaseDone

	if outcome.Success {
		logger.Info("Task completed", "task_id", task.ID, "result_ref", outcome.ResultRef)
	} else {
		logger.Warn("Task failed", "task_id", task.ID, "kind", outcome.Kind, "error", outcome.Error)
	}

	reportCtx := ctx
	if ctx.Err() != nil {
		// Shutting down: the outcome still has to reach the coordinator so
		// the task is requeued without waiting for the lease to lapse.
		var cancelReport context.CancelFunc
		reportCtx, cancelReport = context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
		defer cancelReport()
	}
	if err := w.client.ReportOutcome(reportCtx, slot, task.ID, outcome); err != nil {
		if errors.Is(err, core.ErrLeaseLost) {
			logger.Warn("Outcome discarded, lease lost", "task_id", task.ID)
			return
		}
		logger.Error("Failed to report task outcome", "task_id", task.ID, "error", err)
	}
}

// keepLease renews the task lease at a third of its duration. It cancels the
// execution when the coordinator asks for it or the lease is gone.
func (w *workerService) keepLease(
	ctx context.Context,
	cancel context.CancelFunc,
	slot int,
	task *coord.Task,
	logger logging.Logger,
) {
	ticker := time.NewTicker(w.cfg.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		lease, err := w.client.RenewLease(ctx, slot, task.ID)
		switch {
		case err == nil && lease.CancelRequested:
			logger.Info("Task cancelled by coordinator", "task_id", task.ID)
			cancel()
			return
		case err == nil:
			logger.Debug("Lease renewed", "task_id", task.ID, "expires_at", lease.ExpiresAt)
		case errors.Is(err, core.ErrLeaseLost):
			logger.Warn("Lease lost, abandoning task", "task_id", task.ID)
			cancel()
			return
		case ctx.Err() != nil:
			return
		default:
			logger.Error("Failed to renew lease", "task_id", task.ID, "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
