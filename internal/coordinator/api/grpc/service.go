package grpc

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/rpc"
)

const (
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultMaxPullWait       = 30 * time.Second
)

// CoordinatorService serves the worker protocol on top of the worker
// registry and the scheduler.
type CoordinatorService struct {
	workerService core.WorkerService
	taskService   core.TaskService

	heartbeatInterval time.Duration
	leaseDuration     time.Duration
	maxPullWait       time.Duration

	logger logging.Logger
}

var _ rpc.CoordinatorServer = (*CoordinatorService)(nil)

type ServiceOption func(*CoordinatorService)

// WithMaxPullWait caps how long a Pull call may wait for work.
func WithMaxPullWait(d time.Duration) ServiceOption {
	return func(s *CoordinatorService) {
		if d > 0 {
			s.maxPullWait = d
		}
	}
}

func NewCoordinatorService(
	heartbeatInterval time.Duration,
	leaseDuration time.Duration,
	workerService core.WorkerService,
	taskService core.TaskService,
	logger logging.Logger,
	opts ...ServiceOption,
) *CoordinatorService {
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	s := &CoordinatorService{
		workerService:     workerService,
		taskService:       taskService,
		heartbeatInterval: heartbeatInterval,
		leaseDuration:     leaseDuration,
		maxPullWait:       DefaultMaxPullWait,
		logger:            logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *CoordinatorService) Register(ctx context.Context, req *rpc.RegisterRequest) (*rpc.RegisterResponse, error) {
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		s.logger.Error("Invalid worker ID format", "worker_id", req.WorkerID, "error", err)
		return nil, status.Error(codes.InvalidArgument, "invalid worker ID format, expected UUID")
	}
	worker := &core.Worker{
		ID:       workerID,
		Hostname: req.Hostname,
		Slots:    req.Slots,
		Classes:  req.Classes,
	}

	s.logger.Debug("Received worker registration", "worker_id", workerID, "hostname", req.Hostname)

	if err := s.workerService.RegisterWorker(worker); err != nil {
		s.logger.Error("Failed to register worker", "worker_id", workerID, "error", err)
		return nil, toStatus(err)
	}

	s.logger.Info("Worker registered successfully", "worker_id", workerID)

	return &rpc.RegisterResponse{
		HeartbeatIntervalMs: s.heartbeatInterval.Milliseconds(),
		LeaseDurationMs:     s.leaseDuration.Milliseconds(),
	}, nil
}

func (s *CoordinatorService) Heartbeat(ctx context.Context, req *rpc.HeartbeatRequest) (*rpc.HeartbeatResponse, error) {
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		s.logger.Error("Invalid worker ID in heartbeat", "worker_id", req.WorkerID, "error", err)
		return &rpc.HeartbeatResponse{Acknowledged: false}, nil
	}

	if err := s.workerService.RecordHeartbeat(workerID); err != nil {
		// An unknown worker must register again.
		s.logger.Warn("Failed to record heartbeat", "worker_id", workerID, "error", err)
		return &rpc.HeartbeatResponse{Acknowledged: false}, nil
	}

	s.logger.Debug("Heartbeat received", "worker_id", workerID)
	return &rpc.HeartbeatResponse{Acknowledged: true}, nil
}

func (s *CoordinatorService) Pull(ctx context.Context, req *rpc.PullRequest) (*rpc.PullResponse, error) {
	worker, err := s.slotWorker(req.WorkerID, req.Slot)
	if err != nil {
		return nil, err
	}
	classes := req.Classes
	if len(classes) == 0 {
		classes = worker.Classes
	}
	owner := core.SlotOwner(worker.ID, req.Slot)

	wait := min(time.Duration(req.WaitMs)*time.Millisecond, s.maxPullWait)
	var task *core.Task
	if wait <= 0 {
		task, err = s.taskService.ClaimTask(ctx, owner, classes)
	} else {
		waitCtx, cancel := context.WithTimeout(ctx, wait)
		task, err = s.taskService.Await(waitCtx, owner, classes)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = nil
		}
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, status.FromContextError(ctx.Err()).Err()
		}
		s.logger.Error("Failed to claim task", "owner", owner, "error", err)
		return nil, toStatus(err)
	}
	if task == nil {
		return &rpc.PullResponse{}, nil
	}

	s.logger.Debug("Task assigned", "task_id", task.ID, "owner", owner, "attempt", task.Attempt)
	return &rpc.PullResponse{Task: taskMessage(task)}, nil
}

func (s *CoordinatorService) RenewLease(ctx context.Context, req *rpc.RenewLeaseRequest) (*rpc.RenewLeaseResponse, error) {
	worker, err := s.slotWorker(req.WorkerID, req.Slot)
	if err != nil {
		return nil, err
	}
	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid task ID format, expected UUID")
	}

	lease, err := s.taskService.RenewLease(ctx, taskID, core.SlotOwner(worker.ID, req.Slot))
	if err != nil {
		s.logger.Warn("Failed to renew lease", "task_id", taskID, "worker_id", worker.ID, "error", err)
		return nil, leaseStatus(err)
	}
	return &rpc.RenewLeaseResponse{
		ExpiresAt:       lease.ExpiresAt,
		CancelRequested: lease.CancelRequested,
	}, nil
}

func (s *CoordinatorService) Report(ctx context.Context, req *rpc.ReportRequest) (*rpc.ReportResponse, error) {
	// Reports are accepted from slots of workers that were reaped meanwhile;
	// the lease owner check decides whether the outcome still applies.
	workerID, err := uuid.Parse(req.WorkerID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid worker ID format, expected UUID")
	}
	taskID, err := uuid.Parse(req.TaskID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid task ID format, expected UUID")
	}

	outcome := core.TaskOutcome{
		Success:   req.Success,
		ResultRef: req.ResultRef,
		ModelUsed: req.ModelUsed,
		Error:     req.Error,
		Kind:      core.ErrorKind(req.ErrorKind),
	}
	if req.Success {
		outcome.Result = &core.TaskResult{
			Transcript:   req.Transcript,
			Translation:  req.Translation,
			DetectedLang: req.DetectedLang,
			DurationMs:   req.DurationMs,
		}
	} else if outcome.Kind == "" {
		outcome.Kind = core.ErrorKindTransient
	}

	owner := core.SlotOwner(workerID, req.Slot)
	if err := s.taskService.ReportOutcome(ctx, taskID, owner, outcome); err != nil {
		s.logger.Warn("Failed to record task outcome", "task_id", taskID, "owner", owner, "error", err)
		return nil, leaseStatus(err)
	}
	return &rpc.ReportResponse{}, nil
}

func (s *CoordinatorService) slotWorker(rawID string, slot int) (*core.Worker, error) {
	workerID, err := uuid.Parse(rawID)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "invalid worker ID format, expected UUID")
	}
	worker, err := s.workerService.GetWorker(workerID)
	if err != nil {
		return nil, toStatus(err)
	}
	if slot < 0 || slot >= worker.Slots {
		return nil, status.Errorf(codes.InvalidArgument, "slot %d out of range [0, %d)", slot, worker.Slots)
	}
	return worker, nil
}

func taskMessage(t *core.Task) *rpc.Task {
	msg := &rpc.Task{
		ID:            t.ID.String(),
		JobID:         t.JobID.String(),
		JobType:       string(t.JobType),
		ResourceClass: string(t.ResourceClass),
		InputKind:     string(t.Input.Kind),
		InputURL:      t.Input.URL,
		InputText:     t.Input.Text,
		InputPath:     t.Input.StoragePath,
		SrcLang:       t.SrcLang,
		TgtLang:       t.TgtLang,
		Attempt:       t.Attempt,
	}
	if t.LeaseExpiresAt != nil {
		msg.LeaseExpiresAt = *t.LeaseExpiresAt
	}
	return msg
}

// leaseStatus is toStatus for calls on a held task. A task that no longer
// exists is a lost lease, so NotFound keeps meaning an unknown worker.
func leaseStatus(err error) error {
	if errors.Is(err, core.ErrNotFound) {
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return toStatus(err)
}

func toStatus(err error) error {
	switch {
	case core.IsValidation(err):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, core.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, core.ErrLeaseLost), errors.Is(err, core.ErrTransitionRejected):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
