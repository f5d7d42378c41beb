package grpc

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/rpc"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

// pullGrace leaves room for the coordinator to answer an empty long poll
// before the call deadline fires.
const pullGrace = 5 * time.Second

type CoordinatorClient struct {
	conn   *grpc.ClientConn
	client *rpc.CoordinatorClient

	workerID        uuid.UUID
	hostname        string
	coordinatorAddr string
}

var _ core.CoordinatorClient = (*CoordinatorClient)(nil)

func NewCoordinatorClient(
	coordinatorAddr string,
	cfg config.WorkerGRPCConfig,
	workerID uuid.UUID,
	hostname string,
) (*CoordinatorClient, error) {
	conn, err := grpc.NewClient(
		coordinatorAddr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                cfg.KeepaliveTime,
				Timeout:             cfg.KeepaliveTimeout,
				PermitWithoutStream: true,
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	return newClient(conn, workerID, hostname, coordinatorAddr), nil
}

func newClient(conn *grpc.ClientConn, workerID uuid.UUID, hostname, addr string) *CoordinatorClient {
	return &CoordinatorClient{
		conn:            conn,
		client:          rpc.NewCoordinatorClient(conn),
		workerID:        workerID,
		hostname:        hostname,
		coordinatorAddr: addr,
	}
}

func (c *CoordinatorClient) Register(ctx context.Context, slots int, classes []string) (*core.Registration, error) {
	resp, err := c.client.Register(ctx, &rpc.RegisterRequest{
		WorkerID: c.workerID.String(),
		Hostname: c.hostname,
		Slots:    slots,
		Classes:  classes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to register worker: %w", err)
	}
	return &core.Registration{
		HeartbeatInterval: resp.HeartbeatInterval(),
		LeaseDuration:     time.Duration(resp.LeaseDurationMs) * time.Millisecond,
	}, nil
}

func (c *CoordinatorClient) SendHeartbeat(ctx context.Context) error {
	resp, err := c.client.Heartbeat(ctx, &rpc.HeartbeatRequest{WorkerID: c.workerID.String()})
	if err != nil {
		return fmt.Errorf("failed to send heartbeat: %w", err)
	}
	if !resp.Acknowledged {
		return core.ErrNotRegistered
	}
	return nil
}

func (c *CoordinatorClient) PullTask(ctx context.Context, slot int, classes []string, wait time.Duration) (*coord.Task, error) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait+pullGrace)
		defer cancel()
	}
	resp, err := c.client.Pull(ctx, &rpc.PullRequest{
		WorkerID: c.workerID.String(),
		Slot:     slot,
		Classes:  classes,
		WaitMs:   wait.Milliseconds(),
	})
	if err != nil {
		return nil, fromStatus("pull task", err)
	}
	if resp.Task == nil {
		return nil, nil
	}
	return taskFromMessage(resp.Task)
}

func (c *CoordinatorClient) RenewLease(ctx context.Context, slot int, taskID uuid.UUID) (*coord.Lease, error) {
	resp, err := c.client.RenewLease(ctx, &rpc.RenewLeaseRequest{
		WorkerID: c.workerID.String(),
		Slot:     slot,
		TaskID:   taskID.String(),
	})
	if err != nil {
		return nil, fromStatus("renew lease", err)
	}
	return &coord.Lease{ExpiresAt: resp.ExpiresAt, CancelRequested: resp.CancelRequested}, nil
}

func (c *CoordinatorClient) ReportOutcome(ctx context.Context, slot int, taskID uuid.UUID, outcome coord.TaskOutcome) error {
	req := &rpc.ReportRequest{
		WorkerID:  c.workerID.String(),
		Slot:      slot,
		TaskID:    taskID.String(),
		Success:   outcome.Success,
		ResultRef: outcome.ResultRef,
		ModelUsed: outcome.ModelUsed,
		Error:     outcome.Error,
		ErrorKind: string(outcome.Kind),
	}
	if r := outcome.Result; r != nil {
		req.Transcript = r.Transcript
		req.Translation = r.Translation
		req.DetectedLang = r.DetectedLang
		req.DurationMs = r.DurationMs
	}
	if _, err := c.client.Report(ctx, req); err != nil {
		return fromStatus("report outcome", err)
	}
	return nil
}

func (c *CoordinatorClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func taskFromMessage(m *rpc.Task) (*coord.Task, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("task id %q: %w", m.ID, err)
	}
	jobID, err := uuid.Parse(m.JobID)
	if err != nil {
		return nil, fmt.Errorf("job id %q: %w", m.JobID, err)
	}
	task := &coord.Task{
		ID:            id,
		JobID:         jobID,
		JobType:       coord.JobType(m.JobType),
		ResourceClass: coord.ResourceClass(m.ResourceClass),
		Input: coord.TaskInput{
			Kind:        coord.InputKind(m.InputKind),
			URL:         m.InputURL,
			Text:        m.InputText,
			StoragePath: m.InputPath,
		},
		SrcLang: m.SrcLang,
		TgtLang: m.TgtLang,
		Status:  coord.TaskStatusRunning,
		Attempt: m.Attempt,
	}
	if !m.LeaseExpiresAt.IsZero() {
		expires := m.LeaseExpiresAt
		task.LeaseExpiresAt = &expires
	}
	return task, nil
}

// fromStatus maps coordinator status codes onto the worker's sentinels.
func fromStatus(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w", op, core.ErrNotRegistered)
	case codes.FailedPrecondition:
		return fmt.Errorf("%s: %w", op, core.ErrLeaseLost)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
