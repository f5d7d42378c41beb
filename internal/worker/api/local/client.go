// Package local connects worker slots to a scheduler in the same process.
package local

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

// CoordinatorClient calls the task service directly. In-process slots are
// not part of the worker registry, so registration and heartbeats are
// no-ops; their leases are still renewed and reaped like remote ones.
type CoordinatorClient struct {
	tasks    coord.TaskService
	workerID uuid.UUID
}

var _ core.CoordinatorClient = (*CoordinatorClient)(nil)

func NewCoordinatorClient(tasks coord.TaskService, workerID uuid.UUID) *CoordinatorClient {
	return &CoordinatorClient{tasks: tasks, workerID: workerID}
}

func (c *CoordinatorClient) Register(context.Context, int, []string) (*core.Registration, error) {
	return &core.Registration{}, nil
}

func (c *CoordinatorClient) SendHeartbeat(context.Context) error {
	return nil
}

func (c *CoordinatorClient) PullTask(ctx context.Context, slot int, classes []string, wait time.Duration) (*coord.Task, error) {
	owner := coord.SlotOwner(c.workerID, slot)
	if wait <= 0 {
		return c.tasks.ClaimTask(ctx, owner, classes)
	}
	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	task, err := c.tasks.Await(waitCtx, owner, classes)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil, nil
	}
	return task, err
}

func (c *CoordinatorClient) RenewLease(ctx context.Context, slot int, taskID uuid.UUID) (*coord.Lease, error) {
	lease, err := c.tasks.RenewLease(ctx, taskID, coord.SlotOwner(c.workerID, slot))
	if errors.Is(err, coord.ErrNotFound) {
		return nil, core.ErrLeaseLost
	}
	return lease, err
}

func (c *CoordinatorClient) ReportOutcome(ctx context.Context, slot int, taskID uuid.UUID, outcome coord.TaskOutcome) error {
	err := c.tasks.ReportOutcome(ctx, taskID, coord.SlotOwner(c.workerID, slot), outcome)
	if errors.Is(err, coord.ErrNotFound) {
		return core.ErrLeaseLost
	}
	return err
}

func (c *CoordinatorClient) Close() error {
	return nil
}
