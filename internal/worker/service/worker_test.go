package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

type report struct {
	slot    int
	taskID  uuid.UUID
	outcome coord.TaskOutcome
}

type mockCoordinatorClient struct {
	mu sync.Mutex

	registerCount  int
	heartbeatCount int
	heartbeatErr   error

	tasks       []*coord.Task
	taskIndex   int
	pullTaskErr error
	pulledBy    map[int]int

	renewCount int
	renewLease *coord.Lease
	renewErr   error

	reports   []report
	reportErr error
}

func (m *mockCoordinatorClient) Register(ctx context.Context, slots int, classes []string) (*core.Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.registerCount++
	m.heartbeatErr = nil
	return &core.Registration{HeartbeatInterval: time.Second, LeaseDuration: time.Minute}, nil
}

func (m *mockCoordinatorClient) SendHeartbeat(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeatCount++
	return m.heartbeatErr
}

func (m *mockCoordinatorClient) PullTask(ctx context.Context, slot int, classes []string, wait time.Duration) (*coord.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pullTaskErr != nil {
		return nil, m.pullTaskErr
	}
	if m.taskIndex >= len(m.tasks) {
		return nil, nil
	}
	task := m.tasks[m.taskIndex]
	m.taskIndex++
	if m.pulledBy == nil {
		m.pulledBy = make(map[int]int)
	}
	m.pulledBy[slot]++
	return task, nil
}

func (m *mockCoordinatorClient) RenewLease(ctx context.Context, slot int, taskID uuid.UUID) (*coord.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.renewCount++
	if m.renewErr != nil {
		return nil, m.renewErr
	}
	if m.renewLease != nil {
		return m.renewLease, nil
	}
	return &coord.Lease{ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (m *mockCoordinatorClient) ReportOutcome(ctx context.Context, slot int, taskID uuid.UUID, outcome coord.TaskOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report{slot: slot, taskID: taskID, outcome: outcome})
	return m.reportErr
}

func (m *mockCoordinatorClient) Close() error {
	return nil
}

func (m *mockCoordinatorClient) getReports() []report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]report{}, m.reports...)
}

type mockExecutor struct {
	mu            sync.Mutex
	executedTasks []uuid.UUID
	execute       func(ctx context.Context, task *coord.Task) coord.TaskOutcome
}

func (m *mockExecutor) Execute(ctx context.Context, task *coord.Task) coord.TaskOutcome {
	m.mu.Lock()
	m.executedTasks = append(m.executedTasks, task.ID)
	execute := m.execute
	m.mu.Unlock()
	if execute != nil {
		return execute(ctx, task)
	}
	return coord.TaskOutcome{Success: true, ResultRef: "results/" + task.ID.String()}
}

func (m *mockExecutor) executed() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uuid.UUID{}, m.executedTasks...)
}

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, args ...any)   {}
func (m *mockLogger) Info(msg string, args ...any)    {}
func (m *mockLogger) Warn(msg string, args ...any)    {}
func (m *mockLogger) Error(msg string, args ...any)   {}
func (m *mockLogger) Fatal(msg string, args ...any)   {}
func (m *mockLogger) With(args ...any) logging.Logger { return m }

func newTask() *coord.Task {
	return &coord.Task{
		ID:            uuid.New(),
		JobID:         uuid.New(),
		JobType:       coord.JobTypeNMT,
		ResourceClass: "nmt-cpu",
		Input:         coord.TaskInput{Kind: coord.InputKindText, Text: "namaste"},
		Attempt:       1,
	}
}

// runFor runs the service for d and waits for Run to return.
func runFor(t *testing.T, svc core.WorkerService, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(d)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Expected Run to return nil, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancel")
	}
}

func TestWorkerService_HeartbeatLoop_SendsHeartbeats(t *testing.T) {
	client := &mockCoordinatorClient{}
	svc := NewWorkerService(client, &mockExecutor{}, Config{HeartbeatInterval: 20 * time.Millisecond}, &mockLogger{})

	runFor(t, svc, 70*time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()

	// With 20ms interval and 70ms wait, expect at least 2-3 heartbeats
	if client.heartbeatCount < 2 {
		t.Errorf("Expected at least 2 heartbeats, got %d", client.heartbeatCount)
	}
}

func TestWorkerService_HeartbeatLoop_HandlesErrors(t *testing.T) {
	client := &mockCoordinatorClient{
		heartbeatErr: errors.New("connection failed"),
	}
	svc := NewWorkerService(client, &mockExecutor{}, Config{HeartbeatInterval: 20 * time.Millisecond}, &mockLogger{})

	runFor(t, svc, 70*time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()

	// Should still attempt heartbeats even with errors
	if client.heartbeatCount < 2 {
		t.Errorf("Expected heartbeat attempts even with errors, got %d", client.heartbeatCount)
	}
	if client.registerCount != 0 {
		t.Errorf("Expected no re-registration on transport errors, got %d", client.registerCount)
	}
}

func TestWorkerService_HeartbeatLoop_RegistersAgain(t *testing.T) {
	client := &mockCoordinatorClient{
		heartbeatErr: core.ErrNotRegistered,
	}
	svc := NewWorkerService(client, &mockExecutor{}, Config{HeartbeatInterval: 20 * time.Millisecond}, &mockLogger{})

	runFor(t, svc, 70*time.Millisecond)

	client.mu.Lock()
	defer client.mu.Unlock()

	if client.registerCount != 1 {
		t.Errorf("Expected exactly one re-registration, got %d", client.registerCount)
	}
}

func TestWorkerService_TaskLoop_ExecutesTask(t *testing.T) {
	task := newTask()
	client := &mockCoordinatorClient{tasks: []*coord.Task{task}}
	executor := &mockExecutor{}
	svc := NewWorkerService(client, executor, Config{Slots: 1}, &mockLogger{})

	runFor(t, svc, 50*time.Millisecond)

	if got := executor.executed(); len(got) != 1 || got[0] != task.ID {
		t.Errorf("Expected %s to be executed, got %v", task.ID, got)
	}

	reports := client.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if reports[0].taskID != task.ID || !reports[0].outcome.Success || reports[0].slot != 0 {
		t.Errorf("Unexpected report %+v", reports[0])
	}
}

func TestWorkerService_TaskLoop_ReportsFailure(t *testing.T) {
	task := newTask()
	client := &mockCoordinatorClient{tasks: []*coord.Task{task}}
	executor := &mockExecutor{
		execute: func(ctx context.Context, task *coord.Task) coord.TaskOutcome {
			return coord.TaskOutcome{Error: "model unavailable", Kind: coord.ErrorKindTransient}
		},
	}
	svc := NewWorkerService(client, executor, Config{Slots: 1}, &mockLogger{})

	runFor(t, svc, 50*time.Millisecond)

	reports := client.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if reports[0].outcome.Success || reports[0].outcome.Kind != coord.ErrorKindTransient {
		t.Errorf("Expected transient failure, got %+v", reports[0].outcome)
	}
}

func TestWorkerService_TaskLoop_ExecutesAcrossSlots(t *testing.T) {
	tasks := []*coord.Task{newTask(), newTask(), newTask(), newTask()}
	client := &mockCoordinatorClient{tasks: tasks}
	executor := &mockExecutor{
		execute: func(ctx context.Context, task *coord.Task) coord.TaskOutcome {
			time.Sleep(20 * time.Millisecond)
			return coord.TaskOutcome{Success: true}
		},
	}
	svc := NewWorkerService(client, executor, Config{Slots: 2}, &mockLogger{})

	runFor(t, svc, 150*time.Millisecond)

	if got := executor.executed(); len(got) != 4 {
		t.Errorf("Expected 4 tasks executed, got %d", len(got))
	}
	if got := client.getReports(); len(got) != 4 {
		t.Errorf("Expected 4 reports, got %d", len(got))
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.pulledBy[0] == 0 || client.pulledBy[1] == 0 {
		t.Errorf("Expected both slots to pull, got %v", client.pulledBy)
	}
}

func TestWorkerService_CancelRequestedStopsExecution(t *testing.T) {
	task := newTask()
	client := &mockCoordinatorClient{
		tasks:      []*coord.Task{task},
		renewLease: &coord.Lease{ExpiresAt: time.Now().Add(time.Minute), CancelRequested: true},
	}
	executor := &mockExecutor{
		execute: func(ctx context.Context, task *coord.Task) coord.TaskOutcome {
			select {
			case <-ctx.Done():
				return coord.TaskOutcome{Error: ctx.Err().Error(), Kind: coord.KindOf(ctx.Err())}
			case <-time.After(5 * time.Second):
				return coord.TaskOutcome{Success: true}
			}
		},
	}
	svc := NewWorkerService(client, executor, Config{Slots: 1, LeaseDuration: 30 * time.Millisecond}, &mockLogger{})

	runFor(t, svc, 100*time.Millisecond)

	reports := client.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected 1 report, got %d", len(reports))
	}
	if reports[0].outcome.Kind != coord.ErrorKindCancelled {
		t.Errorf("Expected cancelled outcome, got %+v", reports[0].outcome)
	}
}

func TestWorkerService_LeaseLostStopsExecution(t *testing.T) {
	client := &mockCoordinatorClient{
		tasks:    []*coord.Task{newTask()},
		renewErr: core.ErrLeaseLost,
	}
	cancelled := make(chan struct{})
	executor := &mockExecutor{
		execute: func(ctx context.Context, task *coord.Task) coord.TaskOutcome {
			select {
			case <-ctx.Done():
				close(cancelled)
				return coord.TaskOutcome{Error: ctx.Err().Error(), Kind: coord.ErrorKindCancelled}
			case <-time.After(5 * time.Second):
				return coord.TaskOutcome{Success: true}
			}
		},
	}
	svc := NewWorkerService(client, executor, Config{Slots: 1, LeaseDuration: 30 * time.Millisecond}, &mockLogger{})

	runFor(t, svc, 100*time.Millisecond)

	select {
	case <-cancelled:
	default:
		t.Fatal("Expected execution to be cancelled after the lease was lost")
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if client.renewCount != 1 {
		t.Errorf("Expected renewal to stop after the lease was lost, got %d attempts", client.renewCount)
	}
}

func TestWorkerService_ShutdownReportsInFlightTask(t *testing.T) {
	client := &mockCoordinatorClient{tasks: []*coord.Task{newTask()}}
	executor := &mockExecutor{
		execute: func(ctx context.Context, task *coord.Task) coord.TaskOutcome {
			<-ctx.Done()
			return coord.TaskOutcome{Error: ctx.Err().Error(), Kind: coord.KindOf(ctx.Err())}
		},
	}
	svc := NewWorkerService(client, executor, Config{Slots: 1}, &mockLogger{})

	runFor(t, svc, 30*time.Millisecond)

	reports := client.getReports()
	if len(reports) != 1 {
		t.Fatalf("Expected the in-flight task to be reported, got %d reports", len(reports))
	}
	if reports[0].outcome.Kind != coord.ErrorKindCancelled {
		t.Errorf("Expected cancelled outcome, got %+v", reports[0].outcome)
	}
}

func TestWorkerService_TaskLoop_BacksOffOnPullErrors(t *testing.T) {
	client := &mockCoordinatorClient{pullTaskErr: errors.New("unavailable")}
	executor := &mockExecutor{}
	svc := NewWorkerService(client, executor, Config{Slots: 1}, &mockLogger{})

	runFor(t, svc, 50*time.Millisecond)

	if got := executor.executed(); len(got) != 0 {
		t.Errorf("Expected nothing executed, got %v", got)
	}
}
