package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// scriptedTransport answers deliveries with a fixed sequence of results.
// The last entry repeats once the script runs out.
type scriptedTransport struct {
	mu     sync.Mutex
	script []scriptedResponse
	calls  []*core.Delivery
	sent   chan uuid.UUID
}

type scriptedResponse struct {
	code int
	err  error
}

func newScriptedTransport(script ...scriptedResponse) *scriptedTransport {
	return &scriptedTransport{script: script, sent: make(chan uuid.UUID, 64)}
}

func (s *scriptedTransport) Deliver(_ context.Context, d *core.Delivery) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, d)
	i := min(len(s.calls)-1, len(s.script)-1)
	s.sent <- d.JobID
	return s.script[i].code, s.script[i].err
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		Workers:     2,
	}
}

// finishPartialJob runs a two-task job to partial completion.
func finishPartialJob(t *testing.T, env *testEnv) *core.Job {
	t.Helper()
	ctx := t.Context()
	job := env.createNMTJob(testOwner("alice"), 2, 5, "https://hooks.example.com/done")

	first := env.claim("w1/0")
	second := env.claim("w1/1")
	require.NotNil(t, first)
	require.NotNil(t, second)
	require.NoError(t, env.scheduler.ReportOutcome(ctx, first.ID, "w1/0", success("results/1.json")))
	require.NoError(t, env.scheduler.ReportOutcome(ctx, second.ID, "w1/1", failure(core.ErrorKindPermanent, "bad input")))
	return job
}

func TestAggregator_DeliversPartialJobOnce(t *testing.T) {
	env := newTestEnv(t)
	transport := newScriptedTransport(scriptedResponse{code: 200})
	agg := NewCompletionAggregator(env.store, transport, testAggregatorConfig(), env.logger)
	env.observer.next = agg

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	job := finishPartialJob(t, env)

	select {
	case id := <-transport.sent:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("webhook was not delivered")
	}

	require.Eventually(t, func() bool {
		d, err := env.store.GetDelivery(t.Context(), job.ID)
		return err == nil && d.State == core.DeliveryStateDelivered
	}, 5*time.Second, 5*time.Millisecond)

	// A late duplicate report and a sweep must not deliver again.
	tasks, err := env.store.ListTasks(t.Context(), job.ID)
	require.NoError(t, err)
	_ = env.scheduler.ReportOutcome(t.Context(), tasks[0].ID, "w1/0", success("again"))
	agg.Sweep(t.Context())

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, 1, transport.callCount())

	var event core.CompletionEvent
	require.NoError(t, json.Unmarshal(transport.calls[0].Payload, &event))
	assert.Equal(t, core.EventJobCompleted, event.Event)
	assert.Equal(t, job.ID.String(), event.JobID)
	assert.Equal(t, string(core.JobStatusPartial), event.Status)
	assert.Equal(t, 2, event.TotalTasks)
	assert.Equal(t, 1, event.CompletedTasks)
	assert.Equal(t, 1, event.FailedTasks)
}

func TestAggregator_Deliver(t *testing.T) {
	tests := []struct {
		name         string
		script       []scriptedResponse
		wantState    core.DeliveryState
		wantAttempts int
		wantCode     int
	}{
		{
			name:         "retries server errors",
			script:       []scriptedResponse{{code: 503}, {code: 500}, {code: 204}},
			wantState:    core.DeliveryStateDelivered,
			wantAttempts: 3,
			wantCode:     204,
		},
		{
			name:         "retries network errors",
			script:       []scriptedResponse{{err: errors.New("connection refused")}, {code: 200}},
			wantState:    core.DeliveryStateDelivered,
			wantAttempts: 2,
			wantCode:     200,
		},
		{
			name:         "retries rate limiting",
			script:       []scriptedResponse{{code: 429}, {code: 200}},
			wantState:    core.DeliveryStateDelivered,
			wantAttempts: 2,
			wantCode:     200,
		},
		{
			name:         "stops on client error",
			script:       []scriptedResponse{{code: 404}, {code: 200}},
			wantState:    core.DeliveryStateFailed,
			wantAttempts: 1,
			wantCode:     404,
		},
		{
			name:         "gives up after max attempts",
			script:       []scriptedResponse{{code: 502}},
			wantState:    core.DeliveryStateFailed,
			wantAttempts: 3,
			wantCode:     502,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := finishPartialJob(t, env)

			transport := newScriptedTransport(tt.script...)
			agg := NewCompletionAggregator(env.store, transport, testAggregatorConfig(), env.logger)
			agg.Deliver(t.Context(), job.ID)

			d, err := env.store.GetDelivery(t.Context(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, d.State)
			assert.Equal(t, tt.wantAttempts, d.Attempts)
			assert.Equal(t, tt.wantCode, d.LastStatusCode)
			assert.Equal(t, tt.wantAttempts, transport.callCount())

			// Finished deliveries are never sent again.
			agg.Deliver(t.Context(), job.ID)
			assert.Equal(t, tt.wantAttempts, transport.callCount())
		})
	}
}

func TestAggregator_ResumesAttemptCount(t *testing.T) {
	env := newTestEnv(t)
	job := finishPartialJob(t, env)
	ctx := t.Context()

	// Two attempts were made before a restart.
	require.NoError(t, env.store.RecordDeliveryAttempt(ctx, job.ID, 500, "Internal Server Error", env.clock.now()))
	require.NoError(t, env.store.RecordDeliveryAttempt(ctx, job.ID, 500, "Internal Server Error", env.clock.now()))

	transport := newScriptedTransport(scriptedResponse{code: 500})
	agg := NewCompletionAggregator(env.store, transport, testAggregatorConfig(), env.logger)
	agg.Deliver(ctx, job.ID)

	d, err := env.store.GetDelivery(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryStateFailed, d.State)
	assert.Equal(t, 3, d.Attempts)
	assert.Equal(t, 1, transport.callCount())
}

func TestAggregator_RunReplaysPendingDeliveries(t *testing.T) {
	env := newTestEnv(t)
	job := finishPartialJob(t, env)

	// No observer was attached: the delivery is only in the store.
	transport := newScriptedTransport(scriptedResponse{code: 200})
	agg := NewCompletionAggregator(env.store, transport, testAggregatorConfig(), env.logger)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- agg.Run(ctx) }()

	select {
	case id := <-transport.sent:
		assert.Equal(t, job.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("pending delivery was not replayed")
	}
	require.Eventually(t, func() bool {
		d, err := env.store.GetDelivery(t.Context(), job.ID)
		return err == nil && d.State == core.DeliveryStateDelivered
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestAggregator_IgnoresJobsWithoutCallback(t *testing.T) {
	env := newTestEnv(t)
	transport := newScriptedTransport(scriptedResponse{code: 200})
	agg := NewCompletionAggregator(env.store, transport, testAggregatorConfig(), env.logger)
	env.observer.next = agg

	job := env.createNMTJob(testOwner("alice"), 1, 5, "")
	task := env.claim("w1/0")
	require.NoError(t, env.scheduler.ReportOutcome(t.Context(), task.ID, "w1/0", success("r")))

	assert.Equal(t, core.JobStatusCompleted, env.getJob(job.ID).Status)
	_, err := env.store.GetDelivery(t.Context(), job.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Zero(t, len(agg.work))
}

// failingAttemptStore loses every attempt record.
type failingAttemptStore struct {
	core.DeliveryStore
}

func (s failingAttemptStore) RecordDeliveryAttempt(context.Context, uuid.UUID, int, string, time.Time) error {
	return errors.New("database is locked")
}

func TestAggregator_DeliverSurvivesRecordFailure(t *testing.T) {
	tests := []struct {
		name      string
		script    []scriptedResponse
		wantState core.DeliveryState
		wantCalls int
	}{
		{
			name:      "accepted callback is not resent",
			script:    []scriptedResponse{{code: 200}},
			wantState: core.DeliveryStateDelivered,
			wantCalls: 1,
		},
		{
			name:      "server error is still retried",
			script:    []scriptedResponse{{code: 503}, {code: 204}},
			wantState: core.DeliveryStateDelivered,
			wantCalls: 2,
		},
		{
			name:      "rejected callback stops",
			script:    []scriptedResponse{{code: 400}},
			wantState: core.DeliveryStateFailed,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			job := finishPartialJob(t, env)

			transport := newScriptedTransport(tt.script...)
			agg := NewCompletionAggregator(failingAttemptStore{env.store}, transport, testAggregatorConfig(), env.logger)
			agg.Deliver(t.Context(), job.ID)

			d, err := env.store.GetDelivery(t.Context(), job.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, d.State)
			assert.Equal(t, tt.wantCalls, transport.callCount())
		})
	}
}
