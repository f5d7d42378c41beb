package service

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/coordinator/ratelimit"
)

func TestCreateJob_Validation(t *testing.T) {
	tests := []struct {
		name  string
		req   core.CreateJobRequest
		field string
	}{
		{
			name:  "no items",
			req:   core.CreateJobRequest{Type: core.JobTypeASR},
			field: "items",
		},
		{
			name: "too many items",
			req: core.CreateJobRequest{
				Type:  core.JobTypeNMT,
				Items: make([]core.JobItem, 11),
			},
			field: "items",
		},
		{
			name: "priority out of range",
			req: core.CreateJobRequest{
				Type:     core.JobTypeASR,
				Priority: 11,
				Items:    []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav"}},
			},
			field: "priority",
		},
		{
			name: "relative callback",
			req: core.CreateJobRequest{
				Type:        core.JobTypeASR,
				CallbackURL: "/hooks/done",
				Items:       []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav"}},
			},
			field: "callback_url",
		},
		{
			name: "asr without audio",
			req: core.CreateJobRequest{
				Type:  core.JobTypeASR,
				Items: []core.JobItem{{Text: "hello"}},
			},
			field: "items[0].audio",
		},
		{
			name: "asr with both audio forms",
			req: core.CreateJobRequest{
				Type:  core.JobTypeASR,
				Items: []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav", AudioData: []byte{1}}},
			},
			field: "items[0].audio",
		},
		{
			name: "nmt without target",
			req: core.CreateJobRequest{
				Type:    core.JobTypeNMT,
				SrcLang: "hi",
				Items:   []core.JobItem{{Text: "namaste"}},
			},
			field: "items[0].tgt_lang",
		},
		{
			name: "nmt without source",
			req: core.CreateJobRequest{
				Type:    core.JobTypeNMT,
				TgtLang: "en",
				Items:   []core.JobItem{{Text: "namaste"}},
			},
			field: "items[0].src_lang",
		},
		{
			name: "unsupported language",
			req: core.CreateJobRequest{
				Type:    core.JobTypeASR,
				SrcLang: "fr",
				Items:   []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav"}},
			},
			field: "src_lang",
		},
		{
			name: "asr+nmt item without target",
			req: core.CreateJobRequest{
				Type:  core.JobTypeASRNMT,
				Items: []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav"}},
			},
			field: "items[0].tgt_lang",
		},
		{
			name:  "unknown type",
			req:   core.CreateJobRequest{Type: "ocr"},
			field: "type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.jobs.CreateJob(t.Context(), testOwner("alice"), tt.req)
			require.Error(t, err)

			var verr *core.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tt.field, verr.Field)

			jobs, total, err := env.store.ListJobs(t.Context(), core.JobFilter{})
			require.NoError(t, err)
			assert.Zero(t, total)
			assert.Empty(t, jobs)
		})
	}
}

func TestCreateJob_RoutesAndNormalises(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.jobs.CreateJob(t.Context(), testOwner("alice"), core.CreateJobRequest{
		Type:    core.JobTypeASRNMT,
		TgtLang: "English",
		Items: []core.JobItem{
			{ExternalID: "a", AudioURL: "https://cdn.example.com/a.wav", SrcLang: "hindi"},
			{ExternalID: "b", AudioURL: "https://cdn.example.com/b.wav", SrcLang: "ta"},
			{ExternalID: "c", AudioData: []byte("RIFF"), SrcLang: "TE", TgtLang: "hi"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, core.DefaultPriority, job.Priority)
	assert.Equal(t, 3, job.TotalTasks)
	assert.Equal(t, "en", job.TgtLang)

	tasks, err := env.store.ListTasks(t.Context(), job.ID)
	require.NoError(t, err)
	byExt := make(map[string]*core.Task)
	for _, task := range tasks {
		byExt[task.ExternalID] = task
		assert.Equal(t, core.TaskStatusQueued, task.Status)
		assert.Equal(t, 3, task.MaxAttempts)
	}

	assert.Equal(t, core.ResourceClass("asr-whisper"), byExt["a"].ResourceClass)
	assert.Equal(t, "hi", byExt["a"].SrcLang)
	assert.Equal(t, "en", byExt["a"].TgtLang)
	assert.Equal(t, core.ResourceClass("asr-omni"), byExt["b"].ResourceClass)
	assert.Equal(t, "hi", byExt["c"].TgtLang)

	c := byExt["c"]
	assert.Equal(t, core.InputKindStorage, c.Input.Kind)
	assert.Equal(t, "inputs/"+job.ID.String()+"/"+c.ID.String(), c.Input.StoragePath)
	data, err := env.objects.Read(t.Context(), c.Input.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("RIFF"), data)
}

func TestCreateJob_ScopeEnforced(t *testing.T) {
	env := newTestEnv(t)
	owner := &core.Identity{ID: "bob", Active: true, Scopes: []core.JobType{core.JobTypeNMT}}

	_, err := env.jobs.CreateJob(t.Context(), owner, core.CreateJobRequest{
		Type:  core.JobTypeASR,
		Items: []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav"}},
	})
	assert.ErrorIs(t, err, core.ErrForbidden)
}

func TestCreateJob_RateLimitedBeforeAnyWrite(t *testing.T) {
	clock := newTestClock()
	limiter := ratelimit.New(0, 0, core.Quota{}, ratelimit.WithClock(clock.now))
	env := newTestEnv(t, func(c *envConfig) { c.admission = limiter })

	owner := testOwner("alice")
	owner.Quota = core.Quota{Requests: 3, Interval: time.Hour, Burst: 3}

	for i := 0; i < 3; i++ {
		env.createNMTJob(owner, 1, 5, "")
	}
	_, err := env.jobs.CreateJob(t.Context(), owner, core.CreateJobRequest{
		Type:    core.JobTypeNMT,
		SrcLang: "hi",
		TgtLang: "en",
		Items:   []core.JobItem{{Text: "namaste"}},
	})
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)

	_, total, err := env.store.ListJobs(t.Context(), core.JobFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestCreateJob_AdmissionBeforeValidation(t *testing.T) {
	calls := 0
	env := newTestEnv(t, func(c *envConfig) {
		c.admission = admitFunc(func(*core.Identity) error {
			calls++
			return core.ErrQuotaExceeded
		})
	})

	_, err := env.jobs.CreateJob(t.Context(), testOwner("alice"), core.CreateJobRequest{Type: core.JobTypeASR})
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)
	assert.Equal(t, 1, calls)
}

func TestCreateJob_InlineAudioDecodedAfterAdmission(t *testing.T) {
	req := core.CreateJobRequest{
		Type:  core.JobTypeASR,
		Items: []core.JobItem{{AudioURL: "https://cdn.example.com/a.wav"}, {AudioB64: "%%%"}},
	}

	limited := newTestEnv(t, func(c *envConfig) {
		c.admission = admitFunc(func(*core.Identity) error { return core.ErrQuotaExceeded })
	})
	_, err := limited.jobs.CreateJob(t.Context(), testOwner("alice"), req)
	assert.ErrorIs(t, err, core.ErrQuotaExceeded)

	admitted := newTestEnv(t)
	_, err = admitted.jobs.CreateJob(t.Context(), testOwner("alice"), req)
	var verr *core.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "items[1].audio_b64", verr.Field)

	_, total, err := admitted.store.ListJobs(t.Context(), core.JobFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
}

func TestGetJob_HiddenFromOtherOwners(t *testing.T) {
	env := newTestEnv(t)
	job := env.createNMTJob(testOwner("alice"), 2, 5, "")

	view, err := env.jobs.GetJob(t.Context(), testOwner("alice"), job.ID)
	require.NoError(t, err)
	assert.Len(t, view.Tasks, 2)

	_, err = env.jobs.GetJob(t.Context(), testOwner("mallory"), job.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)

	_, err = env.jobs.GetJob(t.Context(), testOwner("alice"), uuid.New())
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestListJobs_ScopedToOwner(t *testing.T) {
	env := newTestEnv(t)
	env.createNMTJob(testOwner("alice"), 1, 5, "")
	env.createNMTJob(testOwner("alice"), 1, 5, "")
	env.createNMTJob(testOwner("bob"), 1, 5, "")

	jobs, total, err := env.jobs.ListJobs(t.Context(), testOwner("alice"), core.JobFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, jobs, 1)
	assert.Equal(t, "alice", jobs[0].Owner)
}

func TestCancelJob_MixedStates(t *testing.T) {
	env := newTestEnv(t, func(c *envConfig) {
		c.budgets = map[core.ResourceClass]int{"nmt-cpu": 1, "asr-whisper": 1, "asr-omni": 1}
	})
	owner := testOwner("alice")
	job := env.createNMTJob(owner, 3, 5, "https://hooks.example.com/done")
	ctx := t.Context()

	running := env.claim("w1/0")
	require.NotNil(t, running)

	cancelled, err := env.jobs.CancelJob(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.False(t, cancelled.Status.Terminal(), "running task keeps the job open")
	assert.Equal(t, 2, cancelled.FailedTasks)
	assert.Zero(t, env.dispatcher.Stats()["nmt-cpu"].Queued)

	lease, err := env.scheduler.RenewLease(ctx, running.ID, "w1/0")
	require.NoError(t, err)
	assert.True(t, lease.CancelRequested)

	// A successful report after cancellation is discarded.
	require.NoError(t, env.scheduler.ReportOutcome(ctx, running.ID, "w1/0", success("results/x.json")))
	task := env.getTask(running.ID)
	assert.Equal(t, core.TaskStatusFailed, task.Status)
	assert.Empty(t, task.ResultRef)
	assert.Equal(t, core.ErrorKindCancelled, task.ErrorKind)

	final := env.getJob(job.ID)
	assert.Equal(t, core.JobStatusFailed, final.Status)
	assert.Equal(t, 3, final.FailedTasks)
	assert.Len(t, env.observer.finished(), 1)

	d, err := env.store.GetDelivery(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.DeliveryStatePending, d.State)

	// Cancelling a finished job is a no-op.
	again, err := env.jobs.CancelJob(ctx, owner, job.ID)
	require.NoError(t, err)
	assert.Equal(t, core.JobStatusFailed, again.Status)
	assert.Len(t, env.observer.finished(), 1)
}

func TestCancelJob_NotFoundForOtherOwner(t *testing.T) {
	env := newTestEnv(t)
	job := env.createNMTJob(testOwner("alice"), 1, 5, "")

	_, err := env.jobs.CancelJob(t.Context(), testOwner("bob"), job.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	assert.Equal(t, core.JobStatusQueued, env.getJob(job.ID).Status)
}

func TestCancelOverdueJobs(t *testing.T) {
	env := newTestEnv(t)
	owner := testOwner("alice")
	ctx := t.Context()

	job, err := env.jobs.CreateJob(ctx, owner, core.CreateJobRequest{
		Type:    core.JobTypeNMT,
		SrcLang: "hi",
		TgtLang: "en",
		Timeout: time.Minute,
		Items:   []core.JobItem{{Text: "a"}, {Text: "b"}},
	})
	require.NoError(t, err)
	require.NotNil(t, job.Deadline)
	untimed := env.createNMTJob(owner, 1, 5, "")

	n, err := env.jobs.CancelOverdueJobs(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.advance(2 * time.Minute)
	n, err = env.jobs.CancelOverdueJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := env.getJob(job.ID)
	assert.Equal(t, core.JobStatusFailed, got.Status)
	assert.Equal(t, "timeout", got.CancelReason)
	assert.Equal(t, core.JobStatusQueued, env.getJob(untimed.ID).Status)
}

func TestPurgeJobs(t *testing.T) {
	env := newTestEnv(t)
	owner := testOwner("alice")
	ctx := t.Context()

	done := env.createNMTJob(owner, 1, 5, "")
	task := env.claim("w1/0")
	require.NoError(t, env.scheduler.ReportOutcome(ctx, task.ID, "w1/0", success("r")))
	open := env.createNMTJob(owner, 1, 5, "")

	n, err := env.jobs.PurgeJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	env.clock.advance(2 * time.Hour)
	n, err = env.jobs.PurgeJobs(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = env.store.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, core.ErrNotFound)
	_, err = env.store.GetJob(ctx, open.ID)
	assert.NoError(t, err)

	n, err = env.jobs.PurgeJobs(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, n)
}
