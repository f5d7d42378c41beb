package service

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/coordinator/storage"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/objectstore"
)

type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, msg)
}

func (l *testLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *testLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *testLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *testLogger) Error(msg string, args ...any) { l.record(msg) }
func (l *testLogger) Fatal(msg string, args ...any) { l.record(msg) }
func (l *testLogger) With(args ...any) logging.Logger {
	return l
}

func (l *testLogger) getMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string{}, l.messages...)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// recordingObserver keeps every transition and forwards it to next.
type recordingObserver struct {
	mu          sync.Mutex
	transitions []*core.Transition
	next        core.CompletionObserver
}

func (o *recordingObserver) Observe(tr *core.Transition) {
	o.mu.Lock()
	o.transitions = append(o.transitions, tr)
	o.mu.Unlock()
	if o.next != nil {
		o.next.Observe(tr)
	}
}

func (o *recordingObserver) finished() []*core.Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []*core.Transition
	for _, tr := range o.transitions {
		if tr.JobFinished {
			out = append(out, tr)
		}
	}
	return out
}

type admitFunc func(*core.Identity) error

func (f admitFunc) Admit(id *core.Identity) error { return f(id) }

var allScopes = []core.JobType{core.JobTypeASR, core.JobTypeNMT, core.JobTypeASRNMT}

func testOwner(id string) *core.Identity {
	return &core.Identity{ID: id, Name: id, Active: true, Scopes: allScopes}
}

type envConfig struct {
	budgets   map[core.ResourceClass]int
	admission core.Admission
	jobs      JobManagerConfig
	lease     time.Duration
}

type testEnv struct {
	t          *testing.T
	clock      *testClock
	store      *storage.InMemoryJobStore
	objects    *objectstore.Memory
	dispatcher *Dispatcher
	observer   *recordingObserver
	scheduler  *Scheduler
	jobs       *JobManager
	logger     *testLogger
}

func newTestEnv(t *testing.T, opts ...func(*envConfig)) *testEnv {
	t.Helper()
	cfg := envConfig{
		budgets: map[core.ResourceClass]int{
			"asr-whisper": 2,
			"asr-omni":    1,
			"nmt-cpu":     2,
		},
		jobs: JobManagerConfig{
			MaxItems:     10,
			AttemptLimit: 3,
			UploadTTL:    15 * time.Minute,
			ConfirmGrace: 5 * time.Minute,
		},
		lease: time.Minute,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	clock := newTestClock()
	logger := &testLogger{}
	d, err := NewDispatcher(cfg.budgets, WithQueueOptions(core.WithClock(clock.now)))
	require.NoError(t, err)

	store := storage.NewInMemoryJobStore()
	objects := objectstore.NewMemory()
	observer := &recordingObserver{}
	sched := NewScheduler(store, d, observer, cfg.lease, logger)
	sched.now = clock.now
	router := core.NewClassRouter("nmt-cpu", "asr-whisper", "asr-omni", []string{"en", "hi"})
	jobs := NewJobManager(store, sched, objects, router, cfg.admission, cfg.jobs, logger)
	jobs.now = clock.now

	return &testEnv{
		t:          t,
		clock:      clock,
		store:      store,
		objects:    objects,
		dispatcher: d,
		observer:   observer,
		scheduler:  sched,
		jobs:       jobs,
		logger:     logger,
	}
}

// createNMTJob submits n text items routed to nmt-cpu.
func (e *testEnv) createNMTJob(owner *core.Identity, n, priority int, callback string) *core.Job {
	e.t.Helper()
	items := make([]core.JobItem, n)
	for i := range items {
		items[i] = core.JobItem{Text: "namaste"}
	}
	job, err := e.jobs.CreateJob(e.t.Context(), owner, core.CreateJobRequest{
		Type:        core.JobTypeNMT,
		Items:       items,
		Priority:    priority,
		CallbackURL: callback,
		SrcLang:     "hi",
		TgtLang:     "en",
	})
	require.NoError(e.t, err)
	return job
}

func (e *testEnv) claim(owner string) *core.Task {
	e.t.Helper()
	task, err := e.scheduler.ClaimTask(e.t.Context(), owner, []string{"*"})
	require.NoError(e.t, err)
	return task
}

func (e *testEnv) getJob(id uuid.UUID) *core.Job {
	e.t.Helper()
	job, err := e.store.GetJob(e.t.Context(), id)
	require.NoError(e.t, err)
	return job
}

func (e *testEnv) getTask(id uuid.UUID) *core.Task {
	e.t.Helper()
	task, err := e.store.GetTask(e.t.Context(), id)
	require.NoError(e.t, err)
	return task
}

func success(ref string) core.TaskOutcome {
	return core.TaskOutcome{
		Success:   true,
		ResultRef: ref,
		Result:    &core.TaskResult{Translation: "hello"},
		ModelUsed: "indictrans2",
	}
}

func failure(kind core.ErrorKind, msg string) core.TaskOutcome {
	return core.TaskOutcome{Error: msg, Kind: kind}
}
