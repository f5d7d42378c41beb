package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

const cancelReasonTimeout = "timeout"

type JobManagerConfig struct {
	MaxItems       int
	DefaultTimeout time.Duration
	AttemptLimit   int
	UploadTTL      time.Duration
	ConfirmGrace   time.Duration
}

// JobManager implements the caller-facing job API on top of the job store
// and the scheduler.
type JobManager struct {
	store     core.JobStore
	scheduler *Scheduler
	storage   core.ObjectStorage
	router    *core.ClassRouter
	admission core.Admission
	cfg       JobManagerConfig

	now    func() time.Time
	logger logging.Logger
}

var _ core.JobService = (*JobManager)(nil)

func NewJobManager(
	store core.JobStore,
	scheduler *Scheduler,
	storage core.ObjectStorage,
	router *core.ClassRouter,
	admission core.Admission,
	cfg JobManagerConfig,
	logger logging.Logger,
) *JobManager {
	if cfg.MaxItems <= 0 {
		cfg.MaxItems = 1000
	}
	if cfg.AttemptLimit <= 0 {
		cfg.AttemptLimit = 3
	}
	return &JobManager{
		store:     store,
		scheduler: scheduler,
		storage:   storage,
		router:    router,
		admission: admission,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}
}

// admit runs the rate limiter and the scope check. Both happen before the
// request is looked at any further.
func (m *JobManager) admit(owner *core.Identity, jobType core.JobType) error {
	if owner == nil {
		return core.ErrUnauthenticated
	}
	if m.admission != nil {
		if err := m.admission.Admit(owner); err != nil {
			return err
		}
	}
	if !jobType.Valid() {
		return core.NewValidationError("type", "unknown job type %q", jobType)
	}
	if !owner.Allows(jobType) {
		return fmt.Errorf("%w: job type %s not in scope", core.ErrForbidden, jobType)
	}
	return nil
}

func (m *JobManager) CreateJob(ctx context.Context, owner *core.Identity, req core.CreateJobRequest) (*core.Job, error) {
	if err := m.admit(owner, req.Type); err != nil {
		return nil, err
	}
	job, err := m.newJob(owner, req.Type, req.Priority, req.CallbackURL, req.Metadata, req.SrcLang, req.TgtLang, req.Timeout)
	if err != nil {
		return nil, err
	}
	if n := len(req.Items); n == 0 || n > m.cfg.MaxItems {
		return nil, core.NewValidationError("items", "must contain between 1 and %d items", m.cfg.MaxItems)
	}

	// Inline audio is decoded only for admitted callers.
	items := slices.Clone(req.Items)
	tasks := make([]*core.Task, 0, len(items))
	for i := range items {
		if b64 := items[i].AudioB64; b64 != "" {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, core.NewValidationError(fmt.Sprintf("items[%d].audio_b64", i), "is not valid base64")
			}
			items[i].AudioData = data
		}
		task, err := m.newTask(job, items[i], i)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}

	// Inline audio goes to storage before the job becomes visible.
	for i, item := range items {
		if len(item.AudioData) == 0 {
			continue
		}
		p := core.InputPath(job.ID, tasks[i].ID)
		if err := m.storage.Write(ctx, p, item.AudioData); err != nil {
			return nil, fmt.Errorf("storing inline audio for item %d: %w", i, err)
		}
		tasks[i].Input = core.TaskInput{Kind: core.InputKindStorage, StoragePath: p}
	}

	job.TotalTasks = len(tasks)
	job.Status = core.DeriveJobStatus(job.TotalTasks, 0, 0, false)
	if err := m.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, err
	}

	m.logger.Info(
		"Job created",
		"job_id", job.ID,
		"owner", job.Owner,
		"type", job.Type,
		"tasks", len(tasks),
		"priority", job.Priority,
	)

	ids := make([]uuid.UUID, 0, len(tasks))
	for _, t := range tasks {
		ids = append(ids, t.ID)
	}
	if err := m.scheduler.Enqueue(ctx, ids); err != nil {
		// The tasks stay pending and are picked up on the next recovery.
		m.logger.Error("Failed to enqueue tasks", "job_id", job.ID, "error", err)
	}
	return job, nil
}

// newJob validates the job-level fields shared by create and reserve.
func (m *JobManager) newJob(
	owner *core.Identity,
	jobType core.JobType,
	priority int,
	callbackURL string,
	metadata map[string]any,
	srcLang, tgtLang string,
	timeout time.Duration,
) (*core.Job, error) {
	if priority == 0 {
		priority = core.DefaultPriority
	}
	if priority < core.MinPriority || priority > core.MaxPriority {
		return nil, core.NewValidationError("priority", "must be between %d and %d", core.MinPriority, core.MaxPriority)
	}
	if callbackURL != "" {
		if err := validateCallbackURL(callbackURL); err != nil {
			return nil, err
		}
	}
	src, err := normalizeLanguage("src_lang", srcLang)
	if err != nil {
		return nil, err
	}
	tgt, err := normalizeLanguage("tgt_lang", tgtLang)
	if err != nil {
		return nil, err
	}
	if timeout < 0 {
		return nil, core.NewValidationError("timeout_seconds", "must not be negative")
	}
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}

	now := m.now()
	job := &core.Job{
		ID:          uuid.New(),
		Owner:       owner.ID,
		Type:        jobType,
		Priority:    priority,
		CallbackURL: callbackURL,
		Metadata:    metadata,
		SrcLang:     src,
		TgtLang:     tgt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if timeout > 0 {
		deadline := now.Add(timeout)
		job.Deadline = &deadline
	}
	return job, nil
}

func (m *JobManager) newTask(job *core.Job, item core.JobItem, index int) (*core.Task, error) {
	field := func(name string) string { return fmt.Sprintf("items[%d].%s", index, name) }

	src, err := normalizeLanguage(field("src_lang"), item.SrcLang)
	if err != nil {
		return nil, err
	}
	if src == "" {
		src = job.SrcLang
	}
	tgt, err := normalizeLanguage(field("tgt_lang"), item.TgtLang)
	if err != nil {
		return nil, err
	}
	if tgt == "" {
		tgt = job.TgtLang
	}

	var input core.TaskInput
	switch {
	case job.Type.NeedsAudio():
		hasURL, hasData := item.AudioURL != "", len(item.AudioData) > 0
		if hasURL == hasData {
			return nil, core.NewValidationError(field("audio"), "exactly one of audio_url or audio_b64 is required")
		}
		if hasURL {
			if err := validateHTTPURL(field("audio_url"), item.AudioURL); err != nil {
				return nil, err
			}
			input = core.TaskInput{Kind: core.InputKindURL, URL: item.AudioURL}
		}
	default:
		if item.Text == "" {
			return nil, core.NewValidationError(field("text"), "is required for %s jobs", job.Type)
		}
		if src == "" {
			return nil, core.NewValidationError(field("src_lang"), "is required for %s jobs", job.Type)
		}
		input = core.TaskInput{Kind: core.InputKindText, Text: item.Text}
	}
	if job.Type.NeedsTarget() && tgt == "" {
		return nil, core.NewValidationError(field("tgt_lang"), "is required for %s jobs", job.Type)
	}

	return &core.Task{
		ID:            uuid.New(),
		JobID:         job.ID,
		ExternalID:    item.ExternalID,
		JobType:       job.Type,
		Input:         input,
		SrcLang:       src,
		TgtLang:       tgt,
		ResourceClass: m.router.Route(job.Type, src),
		Priority:      job.Priority,
		Status:        core.TaskStatusPending,
		MaxAttempts:   m.cfg.AttemptLimit,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.CreatedAt,
	}, nil
}

// ownedJob loads a job and hides it from anyone but its owner.
func (m *JobManager) ownedJob(ctx context.Context, owner *core.Identity, id uuid.UUID) (*core.Job, error) {
	if owner == nil {
		return nil, core.ErrUnauthenticated
	}
	job, err := m.store.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Owner != owner.ID {
		return nil, fmt.Errorf("job %s: %w", id, core.ErrNotFound)
	}
	return job, nil
}

func (m *JobManager) GetJob(ctx context.Context, owner *core.Identity, id uuid.UUID) (*core.JobView, error) {
	job, err := m.ownedJob(ctx, owner, id)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.ListTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	return &core.JobView{Job: job, Tasks: tasks}, nil
}

func (m *JobManager) ListJobs(ctx context.Context, owner *core.Identity, filter core.JobFilter) ([]*core.Job, int, error) {
	if owner == nil {
		return nil, 0, core.ErrUnauthenticated
	}
	filter.Owner = owner.ID
	return m.store.ListJobs(ctx, filter)
}

func (m *JobManager) CancelJob(ctx context.Context, owner *core.Identity, id uuid.UUID) (*core.Job, error) {
	if _, err := m.ownedJob(ctx, owner, id); err != nil {
		return nil, err
	}
	return m.cancel(ctx, id, "cancelled by owner")
}

func (m *JobManager) cancel(ctx context.Context, id uuid.UUID, reason string) (*core.Job, error) {
	tr, err := m.store.CancelJob(ctx, id, reason, m.now())
	if err != nil {
		return nil, err
	}
	if tr.Applied {
		m.logger.Info("Job cancelled", "job_id", id, "reason", reason, "failed_tasks", len(tr.Tasks), "finished", tr.JobFinished)
		if err := m.scheduler.settle(ctx, tr); err != nil {
			m.logger.Error("Failed to settle cancellation", "job_id", id, "error", err)
		}
	}
	return tr.Job, nil
}

// CancelOverdueJobs cancels every non-terminal job past its deadline.
func (m *JobManager) CancelOverdueJobs(ctx context.Context) (int, error) {
	now := m.now()
	jobs, _, err := m.store.ListJobs(ctx, core.JobFilter{DeadlineBefore: &now})
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, job := range jobs {
		if _, err := m.cancel(ctx, job.ID, cancelReasonTimeout); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

// PurgeJobs deletes terminal jobs that finished more than retention ago.
func (m *JobManager) PurgeJobs(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := m.now().Add(-retention)
	jobs, _, err := m.store.ListJobs(ctx, core.JobFilter{FinishedBefore: &cutoff})
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, job := range jobs {
		if err := m.store.DeleteJob(ctx, job.ID); err != nil && !errors.Is(err, core.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		n++
	}
	if n > 0 {
		m.logger.Info("Purged finished jobs", "count", n, "before", cutoff)
	}
	return n, errors.Join(errs...)
}

func normalizeLanguage(field, lang string) (string, error) {
	if lang == "" {
		return "", nil
	}
	norm := core.NormalizeLanguage(lang)
	if !core.IsSupportedLanguage(norm) {
		return "", core.NewValidationError(field, "unsupported language %q", lang)
	}
	return norm, nil
}

func validateCallbackURL(raw string) error {
	return validateHTTPURL("callback_url", raw)
}

func validateHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return core.NewValidationError(field, "must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return core.NewValidationError(field, "scheme must be http or https")
	}
	return nil
}
