package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// ReserveUploads creates a job whose tasks wait for their audio to be
// uploaded straight to storage. Nothing is dispatched until ConfirmUploads.
func (m *JobManager) ReserveUploads(ctx context.Context, owner *core.Identity, req core.ReserveRequest) (*core.Reservation, error) {
	if err := m.admit(owner, req.Type); err != nil {
		return nil, err
	}
	if !req.Type.NeedsAudio() {
		return nil, core.NewValidationError("type", "uploads are only accepted for audio jobs")
	}
	if req.Count < 1 || req.Count > m.cfg.MaxItems {
		return nil, core.NewValidationError("count", "must be between 1 and %d", m.cfg.MaxItems)
	}
	job, err := m.newJob(owner, req.Type, req.Priority, req.CallbackURL, req.Metadata, req.SrcLang, req.TgtLang, req.Timeout)
	if err != nil {
		return nil, err
	}
	if req.Type.NeedsTarget() && job.TgtLang == "" {
		return nil, core.NewValidationError("tgt_lang", "is required for %s jobs", req.Type)
	}

	expires := job.CreatedAt.Add(m.cfg.UploadTTL + m.cfg.ConfirmGrace)
	job.ReservationExpiresAt = &expires
	job.TotalTasks = req.Count
	job.PendingUploads = req.Count
	job.Status = core.DeriveJobStatus(job.TotalTasks, 0, 0, false)

	tasks := make([]*core.Task, 0, req.Count)
	slots := make([]core.UploadSlot, 0, req.Count)
	for i := 0; i < req.Count; i++ {
		id := uuid.New()
		p := core.UploadPath(job.ID, id)
		cred, err := m.storage.ReserveUpload(ctx, p, m.cfg.UploadTTL)
		if err != nil {
			return nil, fmt.Errorf("reserving upload: %w", err)
		}
		tasks = append(tasks, &core.Task{
			ID:            id,
			JobID:         job.ID,
			JobType:       job.Type,
			Input:         core.TaskInput{Kind: core.InputKindStorage, StoragePath: p},
			SrcLang:       job.SrcLang,
			TgtLang:       job.TgtLang,
			ResourceClass: m.router.Route(job.Type, job.SrcLang),
			Priority:      job.Priority,
			Status:        core.TaskStatusAwaitingUpload,
			MaxAttempts:   m.cfg.AttemptLimit,
			CreatedAt:     job.CreatedAt,
			UpdatedAt:     job.CreatedAt,
		})
		slots = append(slots, core.UploadSlot{TaskID: id, StoragePath: p, Credential: *cred})
	}

	if err := m.store.CreateJob(ctx, job, tasks); err != nil {
		return nil, err
	}
	m.logger.Info("Uploads reserved", "job_id", job.ID, "owner", job.Owner, "slots", req.Count, "expires_at", expires)
	return &core.Reservation{Job: job, Slots: slots}, nil
}

// ConfirmUploads activates the named upload slots. Every item is checked
// before any task changes state; a single bad item rejects the whole call.
func (m *JobManager) ConfirmUploads(ctx context.Context, owner *core.Identity, jobID uuid.UUID, items []core.ConfirmItem) (*core.Job, error) {
	job, err := m.ownedJob(ctx, owner, jobID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, core.NewValidationError("items", "at least one item is required")
	}
	if job.Status.Terminal() {
		return nil, core.NewValidationError("job_id", "job is already %s", job.Status)
	}
	if job.ReservationExpiresAt == nil {
		return nil, core.NewValidationError("job_id", "job has no upload reservation")
	}
	if !m.now().Before(*job.ReservationExpiresAt) {
		return nil, core.NewValidationError("job_id", "%s", core.ErrReservationExpired)
	}

	tasks, err := m.store.ListTasks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	byID := make(map[uuid.UUID]*core.Task, len(tasks))
	byPath := make(map[string]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
		byPath[t.Input.StoragePath] = t
	}

	seen := make(map[uuid.UUID]struct{}, len(items))
	activations := make([]core.TaskActivation, 0, len(items))
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		task := byID[item.TaskID]
		if task == nil && item.StoragePath != "" {
			task = byPath[item.StoragePath]
		}
		if task == nil || task.Input.Kind != core.InputKindStorage {
			if item.StoragePath == "" {
				return nil, core.NewValidationError(field, "unknown upload slot %s", item.TaskID)
			}
			return nil, core.NewValidationError(field, "unknown upload path %q", item.StoragePath)
		}
		if item.StoragePath != "" && item.StoragePath != task.Input.StoragePath {
			return nil, core.NewValidationError(field, "path %q was not reserved for task %s", item.StoragePath, task.ID)
		}
		if _, dup := seen[task.ID]; dup {
			return nil, core.NewValidationError(field, "task %s confirmed twice", task.ID)
		}
		seen[task.ID] = struct{}{}
		if task.Status != core.TaskStatusAwaitingUpload {
			// Already confirmed by an earlier call.
			continue
		}

		ok, err := m.storage.Exists(ctx, task.Input.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("checking upload %s: %w", task.Input.StoragePath, err)
		}
		if !ok {
			return nil, core.NewValidationError(field, "nothing uploaded at %q", task.Input.StoragePath)
		}

		src, err := normalizeLanguage(field+".src_lang", item.SrcLang)
		if err != nil {
			return nil, err
		}
		tgt, err := normalizeLanguage(field+".tgt_lang", item.TgtLang)
		if err != nil {
			return nil, err
		}
		act := core.TaskActivation{TaskID: task.ID, ExternalID: item.ExternalID, SrcLang: src, TgtLang: tgt}
		if src != "" {
			act.ResourceClass = m.router.Route(job.Type, src)
		}
		activations = append(activations, act)
	}

	if len(activations) > 0 {
		activated, err := m.store.ActivateTasks(ctx, jobID, activations, m.now())
		switch {
		case errors.Is(err, core.ErrReservationExpired):
			return nil, core.NewValidationError("job_id", "%s", core.ErrReservationExpired)
		case errors.Is(err, core.ErrJobCancelled):
			return nil, core.NewValidationError("job_id", "job was cancelled")
		case err != nil:
			return nil, err
		}

		ids := make([]uuid.UUID, 0, len(activated))
		for _, t := range activated {
			ids = append(ids, t.ID)
		}
		if err := m.scheduler.Enqueue(ctx, ids); err != nil {
			m.logger.Error("Failed to enqueue confirmed tasks", "job_id", jobID, "error", err)
		}
		m.logger.Info("Uploads confirmed", "job_id", jobID, "confirmed", len(activated))
	}

	return m.store.GetJob(ctx, jobID)
}

// ExpireReservations drops unconfirmed slots of every job whose reservation
// ran out.
func (m *JobManager) ExpireReservations(ctx context.Context) (int, error) {
	now := m.now()
	jobs, _, err := m.store.ListJobs(ctx, core.JobFilter{ReservationExpiredBefore: &now})
	if err != nil {
		return 0, err
	}
	var (
		n    int
		errs []error
	)
	for _, job := range jobs {
		tr, err := m.store.ExpireReservation(ctx, job.ID, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !tr.Applied {
			continue
		}
		n++
		m.logger.Info(
			"Reservation expired",
			"job_id", job.ID,
			"dropped", len(tr.Tasks),
			"total_tasks", tr.Job.TotalTasks,
			"status", tr.Job.Status,
		)
		if err := m.scheduler.settle(ctx, tr); err != nil {
			errs = append(errs, err)
		}
	}
	return n, errors.Join(errs...)
}
