package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/config"
	"github.com/nemanja-m/voxq/internal/shared/logging"
)

// errConflict means a conditional write lost a race. The whole transaction
// is retried from a fresh read.
var errConflict = errors.New("concurrent update")

// OpenDB connects to the configured database. SQLite goes through the
// pure-Go modernc driver and is limited to a single connection so that
// transactions serialize.
func OpenDB(cfg config.DatabaseConfig, log logging.Logger) (*gorm.DB, error) {
	var dia gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dia = postgres.Open(cfg.DSN)
	case "sqlite":
		dia = sqlite.New(sqlite.Config{DriverName: "sqlite", DSN: cfg.DSN})
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	gormLogger := logger.New(
		&gormWriter{log: log},
		logger.Config{
			SlowThreshold:             cfg.SlowThreshold,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to configure connections: %w", err)
	}
	if cfg.Driver == "sqlite" {
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	return db, nil
}

type gormWriter struct {
	log logging.Logger
}

func (w *gormWriter) Printf(format string, args ...any) {
	w.log.Warn("Database", "detail", fmt.Sprintf(format, args...))
}

// GormStore implements JobStore, DeliveryStore and IdentityStore on a SQL
// database.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&jobRow{}, &taskRow{}, &deliveryRow{}, &identityRow{})
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) CreateJob(ctx context.Context, job *core.Job, tasks []*core.Task) error {
	rows := make([]*taskRow, 0, len(tasks))
	for _, t := range tasks {
		if t.JobID != job.ID {
			return fmt.Errorf("task %s does not belong to job %s", t.ID, job.ID)
		}
		row, err := newTaskRow(t)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newJobRow(job)).Error; err != nil {
			return fmt.Errorf("creating job: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 200).Error; err != nil {
			return fmt.Errorf("creating tasks: %w", err)
		}
		return nil
	})
}

func (s *GormStore) GetJob(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	var row jobRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "job %s", id)
	}
	return row.toCore(), nil
}

func (s *GormStore) ListJobs(ctx context.Context, filter core.JobFilter) ([]*core.Job, int, error) {
	q := s.db.WithContext(ctx).Model(&jobRow{})
	if filter.Owner != "" {
		q = q.Where("owner = ?", filter.Owner)
	}
	if filter.Status != nil {
		q = q.Where("status = ?", string(*filter.Status))
	}
	terminal := []string{
		string(core.JobStatusCompleted),
		string(core.JobStatusPartial),
		string(core.JobStatusFailed),
	}
	if t := filter.ReservationExpiredBefore; t != nil {
		q = q.Where("pending_uploads > 0 AND reservation_expires_at < ?", *t)
	}
	if t := filter.DeadlineBefore; t != nil {
		q = q.Where("deadline < ? AND status NOT IN ?", *t, terminal)
	}
	if t := filter.FinishedBefore; t != nil {
		q = q.Where("completed_at < ? AND status IN ?", *t, terminal)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("counting jobs: %w", err)
	}

	q = q.Order("created_at DESC").Order("id")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}

	var rows []jobRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("listing jobs: %w", err)
	}
	jobs := make([]*core.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toCore())
	}
	return jobs, int(total), nil
}

func (s *GormStore) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("job_id = ?", id).Delete(&taskRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("job_id = ?", id).Delete(&deliveryRow{}).Error; err != nil {
			return err
		}
		res := tx.Where("id = ?", id).Delete(&jobRow{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("job %s: %w", id, core.ErrNotFound)
		}
		return nil
	})
}

func (s *GormStore) GetTask(ctx context.Context, id uuid.UUID) (*core.Task, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "task %s", id)
	}
	return row.toCore()
}

func (s *GormStore) ListTasks(ctx context.Context, jobID uuid.UUID) ([]*core.Task, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&jobRow{}).Where("id = ?", jobID).Count(&count).Error; err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("job %s: %w", jobID, core.ErrNotFound)
	}
	var rows []taskRow
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("created_at").Order("id").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return tasksFromRows(rows)
}

func (s *GormStore) FindTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	q := s.db.WithContext(ctx).Model(&taskRow{})
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		q = q.Where("status IN ?", statuses)
	}
	if filter.LeaseExpiredBefore != nil {
		q = q.Where("lease_expires_at < ?", *filter.LeaseExpiredBefore)
	}
	if filter.LeaseOwnerPrefix != "" {
		q = q.Where("lease_owner LIKE ?", filter.LeaseOwnerPrefix+"%")
	}
	var rows []taskRow
	if err := q.Order("created_at").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("finding tasks: %w", err)
	}
	return tasksFromRows(rows)
}

// jobTx is the state loaded at the start of a mutating transaction.
type jobTx struct {
	tx         *gorm.DB
	job        *core.Job
	jobVersion int64
	tasks      []*core.Task
	versions   map[uuid.UUID]int64
}

func (t *jobTx) task(id uuid.UUID) *core.Task {
	for _, task := range t.tasks {
		if task.ID == id {
			return task
		}
	}
	return nil
}

// saveJob writes the job back if nobody changed it since it was read.
func (t *jobTx) saveJob() error {
	res := t.tx.Model(&jobRow{}).
		Where("id = ? AND version = ?", t.job.ID, t.jobVersion).
		Updates(jobUpdates(t.job, t.jobVersion))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return errConflict
	}
	return nil
}

func (t *jobTx) saveTasks(tasks ...*core.Task) error {
	for _, task := range tasks {
		version := t.versions[task.ID]
		updates, err := taskUpdates(task, version)
		if err != nil {
			return err
		}
		res := t.tx.Model(&taskRow{}).
			Where("id = ? AND version = ?", task.ID, version).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errConflict
		}
	}
	return nil
}

func (t *jobTx) recordDelivery(now time.Time) error {
	d, err := core.NewDelivery(t.job, now)
	if err != nil || d == nil {
		return err
	}
	return t.tx.Clauses(clause.OnConflict{DoNothing: true}).Create(newDeliveryRow(d)).Error
}

// withJob runs fn inside a transaction holding the job row and either all of
// its tasks or only taskID. Conflicting writes restart the transaction.
func (s *GormStore) withJob(ctx context.Context, jobID uuid.UUID, taskID *uuid.UUID, fn func(*jobTx) error) error {
	backoff := retry.WithMaxRetries(8, retry.WithCappedDuration(100*time.Millisecond, retry.NewExponential(2*time.Millisecond)))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var jr jobRow
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&jr, "id = ?", jobID).Error; err != nil {
				return notFound(err, "job %s", jobID)
			}

			q := tx.Where("job_id = ?", jobID)
			if taskID != nil {
				q = q.Where("id = ?", *taskID)
			}
			var rows []taskRow
			if err := q.Order("created_at").Order("id").Find(&rows).Error; err != nil {
				return err
			}
			tasks, err := tasksFromRows(rows)
			if err != nil {
				return err
			}
			versions := make(map[uuid.UUID]int64, len(rows))
			for _, r := range rows {
				versions[r.ID] = r.Version
			}

			return fn(&jobTx{
				tx:         tx,
				job:        jr.toCore(),
				jobVersion: jr.Version,
				tasks:      tasks,
				versions:   versions,
			})
		})
		if errors.Is(err, errConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *GormStore) jobOfTask(ctx context.Context, taskID uuid.UUID) (uuid.UUID, error) {
	var row taskRow
	if err := s.db.WithContext(ctx).Select("id", "job_id").First(&row, "id = ?", taskID).Error; err != nil {
		return uuid.Nil, notFound(err, "task %s", taskID)
	}
	return row.JobID, nil
}

// withTask is withJob scoped to a single task.
func (s *GormStore) withTask(ctx context.Context, taskID uuid.UUID, fn func(*jobTx, *core.Task) error) error {
	jobID, err := s.jobOfTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.withJob(ctx, jobID, &taskID, func(t *jobTx) error {
		task := t.task(taskID)
		if task == nil {
			return fmt.Errorf("task %s: %w", taskID, core.ErrNotFound)
		}
		return fn(t, task)
	})
}

func (s *GormStore) ActivateTasks(
	ctx context.Context,
	jobID uuid.UUID,
	activations []core.TaskActivation,
	now time.Time,
) ([]*core.Task, error) {
	var activated []*core.Task
	err := s.withJob(ctx, jobID, nil, func(t *jobTx) error {
		activated = nil
		if t.job.Status.Terminal() {
			return core.ErrJobCancelled
		}
		if !reservationOpen(t.job, now) {
			return core.ErrReservationExpired
		}
		for _, act := range activations {
			task := t.task(act.TaskID)
			if task == nil {
				return fmt.Errorf("task %s: %w", act.TaskID, core.ErrNotFound)
			}
			if activateTask(t.job, task, act, now) {
				activated = append(activated, task)
			}
		}
		if len(activated) == 0 {
			return nil
		}
		if err := t.saveTasks(activated...); err != nil {
			return err
		}
		return t.saveJob()
	})
	if err != nil {
		return nil, err
	}
	return activated, nil
}

func (s *GormStore) MarkQueued(ctx context.Context, taskIDs []uuid.UUID, now time.Time) ([]*core.Task, error) {
	var moved []*core.Task
	for _, id := range taskIDs {
		res := s.db.WithContext(ctx).Model(&taskRow{}).
			Where("id = ? AND status = ?", id, string(core.TaskStatusPending)).
			Updates(map[string]any{
				"status":      string(core.TaskStatusQueued),
				"enqueued_at": now,
				"updated_at":  now,
				"version":     gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return moved, fmt.Errorf("queueing task %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			continue
		}
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return moved, err
		}
		moved = append(moved, task)
	}
	return moved, nil
}

func (s *GormStore) ClaimTask(
	ctx context.Context,
	taskID uuid.UUID,
	owner string,
	leaseUntil, now time.Time,
) (*core.Task, error) {
	var claimed *core.Task
	err := s.withTask(ctx, taskID, func(t *jobTx, task *core.Task) error {
		firstStart := t.job.StartedAt == nil
		if err := claimTask(t.job, task, owner, leaseUntil, now); err != nil {
			return err
		}
		if err := t.saveTasks(task); err != nil {
			return err
		}
		claimed = task
		if firstStart {
			return t.saveJob()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *GormStore) RenewLease(
	ctx context.Context,
	taskID uuid.UUID,
	owner string,
	leaseUntil time.Time,
) (*core.Task, error) {
	res := s.db.WithContext(ctx).Model(&taskRow{}).
		Where("id = ? AND status = ? AND lease_owner = ?", taskID, string(core.TaskStatusRunning), owner).
		Update("lease_expires_at", leaseUntil)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, core.ErrLeaseLost
	}
	return s.GetTask(ctx, taskID)
}

func (s *GormStore) CompleteTask(
	ctx context.Context,
	taskID uuid.UUID,
	owner string,
	outcome core.TaskOutcome,
	now time.Time,
) (*core.Transition, error) {
	var transition *core.Transition
	err := s.withTask(ctx, taskID, func(t *jobTx, task *core.Task) error {
		if task.Status != core.TaskStatusRunning || task.LeaseOwner != owner {
			transition = &core.Transition{Job: t.job, Task: task}
			return nil
		}
		requeued, finished := completeTask(t.job, task, outcome, now)
		if err := t.saveTasks(task); err != nil {
			return err
		}
		if err := t.saveJob(); err != nil {
			return err
		}
		if finished {
			if err := t.recordDelivery(now); err != nil {
				return err
			}
		}
		transition = &core.Transition{
			Job:         t.job,
			Task:        task,
			Applied:     true,
			Requeued:    requeued,
			JobFinished: finished,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transition, nil
}

func (s *GormStore) ExpireLease(
	ctx context.Context,
	taskID uuid.UUID,
	deadline time.Time,
	now time.Time,
) (*core.Transition, error) {
	var transition *core.Transition
	err := s.withTask(ctx, taskID, func(t *jobTx, task *core.Task) error {
		if task.Status != core.TaskStatusRunning || task.LeaseExpiresAt == nil || !task.LeaseExpiresAt.Equal(deadline) {
			transition = &core.Transition{Job: t.job, Task: task}
			return nil
		}
		requeued, finished := expireLease(t.job, task, now)
		if err := t.saveTasks(task); err != nil {
			return err
		}
		if err := t.saveJob(); err != nil {
			return err
		}
		if finished {
			if err := t.recordDelivery(now); err != nil {
				return err
			}
		}
		transition = &core.Transition{
			Job:         t.job,
			Task:        task,
			Applied:     true,
			Requeued:    requeued,
			JobFinished: finished,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transition, nil
}

func (s *GormStore) CancelJob(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) (*core.Transition, error) {
	var transition *core.Transition
	err := s.withJob(ctx, jobID, nil, func(t *jobTx) error {
		if t.job.Status.Terminal() {
			transition = &core.Transition{Job: t.job}
			return nil
		}
		failed, flagged, finished := cancelTasks(t.job, t.tasks, reason, now)
		if err := t.saveTasks(append(failed, flagged...)...); err != nil {
			return err
		}
		if err := t.saveJob(); err != nil {
			return err
		}
		if finished {
			if err := t.recordDelivery(now); err != nil {
				return err
			}
		}
		transition = &core.Transition{
			Job:         t.job,
			Tasks:       failed,
			Applied:     true,
			JobFinished: finished,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transition, nil
}

func (s *GormStore) ExpireReservation(ctx context.Context, jobID uuid.UUID, now time.Time) (*core.Transition, error) {
	var transition *core.Transition
	err := s.withJob(ctx, jobID, nil, func(t *jobTx) error {
		if t.job.PendingUploads == 0 || reservationOpen(t.job, now) {
			transition = &core.Transition{Job: t.job}
			return nil
		}
		dropped, finished := dropUploads(t.job, t.tasks, now)
		if len(dropped) > 0 {
			ids := make([]uuid.UUID, 0, len(dropped))
			for _, task := range dropped {
				ids = append(ids, task.ID)
			}
			res := t.tx.Where("id IN ? AND status = ?", ids, string(core.TaskStatusAwaitingUpload)).Delete(&taskRow{})
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected != int64(len(ids)) {
				return errConflict
			}
		}
		if err := t.saveJob(); err != nil {
			return err
		}
		if finished {
			if err := t.recordDelivery(now); err != nil {
				return err
			}
		}
		transition = &core.Transition{
			Job:         t.job,
			Tasks:       dropped,
			Applied:     true,
			JobFinished: finished,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return transition, nil
}

func (s *GormStore) GetDelivery(ctx context.Context, jobID uuid.UUID) (*core.Delivery, error) {
	var row deliveryRow
	if err := s.db.WithContext(ctx).First(&row, "job_id = ?", jobID).Error; err != nil {
		return nil, notFound(err, "delivery for job %s", jobID)
	}
	return row.toCore(), nil
}

func (s *GormStore) ListPendingDeliveries(ctx context.Context, limit int) ([]*core.Delivery, error) {
	q := s.db.WithContext(ctx).Where("state = ?", string(core.DeliveryStatePending)).Order("created_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []deliveryRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	out := make([]*core.Delivery, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toCore())
	}
	return out, nil
}

func (s *GormStore) RecordDeliveryAttempt(
	ctx context.Context,
	jobID uuid.UUID,
	statusCode int,
	errMsg string,
	now time.Time,
) error {
	res := s.db.WithContext(ctx).Model(&deliveryRow{}).
		Where("job_id = ?", jobID).
		Updates(map[string]any{
			"attempts":         gorm.Expr("attempts + 1"),
			"last_status_code": statusCode,
			"last_error":       errMsg,
			"updated_at":       now,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delivery for job %s: %w", jobID, core.ErrNotFound)
	}
	return nil
}

func (s *GormStore) FinishDelivery(ctx context.Context, jobID uuid.UUID, state core.DeliveryState, now time.Time) error {
	updates := map[string]any{
		"state":      string(state),
		"updated_at": now,
	}
	if state == core.DeliveryStateDelivered {
		updates["delivered_at"] = now
	}
	res := s.db.WithContext(ctx).Model(&deliveryRow{}).Where("job_id = ?", jobID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delivery for job %s: %w", jobID, core.ErrNotFound)
	}
	return nil
}

func (s *GormStore) GetIdentityByPrefix(ctx context.Context, prefix string) (*core.Identity, error) {
	var row identityRow
	if err := s.db.WithContext(ctx).First(&row, "key_prefix = ?", prefix).Error; err != nil {
		return nil, notFound(err, "identity %q", prefix)
	}
	return row.toCore(), nil
}

func (s *GormStore) SaveIdentity(ctx context.Context, identity *core.Identity) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(newIdentityRow(identity)).Error
}

func tasksFromRows(rows []taskRow) ([]*core.Task, error) {
	tasks := make([]*core.Task, 0, len(rows))
	for i := range rows {
		t, err := rows[i].toCore()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, core.ErrNotFound)...)
	}
	return err
}
