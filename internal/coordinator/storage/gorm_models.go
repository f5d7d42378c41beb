package storage

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// Every mutable row carries a version column. Writes are conditional on the
// version read in the same transaction, which makes each update a
// compare-and-swap.

type jobRow struct {
	ID          uuid.UUID      `gorm:"type:uuid;primaryKey"`
	Owner       string         `gorm:"index;not null"`
	Type        string         `gorm:"not null"`
	Status      string         `gorm:"index;not null"`
	Priority    int            `gorm:"not null"`
	CallbackURL string
	Metadata    map[string]any `gorm:"serializer:json"`
	SrcLang     string
	TgtLang     string

	TotalTasks     int `gorm:"not null"`
	CompletedTasks int `gorm:"not null"`
	FailedTasks    int `gorm:"not null"`
	PendingUploads int `gorm:"not null"`

	ReservationExpiresAt *time.Time `gorm:"index"`
	Deadline             *time.Time `gorm:"index"`
	CancelReason         string

	CreatedAt   time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
	StartedAt   *time.Time
	CompletedAt *time.Time `gorm:"index"`

	Version int64 `gorm:"not null;default:1"`
}

func (jobRow) TableName() string {
	return "jobs"
}

type taskRow struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey"`
	JobID      uuid.UUID `gorm:"type:uuid;index;not null"`
	ExternalID string
	JobType    string `gorm:"not null"`

	InputKind     string `gorm:"not null"`
	InputURL      string
	InputText     string
	StoragePath   string
	SrcLang       string
	TgtLang       string
	ResourceClass string `gorm:"index;not null"`
	Priority      int    `gorm:"not null"`
	Status        string `gorm:"index;not null"`

	ResultRef   string
	Result      []byte
	ModelUsed   string
	Error       string
	ErrorKind   string
	Attempt     int `gorm:"not null"`
	MaxAttempts int `gorm:"not null"`

	LeaseOwner      string     `gorm:"index"`
	LeaseExpiresAt  *time.Time `gorm:"index"`
	CancelRequested bool       `gorm:"not null"`

	CreatedAt  time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false"`
	EnqueuedAt *time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time

	Version int64 `gorm:"not null;default:1"`
}

func (taskRow) TableName() string {
	return "tasks"
}

type deliveryRow struct {
	JobID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	URL            string    `gorm:"not null"`
	Payload        []byte    `gorm:"not null"`
	State          string    `gorm:"index;not null"`
	Attempts       int       `gorm:"not null"`
	LastStatusCode int
	LastError      string
	CreatedAt      time.Time `gorm:"index;autoCreateTime:false"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime:false"`
	DeliveredAt    *time.Time
}

func (deliveryRow) TableName() string {
	return "webhook_deliveries"
}

type identityRow struct {
	ID            string `gorm:"primaryKey"`
	Name          string
	KeyPrefix     string   `gorm:"uniqueIndex;not null"`
	KeyHash       string   `gorm:"not null"`
	Scopes        []string `gorm:"serializer:json"`
	QuotaRequests int
	QuotaInterval time.Duration
	QuotaBurst    int
	Active        bool
	ExpiresAt     *time.Time
	CreatedAt     time.Time
}

func (identityRow) TableName() string {
	return "api_identities"
}

func newJobRow(job *core.Job) *jobRow {
	return &jobRow{
		ID:                   job.ID,
		Owner:                job.Owner,
		Type:                 string(job.Type),
		Status:               string(job.Status),
		Priority:             job.Priority,
		CallbackURL:          job.CallbackURL,
		Metadata:             job.Metadata,
		SrcLang:              job.SrcLang,
		TgtLang:              job.TgtLang,
		TotalTasks:           job.TotalTasks,
		CompletedTasks:       job.CompletedTasks,
		FailedTasks:          job.FailedTasks,
		PendingUploads:       job.PendingUploads,
		ReservationExpiresAt: job.ReservationExpiresAt,
		Deadline:             job.Deadline,
		CancelReason:         job.CancelReason,
		CreatedAt:            job.CreatedAt,
		UpdatedAt:            job.UpdatedAt,
		StartedAt:            job.StartedAt,
		CompletedAt:          job.CompletedAt,
		Version:              1,
	}
}

func (r *jobRow) toCore() *core.Job {
	return &core.Job{
		ID:                   r.ID,
		Owner:                r.Owner,
		Type:                 core.JobType(r.Type),
		Status:               core.JobStatus(r.Status),
		Priority:             r.Priority,
		CallbackURL:          r.CallbackURL,
		Metadata:             r.Metadata,
		SrcLang:              r.SrcLang,
		TgtLang:              r.TgtLang,
		TotalTasks:           r.TotalTasks,
		CompletedTasks:       r.CompletedTasks,
		FailedTasks:          r.FailedTasks,
		PendingUploads:       r.PendingUploads,
		ReservationExpiresAt: utcPtr(r.ReservationExpiresAt),
		Deadline:             utcPtr(r.Deadline),
		CancelReason:         r.CancelReason,
		CreatedAt:            r.CreatedAt.UTC(),
		UpdatedAt:            r.UpdatedAt.UTC(),
		StartedAt:            utcPtr(r.StartedAt),
		CompletedAt:          utcPtr(r.CompletedAt),
	}
}

// jobUpdates lists the columns a transition may change. Identity columns and
// metadata are immutable after creation.
func jobUpdates(job *core.Job, version int64) map[string]any {
	return map[string]any{
		"status":          string(job.Status),
		"total_tasks":     job.TotalTasks,
		"completed_tasks": job.CompletedTasks,
		"failed_tasks":    job.FailedTasks,
		"pending_uploads": job.PendingUploads,
		"cancel_reason":   job.CancelReason,
		"updated_at":      job.UpdatedAt,
		"started_at":      job.StartedAt,
		"completed_at":    job.CompletedAt,
		"version":         version + 1,
	}
}

func newTaskRow(task *core.Task) (*taskRow, error) {
	result, err := marshalResult(task.Result)
	if err != nil {
		return nil, err
	}
	return &taskRow{
		ID:              task.ID,
		JobID:           task.JobID,
		ExternalID:      task.ExternalID,
		JobType:         string(task.JobType),
		InputKind:       string(task.Input.Kind),
		InputURL:        task.Input.URL,
		InputText:       task.Input.Text,
		StoragePath:     task.Input.StoragePath,
		SrcLang:         task.SrcLang,
		TgtLang:         task.TgtLang,
		ResourceClass:   string(task.ResourceClass),
		Priority:        task.Priority,
		Status:          string(task.Status),
		ResultRef:       task.ResultRef,
		Result:          result,
		ModelUsed:       task.ModelUsed,
		Error:           task.Error,
		ErrorKind:       string(task.ErrorKind),
		Attempt:         task.Attempt,
		MaxAttempts:     task.MaxAttempts,
		LeaseOwner:      task.LeaseOwner,
		LeaseExpiresAt:  task.LeaseExpiresAt,
		CancelRequested: task.CancelRequested,
		CreatedAt:       task.CreatedAt,
		UpdatedAt:       task.UpdatedAt,
		EnqueuedAt:      task.EnqueuedAt,
		StartedAt:       task.StartedAt,
		EndedAt:         task.EndedAt,
		Version:         1,
	}, nil
}

func (r *taskRow) toCore() (*core.Task, error) {
	var result *core.TaskResult
	if len(r.Result) > 0 {
		result = &core.TaskResult{}
		if err := json.Unmarshal(r.Result, result); err != nil {
			return nil, err
		}
	}
	return &core.Task{
		ID:         r.ID,
		JobID:      r.JobID,
		ExternalID: r.ExternalID,
		JobType:    core.JobType(r.JobType),
		Input: core.TaskInput{
			Kind:        core.InputKind(r.InputKind),
			URL:         r.InputURL,
			Text:        r.InputText,
			StoragePath: r.StoragePath,
		},
		SrcLang:         r.SrcLang,
		TgtLang:         r.TgtLang,
		ResourceClass:   core.ResourceClass(r.ResourceClass),
		Priority:        r.Priority,
		Status:          core.TaskStatus(r.Status),
		ResultRef:       r.ResultRef,
		Result:          result,
		ModelUsed:       r.ModelUsed,
		Error:           r.Error,
		ErrorKind:       core.ErrorKind(r.ErrorKind),
		Attempt:         r.Attempt,
		MaxAttempts:     r.MaxAttempts,
		LeaseOwner:      r.LeaseOwner,
		LeaseExpiresAt:  utcPtr(r.LeaseExpiresAt),
		CancelRequested: r.CancelRequested,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		EnqueuedAt:      utcPtr(r.EnqueuedAt),
		StartedAt:       utcPtr(r.StartedAt),
		EndedAt:         utcPtr(r.EndedAt),
	}, nil
}

func taskUpdates(task *core.Task, version int64) (map[string]any, error) {
	result, err := marshalResult(task.Result)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"external_id":      task.ExternalID,
		"src_lang":         task.SrcLang,
		"tgt_lang":         task.TgtLang,
		"resource_class":   string(task.ResourceClass),
		"status":           string(task.Status),
		"result_ref":       task.ResultRef,
		"result":           result,
		"model_used":       task.ModelUsed,
		"error":            task.Error,
		"error_kind":       string(task.ErrorKind),
		"attempt":          task.Attempt,
		"lease_owner":      task.LeaseOwner,
		"lease_expires_at": task.LeaseExpiresAt,
		"cancel_requested": task.CancelRequested,
		"updated_at":       task.UpdatedAt,
		"enqueued_at":      task.EnqueuedAt,
		"started_at":       task.StartedAt,
		"ended_at":         task.EndedAt,
		"version":          version + 1,
	}, nil
}

func newDeliveryRow(d *core.Delivery) *deliveryRow {
	return &deliveryRow{
		JobID:          d.JobID,
		URL:            d.URL,
		Payload:        d.Payload,
		State:          string(d.State),
		Attempts:       d.Attempts,
		LastStatusCode: d.LastStatusCode,
		LastError:      d.LastError,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		DeliveredAt:    d.DeliveredAt,
	}
}

func (r *deliveryRow) toCore() *core.Delivery {
	return &core.Delivery{
		JobID:          r.JobID,
		URL:            r.URL,
		Payload:        r.Payload,
		State:          core.DeliveryState(r.State),
		Attempts:       r.Attempts,
		LastStatusCode: r.LastStatusCode,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt.UTC(),
		UpdatedAt:      r.UpdatedAt.UTC(),
		DeliveredAt:    utcPtr(r.DeliveredAt),
	}
}

func newIdentityRow(i *core.Identity) *identityRow {
	scopes := make([]string, 0, len(i.Scopes))
	for _, s := range i.Scopes {
		scopes = append(scopes, string(s))
	}
	return &identityRow{
		ID:            i.ID,
		Name:          i.Name,
		KeyPrefix:     i.KeyPrefix,
		KeyHash:       i.KeyHash,
		Scopes:        scopes,
		QuotaRequests: i.Quota.Requests,
		QuotaInterval: i.Quota.Interval,
		QuotaBurst:    i.Quota.Burst,
		Active:        i.Active,
		ExpiresAt:     i.ExpiresAt,
		CreatedAt:     i.CreatedAt,
	}
}

func (r *identityRow) toCore() *core.Identity {
	scopes := make([]core.JobType, 0, len(r.Scopes))
	for _, s := range r.Scopes {
		scopes = append(scopes, core.JobType(s))
	}
	return &core.Identity{
		ID:        r.ID,
		Name:      r.Name,
		KeyPrefix: r.KeyPrefix,
		KeyHash:   r.KeyHash,
		Scopes:    scopes,
		Quota: core.Quota{
			Requests: r.QuotaRequests,
			Interval: r.QuotaInterval,
			Burst:    r.QuotaBurst,
		},
		Active:    r.Active,
		ExpiresAt: utcPtr(r.ExpiresAt),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func marshalResult(result *core.TaskResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	return json.Marshal(result)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
