package core

import (
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeASR    JobType = "asr"
	JobTypeNMT    JobType = "nmt"
	JobTypeASRNMT JobType = "asr+nmt"
)

func (t JobType) Valid() bool {
	switch t {
	case JobTypeASR, JobTypeNMT, JobTypeASRNMT:
		return true
	}
	return false
}

// NeedsAudio reports whether items of this job type carry audio input.
func (t JobType) NeedsAudio() bool {
	return t == JobTypeASR || t == JobTypeASRNMT
}

// NeedsTarget reports whether items of this job type must resolve a target language.
func (t JobType) NeedsTarget() bool {
	return t == JobTypeNMT || t == JobTypeASRNMT
}

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusPartial || s == JobStatusFailed
}

type TaskStatus string

const (
	TaskStatusAwaitingUpload TaskStatus = "awaiting_upload"
	TaskStatusPending        TaskStatus = "pending"
	TaskStatusQueued         TaskStatus = "queued"
	TaskStatusRunning        TaskStatus = "running"
	TaskStatusSucceeded      TaskStatus = "succeeded"
	TaskStatusFailed         TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSucceeded || s == TaskStatusFailed
}

// ResourceClass names an execution pool with its own concurrency budget.
type ResourceClass string

type InputKind string

const (
	InputKindURL     InputKind = "url"
	InputKindText    InputKind = "text"
	InputKindStorage InputKind = "storage"
)

// TaskInput references the payload a task operates on. Exactly one of URL,
// Text or StoragePath is set, according to Kind.
type TaskInput struct {
	Kind        InputKind
	URL         string
	Text        string
	StoragePath string
}

type Job struct {
	ID          uuid.UUID
	Owner       string
	Type        JobType
	Status      JobStatus
	Priority    int
	CallbackURL string
	Metadata    map[string]any

	SrcLang string
	TgtLang string

	TotalTasks     int
	CompletedTasks int
	FailedTasks    int

	// PendingUploads counts reserved slots still in awaiting_upload.
	PendingUploads       int
	ReservationExpiresAt *time.Time

	Deadline     *time.Time
	CancelReason string

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Progress returns the share of finished tasks in percent.
func (j *Job) Progress() float64 {
	if j.TotalTasks == 0 {
		return 0
	}
	return float64(j.CompletedTasks+j.FailedTasks) * 100 / float64(j.TotalTasks)
}

func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Metadata != nil {
		c.Metadata = make(map[string]any, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	c.ReservationExpiresAt = cloneTime(j.ReservationExpiresAt)
	c.Deadline = cloneTime(j.Deadline)
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	return &c
}

// TaskResult is the summary a worker reports alongside the stored result document.
type TaskResult struct {
	Transcript   string `json:"transcript,omitempty"`
	Translation  string `json:"translation,omitempty"`
	DetectedLang string `json:"detected_lang,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
}

type Task struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	ExternalID string
	JobType    JobType

	Input         TaskInput
	SrcLang       string
	TgtLang       string
	ResourceClass ResourceClass
	Priority      int
	Status        TaskStatus

	ResultRef   string
	Result      *TaskResult
	ModelUsed   string
	Error       string
	ErrorKind   ErrorKind
	Attempt     int
	MaxAttempts int

	LeaseOwner      string
	LeaseExpiresAt  *time.Time
	CancelRequested bool

	CreatedAt  time.Time
	UpdatedAt  time.Time
	EnqueuedAt *time.Time
	StartedAt  *time.Time
	EndedAt    *time.Time
}

func (t *Task) Duration() time.Duration {
	if t.StartedAt == nil || t.EndedAt == nil {
		return 0
	}
	return t.EndedAt.Sub(*t.StartedAt)
}

func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	c.LeaseExpiresAt = cloneTime(t.LeaseExpiresAt)
	c.EnqueuedAt = cloneTime(t.EnqueuedAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.EndedAt = cloneTime(t.EndedAt)
	return &c
}

// TaskOutcome is what a worker slot reports when execution returns.
type TaskOutcome struct {
	Success   bool
	ResultRef string
	Result    *TaskResult
	ModelUsed string
	Error     string
	Kind      ErrorKind
}

// Transition describes the effect of a single store mutation on a job and its tasks.
type Transition struct {
	Job   *Job
	Task  *Task
	Tasks []*Task

	// Applied is false when the mutation was a duplicate and nothing changed.
	Applied bool
	// Requeued is set when a transient failure or lapsed lease sent the task back to pending.
	Requeued bool
	// JobFinished is set on the one transition that moved the job to a terminal status.
	JobFinished bool
}

// TaskActivation binds a confirmed upload slot to its final attributes.
type TaskActivation struct {
	TaskID        uuid.UUID
	ExternalID    string
	SrcLang       string
	TgtLang       string
	ResourceClass ResourceClass
}

type JobFilter struct {
	Owner  string
	Status *JobStatus
	Limit  int
	Offset int

	// Maintenance selectors.
	ReservationExpiredBefore *time.Time
	DeadlineBefore           *time.Time
	FinishedBefore           *time.Time
}

type TaskFilter struct {
	Statuses           []TaskStatus
	LeaseExpiredBefore *time.Time
	LeaseOwnerPrefix   string
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
