package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobItem is one work item of a create-job request.
type JobItem struct {
	ExternalID string
	AudioURL   string
	AudioData  []byte
	AudioB64   string // inline audio as sent over HTTP, decoded after admission
	Text       string
	SrcLang    string
	TgtLang    string
}

type CreateJobRequest struct {
	Type        JobType
	Items       []JobItem
	Priority    int
	CallbackURL string
	Metadata    map[string]any
	SrcLang     string
	TgtLang     string
	Timeout     time.Duration
}

type ReserveRequest struct {
	Count       int
	Type        JobType
	Priority    int
	CallbackURL string
	Metadata    map[string]any
	SrcLang     string
	TgtLang     string
	Timeout     time.Duration
}

// UploadSlot is one reserved task with its write credential.
type UploadSlot struct {
	TaskID      uuid.UUID
	StoragePath string
	Credential  UploadCredential
}

type Reservation struct {
	Job   *Job
	Slots []UploadSlot
}

// ConfirmItem names a reserved slot by task id or storage path.
type ConfirmItem struct {
	TaskID      uuid.UUID
	StoragePath string
	ExternalID  string
	SrcLang     string
	TgtLang     string
}

type JobView struct {
	Job   *Job
	Tasks []*Task
}

// JobService is the Job API exposed to the HTTP layer.
type JobService interface {
	CreateJob(ctx context.Context, owner *Identity, req CreateJobRequest) (*Job, error)
	GetJob(ctx context.Context, owner *Identity, id uuid.UUID) (*JobView, error)
	ListJobs(ctx context.Context, owner *Identity, filter JobFilter) ([]*Job, int, error)
	CancelJob(ctx context.Context, owner *Identity, id uuid.UUID) (*Job, error)
	ReserveUploads(ctx context.Context, owner *Identity, req ReserveRequest) (*Reservation, error)
	ConfirmUploads(ctx context.Context, owner *Identity, jobID uuid.UUID, items []ConfirmItem) (*Job, error)
}

// Lease is what a slot learns when it renews its claim on a task.
type Lease struct {
	ExpiresAt       time.Time
	CancelRequested bool
}

// TaskService is the worker-facing side of the coordinator.
type TaskService interface {
	// ClaimTask hands the next eligible task for the given class patterns to
	// owner, or returns nil when nothing is eligible.
	ClaimTask(ctx context.Context, owner string, classes []string) (*Task, error)
	// Await is ClaimTask that blocks until a task is claimed or ctx is done.
	Await(ctx context.Context, owner string, classes []string) (*Task, error)
	RenewLease(ctx context.Context, taskID uuid.UUID, owner string) (*Lease, error)
	ReportOutcome(ctx context.Context, taskID uuid.UUID, owner string, outcome TaskOutcome) error
	// ReleaseOwner requeues every task leased by owners with the given prefix.
	ReleaseOwner(ctx context.Context, ownerPrefix string) (int, error)
}

// WorkerService defines the interface for worker management
type WorkerService interface {
	RegisterWorker(worker *Worker) error
	GetWorker(workerID uuid.UUID) (*Worker, error)
	RecordHeartbeat(workerID uuid.UUID) error
	RemoveWorker(workerID uuid.UUID) error
	GetStaleWorkers(timeout time.Duration) ([]*Worker, error)
}

// CompletionObserver is notified of every applied store transition.
type CompletionObserver interface {
	Observe(t *Transition)
}

// Admission decides whether a caller may submit another request.
type Admission interface {
	Admit(identity *Identity) error
}
