package core

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// JobStore is the source of truth for jobs and tasks. Every method that
// changes task status is a compare-and-swap on the task record plus, for
// terminal transitions, a serialized update of the owning job's counters.
// Implementations must not serialize unrelated jobs behind one lock.
type JobStore interface {
	// CreateJob persists a job together with its full task set, atomically.
	CreateJob(ctx context.Context, job *Job, tasks []*Task) error
	GetJob(ctx context.Context, id uuid.UUID) (*Job, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*Job, int, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error

	GetTask(ctx context.Context, id uuid.UUID) (*Task, error)
	ListTasks(ctx context.Context, jobID uuid.UUID) ([]*Task, error)
	FindTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)

	// ActivateTasks moves confirmed upload slots from awaiting_upload to
	// pending. It fails with ErrReservationExpired past the job's reservation.
	ActivateTasks(ctx context.Context, jobID uuid.UUID, activations []TaskActivation, now time.Time) ([]*Task, error)
	// MarkQueued moves pending tasks to queued and returns those that moved.
	MarkQueued(ctx context.Context, taskIDs []uuid.UUID, now time.Time) ([]*Task, error)
	// ClaimTask moves a queued task to running under a lease held by owner.
	ClaimTask(ctx context.Context, taskID uuid.UUID, owner string, leaseUntil, now time.Time) (*Task, error)
	RenewLease(ctx context.Context, taskID uuid.UUID, owner string, leaseUntil time.Time) (*Task, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID, owner string, outcome TaskOutcome, now time.Time) (*Transition, error)
	// ExpireLease takes a running task away from its lease holder. It is a
	// no-op unless the task's lease still ends at deadline, so a lease renewed
	// in the meantime survives.
	ExpireLease(ctx context.Context, taskID uuid.UUID, deadline time.Time, now time.Time) (*Transition, error)

	CancelJob(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) (*Transition, error)
	// ExpireReservation drops a job's unconfirmed upload slots.
	ExpireReservation(ctx context.Context, jobID uuid.UUID, now time.Time) (*Transition, error)

	Ping(ctx context.Context) error
}

// DeliveryStore holds webhook delivery markers. Markers are created by the
// JobStore as part of a terminal job transition.
type DeliveryStore interface {
	GetDelivery(ctx context.Context, jobID uuid.UUID) (*Delivery, error)
	ListPendingDeliveries(ctx context.Context, limit int) ([]*Delivery, error)
	RecordDeliveryAttempt(ctx context.Context, jobID uuid.UUID, statusCode int, errMsg string, now time.Time) error
	FinishDelivery(ctx context.Context, jobID uuid.UUID, state DeliveryState, now time.Time) error
}

type IdentityStore interface {
	GetIdentityByPrefix(ctx context.Context, prefix string) (*Identity, error)
	SaveIdentity(ctx context.Context, identity *Identity) error
}

type WorkerStore interface {
	AddWorker(worker *Worker) error
	GetWorkerByID(id uuid.UUID) (*Worker, error)
	GetAllWorkers() ([]*Worker, error)
	UpdateWorkerHeartbeat(id uuid.UUID, timestamp time.Time) error
	RemoveWorker(id uuid.UUID) error
	GetStaleWorkers(threshold time.Time) ([]*Worker, error)
}

// UploadCredential is an opaque, time-limited write grant for one storage path.
type UploadCredential struct {
	Method    string
	URL       string
	ExpiresAt time.Time
}

// ObjectStorage is the storage collaborator for uploads, inline inputs and
// result documents.
type ObjectStorage interface {
	ReserveUpload(ctx context.Context, path string, ttl time.Duration) (*UploadCredential, error)
	Exists(ctx context.Context, path string) (bool, error)
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
}

// WebhookTransport performs one HTTP delivery. A non-nil error means the
// request never produced a response.
type WebhookTransport interface {
	Deliver(ctx context.Context, d *Delivery) (int, error)
}
