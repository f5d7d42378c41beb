package core

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
)

var (
	// ErrNotRegistered is returned when the coordinator no longer knows the
	// worker, e.g. after it was reaped for missing heartbeats.
	ErrNotRegistered = errors.New("worker not registered")
	// ErrLeaseLost is returned when the slot no longer owns the task.
	ErrLeaseLost = coord.ErrLeaseLost
)

// Registration is the coordinator's answer to a worker registration.
type Registration struct {
	HeartbeatInterval time.Duration
	LeaseDuration     time.Duration
}

// CoordinatorClient is the slot pool's view of the coordinator. Slots are
// numbered from 0.
type CoordinatorClient interface {
	Register(ctx context.Context, slots int, classes []string) (*Registration, error)
	SendHeartbeat(ctx context.Context) error
	// PullTask returns the next task for the slot, waiting up to wait for one
	// to become eligible. It returns nil when nothing arrived in time.
	PullTask(ctx context.Context, slot int, classes []string, wait time.Duration) (*coord.Task, error)
	RenewLease(ctx context.Context, slot int, taskID uuid.UUID) (*coord.Lease, error)
	ReportOutcome(ctx context.Context, slot int, taskID uuid.UUID, outcome coord.TaskOutcome) error
	Close() error
}

type WorkerService interface {
	Run(ctx context.Context) error
}

// TaskExecutor runs one task to completion and describes how it ended.
// It never returns a bare error; failures are part of the outcome.
type TaskExecutor interface {
	Execute(ctx context.Context, task *coord.Task) coord.TaskOutcome
}

// Input is the resolved payload handed to an inference backend.
type Input struct {
	JobType coord.JobType
	// Audio holds the bytes of a stored upload; AudioURL is set for
	// remote audio the backend fetches itself.
	Audio    []byte
	AudioURL string
	Text     string
	SrcLang  string
	TgtLang  string
}

type Output struct {
	Transcript   string
	Translation  string
	DetectedLang string
	ModelUsed    string
}

// InferenceBackend performs ASR and/or NMT for one task. Errors should be
// classified with coord.Transient or coord.Permanent; unclassified errors
// are retried.
type InferenceBackend interface {
	Name() string
	Execute(ctx context.Context, in *Input, class coord.ResourceClass) (*Output, error)
}

// ObjectReader and ObjectWriter are the parts of object storage a slot needs.
type ObjectReader interface {
	Read(ctx context.Context, path string) ([]byte, error)
}

type ObjectWriter interface {
	Write(ctx context.Context, path string, data []byte) error
}

type ObjectStorage interface {
	ObjectReader
	ObjectWriter
}
