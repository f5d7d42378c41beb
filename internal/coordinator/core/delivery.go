package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const EventJobCompleted = "job.completed"

// CompletionEvent is the webhook payload sent once per terminal job transition.
type CompletionEvent struct {
	Event          string    `json:"event"`
	JobID          string    `json:"job_id"`
	Status         string    `json:"status"`
	TotalTasks     int       `json:"total_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	CompletedAt    time.Time `json:"completed_at"`
}

func NewCompletionEvent(job *Job) CompletionEvent {
	completedAt := job.UpdatedAt
	if job.CompletedAt != nil {
		completedAt = *job.CompletedAt
	}
	return CompletionEvent{
		Event:          EventJobCompleted,
		JobID:          job.ID.String(),
		Status:         string(job.Status),
		TotalTasks:     job.TotalTasks,
		CompletedTasks: job.CompletedTasks,
		FailedTasks:    job.FailedTasks,
		CompletedAt:    completedAt.UTC(),
	}
}

type DeliveryState string

const (
	DeliveryStatePending   DeliveryState = "pending"
	DeliveryStateDelivered DeliveryState = "delivered"
	DeliveryStateFailed    DeliveryState = "failed"
)

// Delivery is the persisted marker for a job's webhook. It is written in the
// same store operation that moves the job to a terminal status, so a
// restart finds it and never builds a second event.
type Delivery struct {
	JobID          uuid.UUID
	URL            string
	Payload        []byte
	State          DeliveryState
	Attempts       int
	LastStatusCode int
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	DeliveredAt    *time.Time
}

// NewDelivery builds the pending delivery for a job that just became
// terminal. It returns nil when the job has no callback.
func NewDelivery(job *Job, now time.Time) (*Delivery, error) {
	if job.CallbackURL == "" {
		return nil, nil
	}
	payload, err := json.Marshal(NewCompletionEvent(job))
	if err != nil {
		return nil, err
	}
	return &Delivery{
		JobID:     job.ID,
		URL:       job.CallbackURL,
		Payload:   payload,
		State:     DeliveryStatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
