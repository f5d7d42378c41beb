package core

import "time"

// DeriveJobStatus computes a job status from its terminal counters. started is
// true once any task of the job has been claimed by a worker slot.
//
// A job whose task set shrank to zero (every upload slot expired) is failed,
// since nothing succeeded.
func DeriveJobStatus(total, completed, failed int, started bool) JobStatus {
	if completed+failed >= total {
		switch {
		case total > 0 && completed == total:
			return JobStatusCompleted
		case completed > 0:
			return JobStatusPartial
		default:
			return JobStatusFailed
		}
	}
	if started {
		return JobStatusRunning
	}
	return JobStatusQueued
}

// CanTransition reports whether a task may move from one status to another.
func CanTransition(from, to TaskStatus) bool {
	switch from {
	case TaskStatusAwaitingUpload:
		return to == TaskStatusPending || to == TaskStatusFailed
	case TaskStatusPending:
		return to == TaskStatusQueued || to == TaskStatusFailed
	case TaskStatusQueued:
		return to == TaskStatusRunning || to == TaskStatusPending || to == TaskStatusFailed
	case TaskStatusRunning:
		return to == TaskStatusSucceeded || to == TaskStatusFailed || to == TaskStatusPending
	default:
		return false
	}
}

// ApplyOutcome decides where a running task goes after its slot reported
// outcome. It returns the next status and whether the task should be requeued.
// A cancelled job fails the task whatever the slot reported.
func ApplyOutcome(task *Task, outcome TaskOutcome) (TaskStatus, bool) {
	if task.CancelRequested {
		return TaskStatusFailed, false
	}
	if outcome.Success {
		return TaskStatusSucceeded, false
	}
	switch outcome.Kind {
	case ErrorKindCancelled:
		// The slot gave up without running to completion, e.g. on shutdown.
		return TaskStatusPending, true
	case ErrorKindTransient:
		if task.Attempt < task.MaxAttempts {
			return TaskStatusPending, true
		}
	}
	return TaskStatusFailed, false
}

// Settle re-derives the job status from its counters. It returns true when
// this call moved the job to a terminal status; a terminal job never changes.
func (j *Job) Settle(now time.Time) bool {
	if j.Status.Terminal() {
		return false
	}
	j.Status = DeriveJobStatus(j.TotalTasks, j.CompletedTasks, j.FailedTasks, j.StartedAt != nil)
	j.UpdatedAt = now
	if j.Status.Terminal() {
		j.CompletedAt = &now
		return true
	}
	return false
}
