package storage

import (
	"fmt"
	"time"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// The helpers below mutate in-memory copies of a job and its tasks. Both
// stores call them inside their per-job serialization point and then
// persist the result.

func cancellationError(job *core.Job) string {
	if job.CancelReason == "" {
		return core.ErrJobCancelled.Error()
	}
	return fmt.Sprintf("%s: %s", core.ErrJobCancelled, job.CancelReason)
}

func clearLease(task *core.Task) {
	task.LeaseOwner = ""
	task.LeaseExpiresAt = nil
}

func claimTask(job *core.Job, task *core.Task, owner string, leaseUntil, now time.Time) error {
	if task.Status != core.TaskStatusQueued || job.Status.Terminal() {
		return core.ErrTransitionRejected
	}
	task.Status = core.TaskStatusRunning
	task.LeaseOwner = owner
	task.LeaseExpiresAt = &leaseUntil
	task.Attempt++
	task.StartedAt = &now
	task.EndedAt = nil
	task.UpdatedAt = now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Settle(now)
	return nil
}

// finishTask moves task to a terminal status and counts it against job.
// It returns true when the job became terminal.
func finishTask(job *core.Job, task *core.Task, status core.TaskStatus, now time.Time) bool {
	task.Status = status
	task.EndedAt = &now
	task.UpdatedAt = now
	clearLease(task)
	if status == core.TaskStatusSucceeded {
		job.CompletedTasks++
	} else {
		job.FailedTasks++
	}
	return job.Settle(now)
}

func failCancelled(job *core.Job, task *core.Task, now time.Time) bool {
	task.Error = cancellationError(job)
	task.ErrorKind = core.ErrorKindCancelled
	task.ResultRef = ""
	task.Result = nil
	return finishTask(job, task, core.TaskStatusFailed, now)
}

// completeTask applies a slot's report to a running task.
func completeTask(job *core.Job, task *core.Task, outcome core.TaskOutcome, now time.Time) (requeued, finished bool) {
	next, requeue := core.ApplyOutcome(task, outcome)
	switch {
	case task.CancelRequested:
		return false, failCancelled(job, task, now)
	case requeue:
		task.Status = core.TaskStatusPending
		task.Error = outcome.Error
		task.ErrorKind = outcome.Kind
		task.EnqueuedAt = nil
		task.UpdatedAt = now
		clearLease(task)
		job.UpdatedAt = now
		return true, false
	case next == core.TaskStatusSucceeded:
		task.ResultRef = outcome.ResultRef
		task.Result = outcome.Result
		task.ModelUsed = outcome.ModelUsed
		task.Error = ""
		task.ErrorKind = ""
	default:
		task.Error = outcome.Error
		task.ErrorKind = outcome.Kind
		if task.ErrorKind == "" {
			task.ErrorKind = core.ErrorKindPermanent
		}
		task.ModelUsed = outcome.ModelUsed
	}
	return false, finishTask(job, task, next, now)
}

// expireLease handles a running task whose slot stopped renewing.
func expireLease(job *core.Job, task *core.Task, now time.Time) (requeued, finished bool) {
	if task.CancelRequested {
		return false, failCancelled(job, task, now)
	}
	task.Status = core.TaskStatusPending
	task.Error = core.ErrLeaseExpired.Error()
	task.ErrorKind = core.ErrorKindTransient
	task.EnqueuedAt = nil
	task.UpdatedAt = now
	clearLease(task)
	job.UpdatedAt = now
	return true, false
}

// cancelTasks fails every non-running, non-terminal task and flags running
// ones so their eventual report is discarded.
func cancelTasks(job *core.Job, tasks []*core.Task, reason string, now time.Time) (failed, flagged []*core.Task, finished bool) {
	job.CancelReason = reason
	job.UpdatedAt = now
	for _, task := range tasks {
		switch {
		case task.Status.Terminal():
			continue
		case task.Status == core.TaskStatusRunning:
			if !task.CancelRequested {
				task.CancelRequested = true
				task.UpdatedAt = now
				flagged = append(flagged, task)
			}
		default:
			if task.Status == core.TaskStatusAwaitingUpload {
				job.PendingUploads--
			}
			if failCancelled(job, task, now) {
				finished = true
			}
			failed = append(failed, task)
		}
	}
	return failed, flagged, finished
}

func activateTask(job *core.Job, task *core.Task, act core.TaskActivation, now time.Time) bool {
	if task.Status != core.TaskStatusAwaitingUpload {
		return false
	}
	task.Status = core.TaskStatusPending
	if act.ExternalID != "" {
		task.ExternalID = act.ExternalID
	}
	if act.SrcLang != "" {
		task.SrcLang = act.SrcLang
	}
	if act.TgtLang != "" {
		task.TgtLang = act.TgtLang
	}
	if act.ResourceClass != "" {
		task.ResourceClass = act.ResourceClass
	}
	task.UpdatedAt = now
	job.PendingUploads--
	job.UpdatedAt = now
	return true
}

func reservationOpen(job *core.Job, now time.Time) bool {
	return job.ReservationExpiresAt == nil || now.Before(*job.ReservationExpiresAt)
}

// dropUploads removes unconfirmed slots from the job's total once its
// reservation has expired.
func dropUploads(job *core.Job, tasks []*core.Task, now time.Time) (dropped []*core.Task, finished bool) {
	for _, task := range tasks {
		if task.Status == core.TaskStatusAwaitingUpload {
			dropped = append(dropped, task)
		}
	}
	job.TotalTasks -= len(dropped)
	job.PendingUploads = 0
	job.UpdatedAt = now
	return dropped, job.Settle(now)
}

func matchesJobFilter(job *core.Job, filter core.JobFilter) bool {
	if filter.Owner != "" && job.Owner != filter.Owner {
		return false
	}
	if filter.Status != nil && job.Status != *filter.Status {
		return false
	}
	if t := filter.ReservationExpiredBefore; t != nil {
		if job.PendingUploads == 0 || job.ReservationExpiresAt == nil || !job.ReservationExpiresAt.Before(*t) {
			return false
		}
	}
	if t := filter.DeadlineBefore; t != nil {
		if job.Status.Terminal() || job.Deadline == nil || !job.Deadline.Before(*t) {
			return false
		}
	}
	if t := filter.FinishedBefore; t != nil {
		if !job.Status.Terminal() || job.CompletedAt == nil || !job.CompletedAt.Before(*t) {
			return false
		}
	}
	return true
}
