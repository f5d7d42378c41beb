package rest

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

func (req *CreateJobRequest) ToCore() core.CreateJobRequest {
	items := make([]core.JobItem, 0, len(req.Items))
	for _, it := range req.Items {
		items = append(items, core.JobItem{
			ExternalID: it.ID,
			AudioURL:   it.AudioURL,
			AudioB64:   it.AudioB64,
			Text:       it.Text,
			SrcLang:    it.SrcLang,
			TgtLang:    it.TgtLang,
		})
	}

	return core.CreateJobRequest{
		Type:        core.JobType(req.JobType),
		Items:       items,
		Priority:    req.Priority,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
		SrcLang:     req.DefaultSrcLang,
		TgtLang:     req.DefaultTgtLang,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	}
}

func (req *ReserveUploadsRequest) ToCore() core.ReserveRequest {
	return core.ReserveRequest{
		Count:       req.Count,
		Type:        core.JobType(req.JobType),
		Priority:    req.Priority,
		CallbackURL: req.CallbackURL,
		Metadata:    req.Metadata,
		SrcLang:     req.DefaultSrcLang,
		TgtLang:     req.DefaultTgtLang,
		Timeout:     time.Duration(req.TimeoutSeconds) * time.Second,
	}
}

// ToCore expects a request that already passed struct validation, so task
// ids are well formed.
func (req *ConfirmUploadsRequest) ToCore() []core.ConfirmItem {
	items := make([]core.ConfirmItem, 0, len(req.Items))
	for _, it := range req.Items {
		item := core.ConfirmItem{
			StoragePath: it.StoragePath,
			ExternalID:  it.ID,
			SrcLang:     it.SrcLang,
			TgtLang:     it.TgtLang,
		}
		if it.TaskID != "" {
			item.TaskID = uuid.MustParse(it.TaskID)
		}
		items = append(items, item)
	}
	return items
}

func NewJobCreatedResponse(job *core.Job) *JobCreatedResponse {
	return &JobCreatedResponse{
		JobID:      job.ID.String(),
		JobType:    string(job.Type),
		Status:     string(job.Status),
		TotalTasks: job.TotalTasks,
		CreatedAt:  job.CreatedAt,
		Links:      jobLinks(job.ID),
	}
}

func NewJobResponse(job *core.Job, tasks []*core.Task) *JobResponse {
	resp := &JobResponse{
		ID:              job.ID.String(),
		JobType:         string(job.Type),
		Status:          string(job.Status),
		Priority:        job.Priority,
		DefaultSrcLang:  job.SrcLang,
		DefaultTgtLang:  job.TgtLang,
		TotalTasks:      job.TotalTasks,
		CompletedTasks:  job.CompletedTasks,
		FailedTasks:     job.FailedTasks,
		ProgressPercent: job.Progress(),
		PendingUploads:  job.PendingUploads,
		CallbackURL:     job.CallbackURL,
		Metadata:        job.Metadata,
		CancelReason:    job.CancelReason,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
		Deadline:        job.Deadline,
	}
	if len(tasks) > 0 {
		resp.Tasks = make([]TaskResponse, 0, len(tasks))
		for _, t := range tasks {
			resp.Tasks = append(resp.Tasks, NewTaskResponse(t))
		}
	}
	return resp
}

func NewTaskResponse(t *core.Task) TaskResponse {
	resp := TaskResponse{
		ID:            t.ID.String(),
		ExternalID:    t.ExternalID,
		Status:        string(t.Status),
		ResourceClass: string(t.ResourceClass),
		SrcLang:       t.SrcLang,
		TgtLang:       t.TgtLang,
		ModelUsed:     t.ModelUsed,
		Error:         t.Error,
		ErrorKind:     string(t.ErrorKind),
		Attempts:      t.Attempt,
		ResultRef:     t.ResultRef,
		CreatedAt:     t.CreatedAt,
		CompletedAt:   t.EndedAt,
	}
	if r := t.Result; r != nil {
		resp.DetectedLang = r.DetectedLang
		resp.Transcript = r.Transcript
		resp.Translation = r.Translation
		resp.ProcessingTimeMs = r.DurationMs
	}
	if resp.ProcessingTimeMs == 0 {
		resp.ProcessingTimeMs = t.Duration().Milliseconds()
	}
	return resp
}

func NewListJobsResponse(jobs []*core.Job, total int, q listJobsQuery) *ListJobsResponse {
	resp := &ListJobsResponse{
		Jobs:       make([]JobResponse, 0, len(jobs)),
		Total:      total,
		Page:       q.Page,
		PageSize:   q.PageSize,
		TotalPages: (total + q.PageSize - 1) / q.PageSize,
	}
	for _, job := range jobs {
		resp.Jobs = append(resp.Jobs, *NewJobResponse(job, nil))
	}
	return resp
}

// NewResultsResponse keeps only the tasks that reached a terminal state.
func NewResultsResponse(view *core.JobView) *ResultsResponse {
	resp := &ResultsResponse{
		JobID:   view.Job.ID.String(),
		Status:  string(view.Job.Status),
		Results: make([]TaskResponse, 0, len(view.Tasks)),
	}
	for _, t := range view.Tasks {
		if t.Status.Terminal() {
			resp.Results = append(resp.Results, NewTaskResponse(t))
		}
	}
	return resp
}

func NewReservationResponse(res *core.Reservation) *ReservationResponse {
	resp := &ReservationResponse{
		JobID:     res.Job.ID.String(),
		JobType:   string(res.Job.Type),
		ExpiresAt: res.Job.ReservationExpiresAt,
		Uploads:   make([]UploadResponse, 0, len(res.Slots)),
		Links:     Links{Self: fmt.Sprintf("/v1/jobs/%s", res.Job.ID)},
	}
	for _, s := range res.Slots {
		resp.Uploads = append(resp.Uploads, UploadResponse{
			TaskID:      s.TaskID.String(),
			StoragePath: s.StoragePath,
			Method:      s.Credential.Method,
			URL:         s.Credential.URL,
			ExpiresAt:   s.Credential.ExpiresAt,
		})
	}
	return resp
}

func NewErrorResponse(code int, err error) *ErrorResponse {
	resp := &ErrorResponse{
		Error:   errorTitle(code),
		Message: err.Error(),
		Code:    code,
	}
	if v, ok := asValidation(err); ok {
		resp.Field = v.Field
		resp.Message = v.Reason
	}
	return resp
}

func jobLinks(id uuid.UUID) Links {
	return Links{
		Self:    fmt.Sprintf("/v1/jobs/%s", id),
		Results: fmt.Sprintf("/v1/jobs/%s/results", id),
	}
}
