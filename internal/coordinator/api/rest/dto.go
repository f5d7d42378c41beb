package rest

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
)

// CreateJobRequest is the body of POST /v1/jobs.
type CreateJobRequest struct {
	JobType        string         `json:"job_type"`
	Items          []JobItem      `json:"items"`
	DefaultSrcLang string         `json:"default_src_lang,omitempty"`
	DefaultTgtLang string         `json:"default_tgt_lang,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

type JobItem struct {
	ID       string `json:"id,omitempty"`
	AudioURL string `json:"audio_url,omitempty"`
	AudioB64 string `json:"audio_b64,omitempty"`
	Text     string `json:"text,omitempty"`
	SrcLang  string `json:"src_lang,omitempty"`
	TgtLang  string `json:"tgt_lang,omitempty"`
}

// ReserveUploadsRequest is the body of POST /v1/uploads.
type ReserveUploadsRequest struct {
	JobType        string         `json:"job_type"`
	Count          int            `json:"count"`
	DefaultSrcLang string         `json:"default_src_lang,omitempty"`
	DefaultTgtLang string         `json:"default_tgt_lang,omitempty"`
	Priority       int            `json:"priority,omitempty"`
	CallbackURL    string         `json:"callback_url,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	TimeoutSeconds int            `json:"timeout_seconds,omitempty"`
}

// ConfirmUploadsRequest is the body of POST /v1/uploads/{id}/confirm. JobID
// is optional but must match the path when present.
type ConfirmUploadsRequest struct {
	JobID string        `json:"job_id,omitempty" validate:"omitempty,uuid"`
	Items []ConfirmItem `json:"items" validate:"required,min=1,dive"`
}

type ConfirmItem struct {
	TaskID      string `json:"task_id,omitempty" validate:"omitempty,uuid"`
	StoragePath string `json:"storage_path,omitempty" validate:"required_without=TaskID"`
	ID          string `json:"id,omitempty"`
	SrcLang     string `json:"src_lang,omitempty"`
	TgtLang     string `json:"tgt_lang,omitempty"`
}

// listJobsQuery holds the query parameters of GET /v1/jobs.
type listJobsQuery struct {
	Status   string `json:"status" validate:"omitempty,oneof=queued running completed partial failed"`
	Page     int    `json:"page" validate:"min=1"`
	PageSize int    `json:"page_size" validate:"min=1,max=100"`
}

type JobCreatedResponse struct {
	JobID      string    `json:"job_id"`
	JobType    string    `json:"job_type"`
	Status     string    `json:"status"`
	TotalTasks int       `json:"total_tasks"`
	CreatedAt  time.Time `json:"created_at"`
	Links      Links     `json:"_links"`
}

func (*JobCreatedResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusCreated)
	return nil
}

type Links struct {
	Self    string `json:"self"`
	Results string `json:"results,omitempty"`
}

type JobResponse struct {
	ID              string         `json:"id"`
	JobType         string         `json:"job_type"`
	Status          string         `json:"status"`
	Priority        int            `json:"priority"`
	DefaultSrcLang  string         `json:"default_src_lang,omitempty"`
	DefaultTgtLang  string         `json:"default_tgt_lang,omitempty"`
	TotalTasks      int            `json:"total_tasks"`
	CompletedTasks  int            `json:"completed_tasks"`
	FailedTasks     int            `json:"failed_tasks"`
	ProgressPercent float64        `json:"progress_percent"`
	PendingUploads  int            `json:"pending_uploads,omitempty"`
	CallbackURL     string         `json:"callback_url,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CancelReason    string         `json:"cancel_reason,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	Deadline        *time.Time     `json:"deadline,omitempty"`
	Tasks           []TaskResponse `json:"tasks,omitempty"`
}

func (*JobResponse) Render(http.ResponseWriter, *http.Request) error {
	return nil
}

type TaskResponse struct {
	ID               string     `json:"id"`
	ExternalID       string     `json:"external_id,omitempty"`
	Status           string     `json:"status"`
	ResourceClass    string     `json:"resource_class"`
	SrcLang          string     `json:"src_lang,omitempty"`
	TgtLang          string     `json:"tgt_lang,omitempty"`
	DetectedLang     string     `json:"detected_lang,omitempty"`
	Transcript       string     `json:"transcript,omitempty"`
	Translation      string     `json:"translation,omitempty"`
	ModelUsed        string     `json:"model_used,omitempty"`
	Error            string     `json:"error,omitempty"`
	ErrorKind        string     `json:"error_kind,omitempty"`
	Attempts         int        `json:"attempts"`
	ProcessingTimeMs int64      `json:"processing_time_ms,omitempty"`
	ResultRef        string     `json:"result_ref,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	Total      int           `json:"total"`
	Page       int           `json:"page"`
	PageSize   int           `json:"page_size"`
	TotalPages int           `json:"total_pages"`
}

func (*ListJobsResponse) Render(http.ResponseWriter, *http.Request) error {
	return nil
}

// ResultsResponse lists the finished tasks of a job.
type ResultsResponse struct {
	JobID   string         `json:"job_id"`
	Status  string         `json:"status"`
	Results []TaskResponse `json:"results"`
}

func (*ResultsResponse) Render(http.ResponseWriter, *http.Request) error {
	return nil
}

type ReservationResponse struct {
	JobID     string           `json:"job_id"`
	JobType   string           `json:"job_type"`
	ExpiresAt *time.Time       `json:"expires_at,omitempty"`
	Uploads   []UploadResponse `json:"uploads"`
	Links     Links            `json:"_links"`
}

func (*ReservationResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, http.StatusCreated)
	return nil
}

type UploadResponse struct {
	TaskID      string    `json:"task_id"`
	StoragePath string    `json:"storage_path"`
	Method      string    `json:"method"`
	URL         string    `json:"url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components"`
}

func (h *HealthResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	if h.Status != healthHealthy {
		render.Status(r, http.StatusServiceUnavailable)
	}
	return nil
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Field   string `json:"field,omitempty"`
	Code    int    `json:"code"`
}

func (e *ErrorResponse) Render(_ http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.Code)
	return nil
}
