// Package rpc defines the worker protocol spoken between worker slots and the
// coordinator. Messages travel as google.protobuf.Struct values so both sides
// share one schema without generated code.
package rpc

import (
	"time"
)

type RegisterRequest struct {
	WorkerID string   `json:"worker_id"`
	Hostname string   `json:"hostname"`
	Slots    int      `json:"slots"`
	Classes  []string `json:"classes"`
}

type RegisterResponse struct {
	HeartbeatIntervalMs int64 `json:"heartbeat_interval_ms"`
	LeaseDurationMs     int64 `json:"lease_duration_ms"`
}

func (r *RegisterResponse) HeartbeatInterval() time.Duration {
	return time.Duration(r.HeartbeatIntervalMs) * time.Millisecond
}

type HeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

type HeartbeatResponse struct {
	Acknowledged bool `json:"acknowledged"`
}

// PullRequest asks for the next task of one slot. The call blocks on the
// coordinator for at most WaitMs.
type PullRequest struct {
	WorkerID string   `json:"worker_id"`
	Slot     int      `json:"slot"`
	Classes  []string `json:"classes"`
	WaitMs   int64    `json:"wait_ms"`
}

// PullResponse carries no task when nothing became eligible in time.
type PullResponse struct {
	Task *Task `json:"task,omitempty"`
}

type Task struct {
	ID             string    `json:"id"`
	JobID          string    `json:"job_id"`
	JobType        string    `json:"job_type"`
	ResourceClass  string    `json:"resource_class"`
	InputKind      string    `json:"input_kind"`
	InputURL       string    `json:"input_url,omitempty"`
	InputText      string    `json:"input_text,omitempty"`
	InputPath      string    `json:"input_path,omitempty"`
	SrcLang        string    `json:"src_lang,omitempty"`
	TgtLang        string    `json:"tgt_lang,omitempty"`
	Attempt        int       `json:"attempt"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

type RenewLeaseRequest struct {
	WorkerID string `json:"worker_id"`
	Slot     int    `json:"slot"`
	TaskID   string `json:"task_id"`
}

type RenewLeaseResponse struct {
	ExpiresAt       time.Time `json:"expires_at"`
	CancelRequested bool      `json:"cancel_requested"`
}

type ReportRequest struct {
	WorkerID     string `json:"worker_id"`
	Slot         int    `json:"slot"`
	TaskID       string `json:"task_id"`
	Success      bool   `json:"success"`
	ResultRef    string `json:"result_ref,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Translation  string `json:"translation,omitempty"`
	DetectedLang string `json:"detected_lang,omitempty"`
	DurationMs   int64  `json:"duration_ms,omitempty"`
	ModelUsed    string `json:"model_used,omitempty"`
	Error        string `json:"error,omitempty"`
	ErrorKind    string `json:"error_kind,omitempty"`
}

type ReportResponse struct{}
