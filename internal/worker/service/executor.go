package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	coord "github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
	"github.com/nemanja-m/voxq/internal/worker/core"
)

// resultDocument is the JSON written to results/<job>/<task>.json.
type resultDocument struct {
	TaskID        uuid.UUID `json:"task_id"`
	JobID         uuid.UUID `json:"job_id"`
	JobType       string    `json:"job_type"`
	ResourceClass string    `json:"resource_class"`
	Attempt       int       `json:"attempt"`
	SrcLang       string    `json:"src_lang,omitempty"`
	TgtLang       string    `json:"tgt_lang,omitempty"`
	DetectedLang  string    `json:"detected_lang,omitempty"`
	Transcript    string    `json:"transcript,omitempty"`
	Translation   string    `json:"translation,omitempty"`
	ModelUsed     string    `json:"model_used,omitempty"`
	Backend       string    `json:"backend"`
	DurationMs    int64     `json:"duration_ms"`
	CompletedAt   time.Time `json:"completed_at"`
}

type backendExecutor struct {
	backend core.InferenceBackend
	storage core.ObjectStorage
	timeout time.Duration
	now     func() time.Time
	logger  logging.Logger
}

// NewExecutor runs tasks against backend. Stored audio is read from and
// result documents are written to storage. A positive timeout bounds each
// backend call.
func NewExecutor(
	backend core.InferenceBackend,
	storage core.ObjectStorage,
	timeout time.Duration,
	logger logging.Logger,
) core.TaskExecutor {
	return &backendExecutor{
		backend: backend,
		storage: storage,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
		logger:  logger,
	}
}

func (e *backendExecutor) Execute(ctx context.Context, task *coord.Task) coord.TaskOutcome {
	start := e.now()

	in, err := e.resolveInput(ctx, task)
	if err != nil {
		return e.failed(task, err, start)
	}

	callCtx := ctx
	if e.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	out, err := e.backend.Execute(callCtx, in, task.ResourceClass)
	if err != nil {
		if ctx.Err() != nil {
			// The slot gave up on the call; the backend's own verdict does not apply.
			err = fmt.Errorf("%w: %v", ctx.Err(), err)
		}
		return e.failed(task, err, start)
	}

	elapsed := e.now().Sub(start)
	detected := out.DetectedLang
	if detected == "" {
		detected = task.SrcLang
	}
	doc := resultDocument{
		TaskID:        task.ID,
		JobID:         task.JobID,
		JobType:       string(task.JobType),
		ResourceClass: string(task.ResourceClass),
		Attempt:       task.Attempt,
		SrcLang:       task.SrcLang,
		TgtLang:       task.TgtLang,
		DetectedLang:  detected,
		Transcript:    out.Transcript,
		Translation:   out.Translation,
		ModelUsed:     out.ModelUsed,
		Backend:       e.backend.Name(),
		DurationMs:    elapsed.Milliseconds(),
		CompletedAt:   e.now(),
	}
	ref, err := e.writeResult(ctx, doc)
	if err != nil {
		return e.failed(task, coord.Transient(err), start)
	}

	metrics.ObserveTaskExecution(string(task.ResourceClass), "succeeded", elapsed.Seconds())
	return coord.TaskOutcome{
		Success:   true,
		ResultRef: ref,
		ModelUsed: out.ModelUsed,
		Result: &coord.TaskResult{
			Transcript:   out.Transcript,
			Translation:  out.Translation,
			DetectedLang: detected,
			DurationMs:   doc.DurationMs,
		},
	}
}

func (e *backendExecutor) resolveInput(ctx context.Context, task *coord.Task) (*core.Input, error) {
	in := &core.Input{
		JobType: task.JobType,
		SrcLang: task.SrcLang,
		TgtLang: task.TgtLang,
	}
	switch task.Input.Kind {
	case coord.InputKindText:
		in.Text = task.Input.Text
	case coord.InputKindURL:
		in.AudioURL = task.Input.URL
	case coord.InputKindStorage:
		data, err := e.storage.Read(ctx, task.Input.StoragePath)
		if errors.Is(err, coord.ErrNotFound) {
			return nil, coord.Permanent(fmt.Errorf("reading input: %w", err))
		}
		if err != nil {
			return nil, coord.Transient(fmt.Errorf("reading input: %w", err))
		}
		in.Audio = data
	default:
		return nil, coord.Permanent(fmt.Errorf("unsupported input kind %q", task.Input.Kind))
	}
	return in, nil
}

func (e *backendExecutor) writeResult(ctx context.Context, doc resultDocument) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding result: %w", err)
	}
	ref := coord.ResultPath(doc.JobID, doc.TaskID)
	if err := e.storage.Write(ctx, ref, data); err != nil {
		return "", fmt.Errorf("writing result %s: %w", ref, err)
	}
	return ref, nil
}

func (e *backendExecutor) failed(task *coord.Task, err error, start time.Time) coord.TaskOutcome {
	kind := coord.KindOf(err)
	metrics.ObserveTaskExecution(string(task.ResourceClass), string(kind), e.now().Sub(start).Seconds())
	e.logger.Warn(
		"Task execution failed",
		"task_id", task.ID,
		"kind", kind,
		"attempt", task.Attempt,
		"error", err,
	)
	return coord.TaskOutcome{
		Error: err.Error(),
		Kind:  kind,
	}
}
