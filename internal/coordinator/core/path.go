package core

import (
	"fmt"
	"path"
	"strings"

	"github.com/google/uuid"
)

// Object storage layout. Every object of a task lives under its job.
const (
	inputsPrefix  = "inputs"
	uploadsPrefix = "uploads"
	resultsPrefix = "results"
)

// InputPath is where inline audio submitted with a job is stored.
func InputPath(jobID, taskID uuid.UUID) string {
	return path.Join(inputsPrefix, jobID.String(), taskID.String())
}

// UploadPath is the object a reserved upload slot writes to.
func UploadPath(jobID, taskID uuid.UUID) string {
	return path.Join(uploadsPrefix, jobID.String(), taskID.String())
}

// ResultPath is the result document of a finished task.
func ResultPath(jobID, taskID uuid.UUID) string {
	return path.Join(resultsPrefix, jobID.String(), taskID.String()+".json")
}

// ParseObjectPath splits a task object path into its job and task ids.
func ParseObjectPath(p string) (jobID, taskID uuid.UUID, err error) {
	parts := strings.Split(path.Clean(p), "/")
	if len(parts) != 3 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("object path %q: expected <kind>/<job>/<task>", p)
	}
	switch parts[0] {
	case inputsPrefix, uploadsPrefix, resultsPrefix:
	default:
		return uuid.Nil, uuid.Nil, fmt.Errorf("object path %q: unknown kind %q", p, parts[0])
	}
	if jobID, err = uuid.Parse(parts[1]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("object path %q: %w", p, err)
	}
	if taskID, err = uuid.Parse(strings.TrimSuffix(parts[2], ".json")); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("object path %q: %w", p, err)
	}
	return jobID, taskID, nil
}
