package core

import (
	"testing"

	"github.com/google/uuid"
)

func TestObjectPaths(t *testing.T) {
	jobID := uuid.MustParse("7f9c2ba4-e88f-4d0e-9bd5-2b1c3a5e1f00")
	taskID := uuid.MustParse("0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"input", InputPath(jobID, taskID), "inputs/7f9c2ba4-e88f-4d0e-9bd5-2b1c3a5e1f00/0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"},
		{"upload", UploadPath(jobID, taskID), "uploads/7f9c2ba4-e88f-4d0e-9bd5-2b1c3a5e1f00/0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d"},
		{"result", ResultPath(jobID, taskID), "results/7f9c2ba4-e88f-4d0e-9bd5-2b1c3a5e1f00/0a1b2c3d-4e5f-4a6b-8c7d-9e0f1a2b3c4d.json"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestParseObjectPath(t *testing.T) {
	jobID, taskID := uuid.New(), uuid.New()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"upload", UploadPath(jobID, taskID), false},
		{"result", ResultPath(jobID, taskID), false},
		{"trailing slash", UploadPath(jobID, taskID) + "/", false},
		{"unknown kind", "scratch/" + jobID.String() + "/" + taskID.String(), true},
		{"too short", "uploads/" + jobID.String(), true},
		{"bad job id", "uploads/job/" + taskID.String(), true},
		{"bad task id", "uploads/" + jobID.String() + "/task", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotJob, gotTask, err := ParseObjectPath(tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Expected error for %q", tt.path)
				}
				return
			}
			if err != nil {
				t.Fatalf("Expected no error, got %v", err)
			}
			if gotJob != jobID || gotTask != taskID {
				t.Errorf("Expected %s/%s, got %s/%s", jobID, taskID, gotJob, gotTask)
			}
		})
	}
}
