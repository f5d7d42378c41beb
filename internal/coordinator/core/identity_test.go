package core

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestIdentity_Usable(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	past, future := now.Add(-time.Hour), now.Add(time.Hour)

	tests := []struct {
		name     string
		identity Identity
		want     bool
	}{
		{"active", Identity{Active: true}, true},
		{"inactive", Identity{}, false},
		{"expired", Identity{Active: true, ExpiresAt: &past}, false},
		{"not yet expired", Identity{Active: true, ExpiresAt: &future}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.identity.Usable(now); got != tt.want {
				t.Errorf("Usable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewDelivery(t *testing.T) {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	job := &Job{
		ID:             uuid.MustParse("00000000-0000-0000-0000-0000000000aa"),
		Status:         JobStatusPartial,
		TotalTasks:     3,
		CompletedTasks: 2,
		FailedTasks:    1,
		CompletedAt:    &now,
	}

	d, err := NewDelivery(job, now)
	if err != nil || d != nil {
		t.Fatalf("expected no delivery without callback, got %v %v", d, err)
	}

	job.CallbackURL = "https://hooks.example.com/done"
	d, err = NewDelivery(job, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.State != DeliveryStatePending || d.URL != job.CallbackURL {
		t.Errorf("unexpected delivery %+v", d)
	}

	var event CompletionEvent
	if err := json.Unmarshal(d.Payload, &event); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	want := CompletionEvent{
		Event:          EventJobCompleted,
		JobID:          job.ID.String(),
		Status:         "partial",
		TotalTasks:     3,
		CompletedTasks: 2,
		FailedTasks:    1,
		CompletedAt:    now,
	}
	if event != want {
		t.Errorf("payload = %+v, want %+v", event, want)
	}
}
