package storage

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
)

// recordDelivery writes the delivery marker for a job that just became
// terminal. Caller holds the job's lock.
func (s *InMemoryJobStore) recordDelivery(job *core.Job, now time.Time) {
	d, err := core.NewDelivery(job, now)
	if err != nil || d == nil {
		return
	}
	s.deliveriesMu.Lock()
	defer s.deliveriesMu.Unlock()
	if _, exists := s.deliveries[job.ID]; !exists {
		s.deliveries[job.ID] = d
	}
}

func (s *InMemoryJobStore) GetDelivery(_ context.Context, jobID uuid.UUID) (*core.Delivery, error) {
	s.deliveriesMu.Lock()
	defer s.deliveriesMu.Unlock()
	d, ok := s.deliveries[jobID]
	if !ok {
		return nil, fmt.Errorf("delivery for job %s: %w", jobID, core.ErrNotFound)
	}
	c := *d
	return &c, nil
}

func (s *InMemoryJobStore) ListPendingDeliveries(_ context.Context, limit int) ([]*core.Delivery, error) {
	s.deliveriesMu.Lock()
	defer s.deliveriesMu.Unlock()
	var out []*core.Delivery
	for _, d := range s.deliveries {
		if d.State == core.DeliveryStatePending {
			c := *d
			out = append(out, &c)
		}
	}
	slices.SortFunc(out, func(a, b *core.Delivery) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryJobStore) RecordDeliveryAttempt(
	_ context.Context,
	jobID uuid.UUID,
	statusCode int,
	errMsg string,
	now time.Time,
) error {
	s.deliveriesMu.Lock()
	defer s.deliveriesMu.Unlock()
	d, ok := s.deliveries[jobID]
	if !ok {
		return fmt.Errorf("delivery for job %s: %w", jobID, core.ErrNotFound)
	}
	d.Attempts++
	d.LastStatusCode = statusCode
	d.LastError = errMsg
	d.UpdatedAt = now
	return nil
}

func (s *InMemoryJobStore) FinishDelivery(_ context.Context, jobID uuid.UUID, state core.DeliveryState, now time.Time) error {
	s.deliveriesMu.Lock()
	defer s.deliveriesMu.Unlock()
	d, ok := s.deliveries[jobID]
	if !ok {
		return fmt.Errorf("delivery for job %s: %w", jobID, core.ErrNotFound)
	}
	d.State = state
	d.UpdatedAt = now
	if state == core.DeliveryStateDelivered {
		d.DeliveredAt = &now
	}
	return nil
}

func (s *InMemoryJobStore) GetIdentityByPrefix(_ context.Context, prefix string) (*core.Identity, error) {
	s.identitiesMu.RLock()
	defer s.identitiesMu.RUnlock()
	identity, ok := s.identities[prefix]
	if !ok {
		return nil, fmt.Errorf("identity %q: %w", prefix, core.ErrNotFound)
	}
	c := *identity
	c.Scopes = slices.Clone(identity.Scopes)
	return &c, nil
}

func (s *InMemoryJobStore) SaveIdentity(_ context.Context, identity *core.Identity) error {
	if identity.KeyPrefix == "" {
		return fmt.Errorf("identity %q has no key prefix", identity.ID)
	}
	s.identitiesMu.Lock()
	defer s.identitiesMu.Unlock()
	c := *identity
	c.Scopes = slices.Clone(identity.Scopes)
	s.identities[identity.KeyPrefix] = &c
	return nil
}
