package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/logging"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
)

type AggregatorConfig struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	MaxBackoff    time.Duration
	Workers       int
	SweepInterval time.Duration
}

// CompletionAggregator delivers the completion webhook of every job that
// reached a terminal status. The store writes a pending delivery marker in
// the same operation as the terminal transition; the aggregator only ever
// works from those markers, so a restart replays unfinished deliveries and
// never rebuilds an event.
type CompletionAggregator struct {
	deliveries core.DeliveryStore
	transport  core.WebhookTransport
	cfg        AggregatorConfig

	work     chan uuid.UUID
	mu       sync.Mutex
	inflight map[uuid.UUID]struct{}

	now    func() time.Time
	logger logging.Logger
}

var _ core.CompletionObserver = (*CompletionAggregator)(nil)

func NewCompletionAggregator(
	deliveries core.DeliveryStore,
	transport core.WebhookTransport,
	cfg AggregatorConfig,
	logger logging.Logger,
) *CompletionAggregator {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		cfg.MaxBackoff = cfg.BaseBackoff
	}
	return &CompletionAggregator{
		deliveries: deliveries,
		transport:  transport,
		cfg:        cfg,
		work:       make(chan uuid.UUID, 256),
		inflight:   make(map[uuid.UUID]struct{}),
		now:        func() time.Time { return time.Now().UTC() },
		logger:     logger,
	}
}

// Observe schedules delivery for transitions that finished a job with a
// callback. Anything dropped here is picked up by the next sweep.
func (a *CompletionAggregator) Observe(tr *core.Transition) {
	if tr == nil || !tr.Applied || !tr.JobFinished || tr.Job == nil {
		return
	}
	a.logger.Info("Job finished", "job_id", tr.Job.ID, "status", tr.Job.Status,
		"completed", tr.Job.CompletedTasks, "failed", tr.Job.FailedTasks)
	if tr.Job.CallbackURL == "" {
		return
	}
	a.schedule(tr.Job.ID)
}

func (a *CompletionAggregator) schedule(jobID uuid.UUID) bool {
	a.mu.Lock()
	if _, busy := a.inflight[jobID]; busy {
		a.mu.Unlock()
		return false
	}
	a.inflight[jobID] = struct{}{}
	a.mu.Unlock()

	select {
	case a.work <- jobID:
		return true
	default:
		a.done(jobID)
		return false
	}
}

func (a *CompletionAggregator) done(jobID uuid.UUID) {
	a.mu.Lock()
	delete(a.inflight, jobID)
	a.mu.Unlock()
}

// Run delivers scheduled webhooks until ctx is cancelled. It starts with a
// sweep so deliveries left pending by a previous process are replayed.
func (a *CompletionAggregator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case jobID := <-a.work:
					a.Deliver(ctx, jobID)
					a.done(jobID)
				}
			}
		})
	}
	g.Go(func() error {
		a.Sweep(ctx)
		if a.cfg.SweepInterval <= 0 {
			return nil
		}
		ticker := jitterbug.New(a.cfg.SweepInterval, &jitterbug.Norm{Stdev: a.cfg.SweepInterval / 10})
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				a.Sweep(ctx)
			}
		}
	})
	return g.Wait()
}

// Sweep schedules every pending delivery.
func (a *CompletionAggregator) Sweep(ctx context.Context) int {
	pending, err := a.deliveries.ListPendingDeliveries(ctx, cap(a.work))
	if err != nil {
		a.logger.Error("Failed to list pending deliveries", "error", err)
		return 0
	}
	n := 0
	for _, d := range pending {
		if a.schedule(d.JobID) {
			n++
		}
	}
	if n > 0 {
		a.logger.Debug("Scheduled pending deliveries", "count", n)
	}
	return n
}

// errStopDelivery marks a response that will not change on retry.
var errStopDelivery = errors.New("callback rejected")

// Deliver runs the retry sequence for one job's webhook. Every attempt is
// recorded before the next one starts.
func (a *CompletionAggregator) Deliver(ctx context.Context, jobID uuid.UUID) {
	d, err := a.deliveries.GetDelivery(ctx, jobID)
	if err != nil {
		a.logger.Error("Failed to load delivery", "job_id", jobID, "error", err)
		return
	}
	if d.State != core.DeliveryStatePending {
		return
	}

	remaining := a.cfg.MaxAttempts - d.Attempts
	if remaining <= 0 {
		a.finish(ctx, d, core.DeliveryStateFailed)
		return
	}

	backoff := retry.NewExponential(a.cfg.BaseBackoff)
	backoff = retry.WithCappedDuration(a.cfg.MaxBackoff, backoff)
	backoff = retry.WithMaxRetries(uint64(remaining-1), backoff)

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		code, sendErr := a.transport.Deliver(ctx, d)
		msg := ""
		if sendErr != nil {
			msg = sendErr.Error()
		} else if code < 200 || code >= 300 {
			msg = http.StatusText(code)
		}
		d.Attempts++
		if recErr := a.deliveries.RecordDeliveryAttempt(ctx, d.JobID, code, msg, a.now()); recErr != nil {
			// The response still decides the outcome: an accepted callback
			// must not be sent again.
			a.logger.Warn("Failed to record delivery attempt", "job_id", d.JobID, "attempt", d.Attempts, "error", recErr)
		}

		switch {
		case sendErr != nil:
			return retry.RetryableError(sendErr)
		case code >= 200 && code < 300:
			return nil
		case code >= 500 || code == http.StatusTooManyRequests:
			return retry.RetryableError(fmt.Errorf("callback returned %d", code))
		default:
			return fmt.Errorf("%w: status %d", errStopDelivery, code)
		}
	})

	switch {
	case err == nil:
		a.logger.Info("Webhook delivered", "job_id", d.JobID, "attempts", d.Attempts)
		a.finish(ctx, d, core.DeliveryStateDelivered)
	case ctx.Err() != nil:
		// Left pending for the next process.
	default:
		a.logger.Warn("Webhook delivery failed", "job_id", d.JobID, "attempts", d.Attempts, "error", err)
		a.finish(ctx, d, core.DeliveryStateFailed)
	}
}

func (a *CompletionAggregator) finish(ctx context.Context, d *core.Delivery, state core.DeliveryState) {
	metrics.IncWebhookDelivery(string(state))
	if err := a.deliveries.FinishDelivery(ctx, d.JobID, state, a.now()); err != nil {
		a.logger.Error("Failed to record delivery result", "job_id", d.JobID, "error", err)
	}
}
