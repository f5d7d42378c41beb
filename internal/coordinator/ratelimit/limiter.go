// Package ratelimit admits job submissions against per-identity and global
// token buckets.
package ratelimit

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nemanja-m/voxq/internal/coordinator/core"
	"github.com/nemanja-m/voxq/internal/shared/metrics"
)

type bucket struct {
	limiter *rate.Limiter
	quota   core.Quota
}

// Limiter holds one token bucket per identity plus a shared global bucket.
// A request is admitted only if both buckets have a token. A rejection
// consumes nothing.
type Limiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	global       *rate.Limiter
	defaultQuota core.Quota
	now          func() time.Time
}

var _ core.Admission = (*Limiter)(nil)

type Option func(*Limiter)

// WithClock replaces the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a limiter. A globalRate of zero disables the global bucket.
func New(globalRate float64, globalBurst int, defaultQuota core.Quota, opts ...Option) *Limiter {
	l := &Limiter{
		buckets:      make(map[string]*bucket),
		defaultQuota: defaultQuota,
		now:          time.Now,
	}
	if globalRate > 0 {
		l.global = rate.NewLimiter(rate.Limit(globalRate), max(globalBurst, 1))
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Limiter) Admit(identity *core.Identity) error {
	if identity == nil {
		return core.ErrUnauthenticated
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketFor(identity)

	own := b.limiter.ReserveN(now, 1)
	if !own.OK() || own.DelayFrom(now) > 0 {
		own.CancelAt(now)
		metrics.IncAdmissionRejection("identity")
		return fmt.Errorf("%w: identity %s", core.ErrQuotaExceeded, identity.ID)
	}
	if l.global != nil {
		g := l.global.ReserveN(now, 1)
		if !g.OK() || g.DelayFrom(now) > 0 {
			g.CancelAt(now)
			own.CancelAt(now)
			metrics.IncAdmissionRejection("global")
			return fmt.Errorf("%w: global limit", core.ErrQuotaExceeded)
		}
	}
	return nil
}

// bucketFor returns the identity's bucket, rebuilding it when its quota
// changed. Caller must hold mu.
func (l *Limiter) bucketFor(identity *core.Identity) *bucket {
	quota := identity.Quota
	if quota.Requests <= 0 || quota.Interval <= 0 {
		quota = l.defaultQuota
	}
	if b, ok := l.buckets[identity.ID]; ok && b.quota == quota {
		return b
	}
	b := &bucket{limiter: newLimiter(quota), quota: quota}
	l.buckets[identity.ID] = b
	return b
}

func newLimiter(q core.Quota) *rate.Limiter {
	if q.Requests <= 0 || q.Interval <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	every := rate.Every(q.Interval / time.Duration(q.Requests))
	burst := q.Burst
	if burst <= 0 {
		burst = q.Requests
	}
	return rate.NewLimiter(every, burst)
}
