// Package admission enforces per-client fairness and global backpressure in
// front of the provider gateway.
package admission

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/inboxops/triage-engine/internal/expire"
	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/provider"
	"github.com/inboxops/triage-engine/internal/resilience"
)

// Generator is the downstream capability the queue guards, satisfied by
// *provider.Gateway.
type Generator interface {
	Generate(ctx context.Context, req provider.Request) (*provider.Generation, error)
}

// Config controls admission behavior.
type Config struct {
	// RefillRate is tokens per second added to each client's bucket.
	// Default: 1.
	RefillRate float64
	// Burst is each bucket's capacity. Default: 5.
	Burst int
	// MaxConcurrent is the global in-flight ceiling across all clients.
	// Default: 8.
	MaxConcurrent int64
	// AcquireTimeout is the hard cap on waiting for a global slot; requests
	// waiting longer are rejected. Default: 2s.
	AcquireTimeout time.Duration
	// BucketTTL is how long an idle client's bucket is kept. Default: 30m.
	BucketTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.RefillRate <= 0 {
		c.RefillRate = 1
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 8
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = 2 * time.Second
	}
	if c.BucketTTL <= 0 {
		c.BucketTTL = 30 * time.Minute
	}
	return c
}

// Queue is the client-aware admission layer: token-bucket rate limiting per
// client identity, a bounded global concurrency ceiling, and per-backend
// circuit breaking, applied in that order before the gateway is reached.
type Queue struct {
	cfg      Config
	buckets  *expire.MemoryStore[string, *rate.Limiter]
	sem      *semaphore.Weighted
	gateway  Generator
	backends []string
	breakers *resilience.BreakerRegistry
}

// NewQueue creates the admission queue in front of gateway. backends lists
// the configured backend names so the queue can fail fast when every circuit
// is open.
func NewQueue(cfg Config, gateway Generator, backends []string, breakers *resilience.BreakerRegistry) *Queue {
	cfg = cfg.withDefaults()
	return &Queue{
		cfg:      cfg,
		buckets:  expire.NewMemory[string, *rate.Limiter](cfg.BucketTTL),
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		gateway:  gateway,
		backends: backends,
		breakers: breakers,
	}
}

// StartSweeper launches the periodic sweep of idle client buckets.
func (q *Queue) StartSweeper(ctx context.Context, interval time.Duration) {
	q.buckets.StartSweeper(ctx, interval)
}

// ActiveBuckets returns the number of live client buckets, for monitoring.
func (q *Queue) ActiveBuckets() int {
	return q.buckets.Len()
}

// Do admits one inference request for the given client and runs it through
// the gateway. Rejections carry a model.Failure with a retry-after hint.
func (q *Queue) Do(ctx context.Context, client model.ClientContext, req provider.Request) (*provider.Generation, error) {
	key := client.Key()

	if err := q.checkBucket(key); err != nil {
		return nil, err
	}

	if err := q.acquireSlot(ctx); err != nil {
		return nil, err
	}
	defer q.sem.Release(1)

	if err := q.checkBreakers(); err != nil {
		return nil, err
	}

	gen, err := q.gateway.Generate(ctx, req)
	if err != nil {
		// A half-open probe already in flight surfaces as a breaker-open
		// rejection; the backend was not contacted.
		if errors.Is(err, resilience.ErrBreakerOpen) {
			return nil, model.NewFailure(model.FailBackendUnavailable, q.earliestRetry(), err)
		}
		return nil, err
	}
	return gen, nil
}

// checkBucket takes one token from the client's bucket, rejecting immediately
// when none is available.
func (q *Queue) checkBucket(key string) error {
	lim := q.buckets.GetOrCreate(key, func() *rate.Limiter {
		return rate.NewLimiter(rate.Limit(q.cfg.RefillRate), q.cfg.Burst)
	})

	r := lim.Reserve()
	if !r.OK() {
		return model.NewFailure(model.FailRateLimit, time.Duration(float64(time.Second)/q.cfg.RefillRate),
			eris.Errorf("admission: client %s bucket cannot satisfy request", key))
	}
	if delay := r.Delay(); delay > 0 {
		// Never silently queue: give the token back and reject with a hint.
		r.Cancel()
		zap.L().Debug("admission: rate limit exceeded",
			zap.String("client", key),
			zap.Duration("retry_after", delay),
		)
		return model.NewFailure(model.FailRateLimit, delay,
			eris.Errorf("admission: client %s has no tokens", key))
	}
	return nil
}

// acquireSlot waits for a global slot up to the configured hard cap.
func (q *Queue) acquireSlot(ctx context.Context) error {
	acquireCtx, cancel := context.WithTimeout(ctx, q.cfg.AcquireTimeout)
	defer cancel()

	if err := q.sem.Acquire(acquireCtx, 1); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return model.NewFailure(model.FailCapacity, q.cfg.AcquireTimeout,
			eris.Wrap(err, "admission: global ceiling reached"))
	}
	return nil
}

// checkBreakers fails fast when every configured backend's circuit is open,
// so cooled-down capacity is never burned on doomed calls.
func (q *Queue) checkBreakers() error {
	if len(q.backends) == 0 {
		return nil
	}
	for _, name := range q.backends {
		if q.breakers.Get(name).State() != resilience.BreakerOpen {
			return nil
		}
	}
	retryAfter := q.earliestRetry()
	return model.NewFailure(model.FailBackendUnavailable, retryAfter,
		eris.Errorf("admission: all backends %v have open circuits", q.backends))
}

// earliestRetry returns the shortest time until any open breaker allows a
// half-open probe. When no breaker reports a retry time, for example a
// half-open probe already in flight, the shortest configured cooldown serves
// as the hint so callers never see a recoverable failure with no backoff.
func (q *Queue) earliestRetry() time.Duration {
	now := time.Now()
	var earliest time.Duration
	for _, name := range q.backends {
		snap := q.breakers.Get(name).SnapshotState()
		if snap.NextRetryAt.IsZero() {
			continue
		}
		d := snap.NextRetryAt.Sub(now)
		if d < 0 {
			d = 0
		}
		if earliest == 0 || d < earliest {
			earliest = d
		}
	}
	if earliest == 0 {
		for _, name := range q.backends {
			cd := q.breakers.Get(name).Cooldown()
			if earliest == 0 || cd < earliest {
				earliest = cd
			}
		}
	}
	return earliest
}
