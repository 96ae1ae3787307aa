// Package resilience provides circuit breaker and retry primitives for calls
// to inference backends and the persistence gateway.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// BreakerState represents the state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed is the normal operating state; requests flow through.
	BreakerClosed BreakerState = iota
	// BreakerOpen means too many consecutive failures; requests are rejected
	// immediately without contacting the backend.
	BreakerOpen
	// BreakerHalfOpen allows exactly one trial request to test recovery.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned when a call is rejected because the circuit is
// open (or a half-open probe is already in flight).
var ErrBreakerOpen = eris.New("circuit breaker is open")

// BreakerConfig controls circuit breaker behavior.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before allowing a
	// half-open trial request. Default: 30s.
	Cooldown time.Duration

	// ShouldTrip decides whether an error counts toward the failure
	// threshold. If nil, all transient errors count; fatal errors (malformed
	// requests) never trip the breaker.
	ShouldTrip func(err error) bool

	// OnStateChange is called when the circuit transitions between states.
	OnStateChange func(from, to BreakerState)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Snapshot is a point-in-time view of a breaker, exposed for monitoring and
// retry-after hints.
type Snapshot struct {
	State         BreakerState
	FailureCount  int
	LastFailureAt time.Time
	NextRetryAt   time.Time
}

// Breaker implements the circuit breaker pattern for a single backend. All
// state transitions happen under one mutex: read-modify-write is atomic, so
// concurrent failures never lose updates.
type Breaker struct {
	cfg BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	lastFailure   time.Time
	probeInFlight bool

	nowFunc func() time.Time
}

// NewBreaker creates a circuit breaker with the given config.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:     cfg,
		state:   BreakerClosed,
		nowFunc: time.Now,
	}
}

// Cooldown returns the open-state cooldown, after defaulting.
func (b *Breaker) Cooldown() time.Duration {
	return b.cfg.Cooldown
}

// Execute runs fn through the breaker. Returns ErrBreakerOpen without calling
// fn if the circuit is open or a half-open probe is already in flight.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

// ExecuteVal is like Execute but preserves a return value.
func ExecuteVal[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.allow(); err != nil {
		return zero, err
	}
	val, err := fn(ctx)
	b.record(err)
	return val, err
}

// Allow reserves the right to make one call, transitioning open breakers to
// half-open after the cooldown. Callers that use Allow directly must report
// the outcome via Record.
func (b *Breaker) Allow() error { return b.allow() }

// Record reports the outcome of a call admitted via Allow.
func (b *Breaker) Record(err error) { b.record(err) }

// State returns the current breaker state, accounting for cooldown expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && b.cooldownElapsed() {
		return BreakerHalfOpen
	}
	return b.state
}

// SnapshotState returns the breaker's current counters and the earliest time
// a rejected caller should retry.
func (b *Breaker) SnapshotState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := Snapshot{
		State:         b.state,
		FailureCount:  b.failures,
		LastFailureAt: b.lastFailure,
	}
	if b.state == BreakerOpen {
		if b.cooldownElapsed() {
			snap.State = BreakerHalfOpen
		} else {
			snap.NextRetryAt = b.lastFailure.Add(b.cfg.Cooldown)
		}
	}
	return snap
}

// Reset forces the circuit back to closed. Used for tests and manual recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	old := b.state
	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
	if old != BreakerClosed && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(old, BreakerClosed)
	}
}

func (b *Breaker) cooldownElapsed() bool {
	return b.nowFunc().Sub(b.lastFailure) >= b.cfg.Cooldown
}

func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if !b.cooldownElapsed() {
			return ErrBreakerOpen
		}
		b.transition(BreakerHalfOpen)
		b.probeInFlight = true
		return nil
	case BreakerHalfOpen:
		// Exactly one probe at a time.
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.probeInFlight = true
		return nil
	default:
		return nil
	}
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	shouldTrip := b.cfg.ShouldTrip
	if shouldTrip == nil {
		shouldTrip = func(e error) bool { return e != nil && !IsFatal(e) }
	}

	if b.state == BreakerHalfOpen {
		b.probeInFlight = false
	}

	if err == nil || !shouldTrip(err) {
		switch b.state {
		case BreakerHalfOpen:
			// The probe succeeded: close and reset.
			b.transition(BreakerClosed)
			b.failures = 0
		case BreakerClosed:
			b.failures = 0
		}
		return
	}

	b.failures++
	b.lastFailure = b.nowFunc()

	switch b.state {
	case BreakerClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// A failed probe reopens the circuit and restarts the cooldown.
		b.transition(BreakerOpen)
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// BreakerRegistry manages one breaker per backend. It is process-scoped state
// handed to components via constructor injection.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	newCfg   func(backend string) BreakerConfig
}

// NewBreakerRegistry creates a registry; newCfg builds the config for each
// backend's breaker (allowing per-backend OnStateChange wiring).
func NewBreakerRegistry(newCfg func(backend string) BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*Breaker),
		newCfg:   newCfg,
	}
}

// Get returns the breaker for the named backend, creating one if needed.
func (r *BreakerRegistry) Get(backend string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[backend]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[backend]; ok {
		return b
	}
	b = NewBreaker(r.newCfg(backend))
	r.breakers[backend] = b
	return b
}

// Snapshots returns a point-in-time view of every breaker.
func (r *BreakerRegistry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.SnapshotState()
	}
	return out
}
