package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_ = b.Execute(context.Background(), func(_ context.Context) error {
			return NewTransientError(errors.New("backend down"), 503)
		})
	}
}

func TestBreaker_ClosedPassesThrough(t *testing.T) {
	b := NewBreaker(DefaultBreakerConfig())

	var calls int
	err := b.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if b.State() != BreakerClosed {
		t.Errorf("expected closed state, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	failN(b, 3)

	if b.State() != BreakerOpen {
		t.Fatalf("expected open after 3 failures, got %s", b.State())
	}

	// Next call must fail fast without contacting the backend.
	err := b.Execute(context.Background(), func(_ context.Context) error {
		t.Error("backend must not be contacted while open")
		return nil
	})
	if !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("expected ErrBreakerOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	failN(b, 2)
	if snap := b.SnapshotState(); snap.FailureCount != 2 {
		t.Errorf("expected 2 failures, got %d", snap.FailureCount)
	}

	_ = b.Execute(context.Background(), func(_ context.Context) error { return nil })

	if snap := b.SnapshotState(); snap.FailureCount != 0 {
		t.Errorf("expected counter reset after success, got %d", snap.FailureCount)
	}
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 2, Cooldown: 100 * time.Millisecond})
	b.nowFunc = func() time.Time { return now }

	failN(b, 2)
	if b.State() != BreakerOpen {
		t.Fatalf("expected open, got %s", b.State())
	}

	// Advance past the cooldown.
	now = now.Add(150 * time.Millisecond)
	if b.State() != BreakerHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", b.State())
	}

	// First probe is admitted; a concurrent second call is rejected.
	if err := b.Allow(); err != nil {
		t.Fatalf("probe should be admitted: %v", err)
	}
	if err := b.Allow(); !errors.Is(err, ErrBreakerOpen) {
		t.Errorf("second concurrent probe must be rejected, got %v", err)
	}

	// Probe success closes the breaker.
	b.Record(nil)
	if b.State() != BreakerClosed {
		t.Errorf("expected closed after successful probe, got %s", b.State())
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.nowFunc = func() time.Time { return now }

	failN(b, 1)
	now = now.Add(2 * time.Second)

	err := b.Execute(context.Background(), func(_ context.Context) error {
		return NewTransientError(errors.New("still down"), 502)
	})
	if err == nil {
		t.Fatal("expected probe error")
	}
	if b.State() != BreakerOpen {
		t.Errorf("expected reopened breaker, got %s", b.State())
	}

	// Cooldown restarted: still open before it elapses again.
	now = now.Add(500 * time.Millisecond)
	if b.State() != BreakerOpen {
		t.Errorf("expected open during restarted cooldown, got %s", b.State())
	}
}

func TestBreaker_FatalErrorsDoNotTrip(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	_ = b.Execute(context.Background(), func(_ context.Context) error {
		return NewFatalError(errors.New("malformed request"))
	})

	if b.State() != BreakerClosed {
		t.Errorf("fatal errors must not open the circuit, got %s", b.State())
	}
}

func TestBreaker_SnapshotNextRetryAt(t *testing.T) {
	now := time.Now()
	cooldown := 30 * time.Second
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: cooldown})
	b.nowFunc = func() time.Time { return now }

	failN(b, 1)

	snap := b.SnapshotState()
	if snap.State != BreakerOpen {
		t.Fatalf("expected open, got %s", snap.State)
	}
	if got, want := snap.NextRetryAt, now.Add(cooldown); !got.Equal(want) {
		t.Errorf("NextRetryAt = %v, want %v", got, want)
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	failN(b, 1)
	b.Reset()

	want := []string{"closed->open", "open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestBreakerRegistry_PerBackend(t *testing.T) {
	reg := NewBreakerRegistry(func(string) BreakerConfig {
		return BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}
	})

	a := reg.Get("local")
	b := reg.Get("remote")
	if a == b {
		t.Fatal("backends must have independent breakers")
	}
	if reg.Get("local") != a {
		t.Error("registry must return the same breaker per backend")
	}

	failN(a, 1)
	snaps := reg.Snapshots()
	if snaps["local"].State != BreakerOpen {
		t.Errorf("local breaker should be open, got %s", snaps["local"].State)
	}
	if snaps["remote"].State != BreakerClosed {
		t.Errorf("remote breaker should be closed, got %s", snaps["remote"].State)
	}
}
