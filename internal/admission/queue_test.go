package admission

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/provider"
	"github.com/inboxops/triage-engine/internal/resilience"
)

type fakeGenerator struct {
	mu    sync.Mutex
	calls int
	block chan struct{} // if set, Generate blocks until closed
	err   error
}

func (f *fakeGenerator) Generate(ctx context.Context, _ provider.Request) (*provider.Generation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return &provider.Generation{Text: "ok", TokensUsed: 5}, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func quickBreakers() *resilience.BreakerRegistry {
	return resilience.NewBreakerRegistry(func(string) resilience.BreakerConfig {
		return resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}
	})
}

func TestQueue_AdmitsWithinBurst(t *testing.T) {
	gen := &fakeGenerator{}
	q := NewQueue(Config{RefillRate: 10, Burst: 3}, gen, nil, quickBreakers())

	client := model.ClientContext{UserID: "u1"}
	resp, err := q.Do(context.Background(), client, provider.Request{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 1, gen.callCount())
}

func TestQueue_RateLimitExceededOnExhaustedBucket(t *testing.T) {
	gen := &fakeGenerator{}
	// Slow refill so the bucket cannot recover mid-test.
	q := NewQueue(Config{RefillRate: 0.01, Burst: 2}, gen, nil, quickBreakers())

	client := model.ClientContext{UserID: "u1"}
	for i := 0; i < 2; i++ {
		_, err := q.Do(context.Background(), client, provider.Request{Prompt: "hi"})
		require.NoError(t, err)
	}

	_, err := q.Do(context.Background(), client, provider.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailRateLimit))

	f, _ := model.AsFailure(err)
	assert.Greater(t, f.RetryAfter, time.Duration(0), "rejection must carry a retry-after hint")
	assert.Equal(t, 2, gen.callCount(), "rejected request must not reach the gateway")
}

func TestQueue_BucketRefills(t *testing.T) {
	gen := &fakeGenerator{}
	q := NewQueue(Config{RefillRate: 50, Burst: 1}, gen, nil, quickBreakers())

	client := model.ClientContext{UserID: "u1"}
	_, err := q.Do(context.Background(), client, provider.Request{Prompt: "hi"})
	require.NoError(t, err)

	_, err = q.Do(context.Background(), client, provider.Request{Prompt: "hi"})
	require.Error(t, err, "bucket should be empty immediately after burst")

	time.Sleep(40 * time.Millisecond) // > one token at 50/s

	_, err = q.Do(context.Background(), client, provider.Request{Prompt: "hi"})
	assert.NoError(t, err, "capacity should return after the refill interval")
}

func TestQueue_BucketsAreIndependentPerClient(t *testing.T) {
	gen := &fakeGenerator{}
	q := NewQueue(Config{RefillRate: 0.01, Burst: 1}, gen, nil, quickBreakers())

	_, err := q.Do(context.Background(), model.ClientContext{UserID: "u1"}, provider.Request{Prompt: "hi"})
	require.NoError(t, err)
	_, err = q.Do(context.Background(), model.ClientContext{UserID: "u1"}, provider.Request{Prompt: "hi"})
	require.Error(t, err)

	// A different client still has a full bucket.
	_, err = q.Do(context.Background(), model.ClientContext{UserID: "u2"}, provider.Request{Prompt: "hi"})
	assert.NoError(t, err)
}

func TestQueue_AnonymousClientsShareBucketBySource(t *testing.T) {
	gen := &fakeGenerator{}
	q := NewQueue(Config{RefillRate: 0.01, Burst: 1}, gen, nil, quickBreakers())

	a := model.ClientContext{RemoteAddr: "10.0.0.9", UserAgent: "curl/8.0"}
	b := model.ClientContext{RemoteAddr: "10.0.0.9", UserAgent: "curl/8.0"}

	_, err := q.Do(context.Background(), a, provider.Request{Prompt: "hi"})
	require.NoError(t, err)

	_, err = q.Do(context.Background(), b, provider.Request{Prompt: "hi"})
	assert.True(t, model.IsFailure(err, model.FailRateLimit),
		"anonymous traffic from one source must share a bucket")

	// A different source is unaffected.
	c := model.ClientContext{RemoteAddr: "10.0.0.10", UserAgent: "curl/8.0"}
	_, err = q.Do(context.Background(), c, provider.Request{Prompt: "hi"})
	assert.NoError(t, err)
}

func TestQueue_CapacityExceededAtCeiling(t *testing.T) {
	block := make(chan struct{})
	gen := &fakeGenerator{block: block}
	q := NewQueue(Config{
		RefillRate:     100,
		Burst:          10,
		MaxConcurrent:  1,
		AcquireTimeout: 50 * time.Millisecond,
	}, gen, nil, quickBreakers())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = q.Do(context.Background(), model.ClientContext{UserID: "u1"}, provider.Request{Prompt: "long"})
	}()

	// Wait until the first request holds the only slot.
	require.Eventually(t, func() bool { return gen.callCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err := q.Do(context.Background(), model.ClientContext{UserID: "u2"}, provider.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailCapacity))

	close(block)
	wg.Wait()
}

func TestQueue_BackendUnavailableWhenAllCircuitsOpen(t *testing.T) {
	gen := &fakeGenerator{}
	breakers := quickBreakers()
	q := NewQueue(Config{RefillRate: 100, Burst: 10}, gen, []string{"ollama"}, breakers)

	// Trip the only backend's breaker.
	_ = breakers.Get("ollama").Execute(context.Background(), func(_ context.Context) error {
		return resilience.NewTransientError(errors.New("down"), 503)
	})

	_, err := q.Do(context.Background(), model.ClientContext{UserID: "u1"}, provider.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailBackendUnavailable))

	f, _ := model.AsFailure(err)
	assert.Greater(t, f.RetryAfter, time.Duration(0))
	assert.Equal(t, 0, gen.callCount(), "backend must not be contacted while the circuit is open")
}

func TestQueue_MapsBreakerOpenFromGateway(t *testing.T) {
	gen := &fakeGenerator{err: resilience.ErrBreakerOpen}
	q := NewQueue(Config{RefillRate: 100, Burst: 10}, gen, []string{"ollama"}, quickBreakers())

	_, err := q.Do(context.Background(), model.ClientContext{UserID: "u1"}, provider.Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailBackendUnavailable))

	// No breaker reports a retry time here, so the hint falls back to the
	// configured cooldown instead of zero.
	f, ok := model.AsFailure(err)
	require.True(t, ok)
	assert.Equal(t, time.Minute, f.RetryAfter)
}

func TestQueue_PassesThroughNoProvider(t *testing.T) {
	gen := &fakeGenerator{err: model.NewFailure(model.FailNoProvider, 0, errors.New("nothing registered"))}
	q := NewQueue(Config{RefillRate: 100, Burst: 10}, gen, nil, quickBreakers())

	_, err := q.Do(context.Background(), model.ClientContext{UserID: "u1"}, provider.Request{Prompt: "hi"})
	assert.True(t, model.IsFailure(err, model.FailNoProvider))
}
