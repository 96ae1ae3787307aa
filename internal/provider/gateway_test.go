package provider

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/resilience"
)

type fakeBackend struct {
	name  string
	mu    sync.Mutex
	calls int
	err   error
	text  string
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Generate(_ context.Context, _ Request) (*Generation, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &Generation{Text: f.text, TokensUsed: 10, Backend: f.name}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.Event
}

func (r *recordingSink) Publish(ev model.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingSink) kinds() []model.EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func testBreakers() *resilience.BreakerRegistry {
	return resilience.NewBreakerRegistry(func(string) resilience.BreakerConfig {
		return resilience.BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}
	})
}

func newTestGateway(t *testing.T, backends ...Backend) (*Gateway, *resilience.BreakerRegistry, *recordingSink) {
	t.Helper()
	reg := NewRegistry()
	order := make([]string, 0, len(backends))
	for _, b := range backends {
		reg.Register(b)
		order = append(order, b.Name())
	}
	breakers := testBreakers()
	sink := &recordingSink{}
	return NewGateway(GatewayConfig{Order: order}, reg, breakers, sink), breakers, sink
}

func TestGateway_PrefersFirstInOrder(t *testing.T) {
	local := &fakeBackend{name: "ollama", text: "local answer"}
	remote := &fakeBackend{name: "anthropic", text: "remote answer"}
	gw, _, sink := newTestGateway(t, local, remote)

	gen, err := gw.Generate(context.Background(), Request{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "local answer", gen.Text)
	assert.Equal(t, 0, remote.callCount())
	assert.Equal(t, "ollama", gw.Active())
	assert.Contains(t, sink.kinds(), model.EventBackendSelected)
}

func TestGateway_SkipsOpenBreaker(t *testing.T) {
	local := &fakeBackend{name: "ollama"}
	remote := &fakeBackend{name: "anthropic", text: "fallback"}
	gw, breakers, _ := newTestGateway(t, local, remote)

	// Trip the local breaker.
	_ = breakers.Get("ollama").Execute(context.Background(), func(_ context.Context) error {
		return resilience.NewTransientError(errors.New("down"), 503)
	})

	gen, err := gw.Generate(context.Background(), Request{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, "fallback", gen.Text)
	assert.Equal(t, "anthropic", gw.Active())
	assert.Equal(t, 0, local.callCount())
}

func TestGateway_SelectionIsCached(t *testing.T) {
	local := &fakeBackend{name: "ollama", text: "ok"}
	gw, _, sink := newTestGateway(t, local)

	for i := 0; i < 3; i++ {
		_, err := gw.Generate(context.Background(), Request{Prompt: "hi"})
		require.NoError(t, err)
	}

	// One selection event despite three calls.
	selected := 0
	for _, k := range sink.kinds() {
		if k == model.EventBackendSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected)
}

func TestGateway_FailoverAfterBreakerOpens(t *testing.T) {
	local := &fakeBackend{name: "ollama", err: resilience.NewTransientError(errors.New("refused"), 503)}
	remote := &fakeBackend{name: "anthropic", text: "fallback"}
	gw, _, _ := newTestGateway(t, local, remote)

	// First call fails and opens the local breaker (threshold 1).
	_, err := gw.Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)

	// Next call re-resolves to the remote backend, no sticky failure.
	gen, err := gw.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "fallback", gen.Text)
}

func TestGateway_FatalErrorInvalidatesSelection(t *testing.T) {
	local := &fakeBackend{name: "ollama", err: resilience.NewFatalError(errors.New("bad model"))}
	remote := &fakeBackend{name: "anthropic", text: "fallback"}
	gw, breakers, _ := newTestGateway(t, local, remote)

	_, err := gw.Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)

	// Fatal errors do not trip the breaker but do drop the cached selection.
	assert.Equal(t, resilience.BreakerClosed, breakers.Get("ollama").State())
	assert.Equal(t, "", gw.Active())
}

func TestGateway_OpenCircuitRejectionEmitsNoFailureEvent(t *testing.T) {
	b := &fakeBackend{name: "ollama"}
	gw, _, sink := newTestGateway(t, b)

	// A breaker-open rejection never contacted the backend, so it must not
	// be reported as a backend failure.
	gw.noteFailure(b, resilience.ErrBreakerOpen)

	assert.Empty(t, sink.kinds())
}

func TestGateway_NoProviderAvailable(t *testing.T) {
	local := &fakeBackend{name: "ollama"}
	gw, breakers, _ := newTestGateway(t, local)

	_ = breakers.Get("ollama").Execute(context.Background(), func(_ context.Context) error {
		return resilience.NewTransientError(errors.New("down"), 502)
	})

	_, err := gw.Generate(context.Background(), Request{Prompt: "hi"})
	require.Error(t, err)
	assert.True(t, model.IsFailure(err, model.FailNoProvider))
	assert.Equal(t, 0, local.callCount())
}

func TestGateway_PreferredBackendWins(t *testing.T) {
	local := &fakeBackend{name: "ollama", text: "local"}
	remote := &fakeBackend{name: "anthropic", text: "remote"}

	reg := NewRegistry()
	reg.Register(local)
	reg.Register(remote)

	gw := NewGateway(GatewayConfig{
		Order:     []string{"ollama", "anthropic"},
		Preferred: "anthropic",
	}, reg, testBreakers(), nil)

	gen, err := gw.Generate(context.Background(), Request{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "remote", gen.Text)
}

func TestGateway_ConcurrentCallsShareResolution(t *testing.T) {
	local := &fakeBackend{name: "ollama", text: "ok"}
	gw, _, sink := newTestGateway(t, local)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = gw.Generate(context.Background(), Request{Prompt: "hi"})
		}()
	}
	wg.Wait()

	selected := 0
	for _, k := range sink.kinds() {
		if k == model.EventBackendSelected {
			selected++
		}
	}
	assert.Equal(t, 1, selected, "resolution must happen once, not per caller")
}
