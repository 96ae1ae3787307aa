package provider

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/resilience"
)

// EventSink receives health notifications from the gateway.
type EventSink interface {
	Publish(ev model.Event)
}

// GatewayConfig controls backend selection.
type GatewayConfig struct {
	// Order is the backend preference list, most preferred first.
	Order []string
	// Preferred optionally pins a backend; used when healthy, otherwise the
	// gateway falls through to Order.
	Preferred string
}

// Gateway presents one Generate entry point over the configured backends. The
// resolved backend is cached for the process lifetime; a fatal error or an
// opened circuit invalidates the cache and the next call re-selects. The
// resolution itself is guarded so concurrent callers share one probe.
type Gateway struct {
	cfg      GatewayConfig
	registry *Registry
	breakers *resilience.BreakerRegistry
	events   EventSink

	mu     sync.Mutex
	active Backend
}

// NewGateway creates a gateway over the registered backends. events may be
// nil when no monitoring is attached.
func NewGateway(cfg GatewayConfig, registry *Registry, breakers *resilience.BreakerRegistry, events EventSink) *Gateway {
	return &Gateway{
		cfg:      cfg,
		registry: registry,
		breakers: breakers,
		events:   events,
	}
}

// Generate resolves a backend and runs the request through its circuit
// breaker. A fatal response invalidates the cached selection so the next call
// re-resolves; there is no sticky failure.
func (g *Gateway) Generate(ctx context.Context, req Request) (*Generation, error) {
	backend, err := g.resolve()
	if err != nil {
		return nil, err
	}

	breaker := g.breakers.Get(backend.Name())
	gen, err := resilience.ExecuteVal(ctx, breaker, func(ctx context.Context) (*Generation, error) {
		return backend.Generate(ctx, req)
	})
	if err != nil {
		g.noteFailure(backend, err)
		return nil, err
	}
	return gen, nil
}

// Active returns the name of the cached backend, or "" if none is resolved.
func (g *Gateway) Active() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active == nil {
		return ""
	}
	return g.active.Name()
}

// resolve returns the cached backend if it is still healthy, otherwise
// re-selects per the preference policy. Only one resolution runs at a time;
// concurrent callers wait for its result rather than duplicating the probe.
func (g *Gateway) resolve() (Backend, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active != nil && g.healthy(g.active.Name()) {
		return g.active, nil
	}
	g.active = nil

	for _, name := range g.candidates() {
		b := g.registry.Get(name)
		if b == nil {
			continue
		}
		if !g.healthy(name) {
			continue
		}
		g.active = b
		zap.L().Info("provider gateway: backend selected", zap.String("backend", name))
		g.publish(model.Event{
			Kind:      model.EventBackendSelected,
			Backend:   name,
			Timestamp: time.Now().UTC(),
		})
		return b, nil
	}

	return nil, model.NewFailure(model.FailNoProvider, 0,
		eris.Errorf("provider gateway: no healthy backend among %v", g.cfg.Order))
}

// candidates lists backend names in selection order: the pinned backend
// first, then the preference order.
func (g *Gateway) candidates() []string {
	if g.cfg.Preferred == "" {
		return g.cfg.Order
	}
	out := make([]string, 0, len(g.cfg.Order)+1)
	out = append(out, g.cfg.Preferred)
	for _, name := range g.cfg.Order {
		if name != g.cfg.Preferred {
			out = append(out, name)
		}
	}
	return out
}

// healthy reports whether the backend's circuit allows requests.
func (g *Gateway) healthy(name string) bool {
	return g.breakers.Get(name).State() != resilience.BreakerOpen
}

func (g *Gateway) noteFailure(backend Backend, err error) {
	fatal := resilience.IsFatal(err)

	g.mu.Lock()
	if g.active == backend && (fatal || !g.healthy(backend.Name())) {
		g.active = nil
	}
	g.mu.Unlock()

	// A breaker-open rejection never reached the backend; the circuit's own
	// state change already produced an event.
	if errors.Is(err, resilience.ErrBreakerOpen) {
		zap.L().Debug("provider gateway: call rejected by open circuit",
			zap.String("backend", backend.Name()))
		return
	}

	zap.L().Warn("provider gateway: backend call failed",
		zap.String("backend", backend.Name()),
		zap.Bool("fatal", fatal),
		zap.Error(err),
	)
	g.publish(model.Event{
		Kind:      model.EventBackendFailed,
		Backend:   backend.Name(),
		Timestamp: time.Now().UTC(),
		Detail:    err.Error(),
	})
}

func (g *Gateway) publish(ev model.Event) {
	if g.events != nil {
		g.events.Publish(ev)
	}
}
