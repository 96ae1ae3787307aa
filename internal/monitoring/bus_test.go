package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/resilience"
)

func TestBusPublishAndRecent(t *testing.T) {
	bus := NewBus(3)

	for _, backend := range []string{"a", "b", "c", "d"} {
		bus.Publish(model.Event{Kind: model.EventBackendSelected, Backend: backend})
	}

	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, "b", recent[0].Backend)
	assert.Equal(t, "d", recent[2].Backend)
	assert.False(t, recent[0].Timestamp.IsZero())

	last := bus.Recent(1)
	require.Len(t, last, 1)
	assert.Equal(t, "d", last[0].Backend)
}

func TestBusSubscribe(t *testing.T) {
	bus := NewBus(16)
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish(model.Event{Kind: model.EventBreakerOpened, Backend: "anthropic"})

	ev := <-ch
	assert.Equal(t, model.EventBreakerOpened, ev.Kind)
	assert.Equal(t, "anthropic", ev.Backend)
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(16)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	// Second publish would block a synchronous bus; it must not.
	bus.Publish(model.Event{Kind: model.EventBackendFailed, Backend: "x"})
	bus.Publish(model.Event{Kind: model.EventBackendFailed, Backend: "y"})

	assert.Len(t, bus.Recent(0), 2)
}

func TestBusCancelIdempotent(t *testing.T) {
	bus := NewBus(16)
	_, cancel := bus.Subscribe(1)
	cancel()
	cancel()

	bus.Publish(model.Event{Kind: model.EventBackendSelected, Backend: "a"})
}

func TestBreakerListener(t *testing.T) {
	bus := NewBus(16)
	listen := bus.BreakerListener("ollama")

	listen(resilience.BreakerClosed, resilience.BreakerOpen)
	listen(resilience.BreakerOpen, resilience.BreakerHalfOpen)
	listen(resilience.BreakerHalfOpen, resilience.BreakerClosed)

	recent := bus.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, model.EventBreakerOpened, recent[0].Kind)
	assert.Equal(t, model.EventBreakerHalfOpen, recent[1].Kind)
	assert.Equal(t, model.EventBreakerClosed, recent[2].Kind)
	assert.Equal(t, "ollama", recent[0].Backend)
}
