// Package monitoring publishes pipeline events, collects health snapshots,
// and raises webhook alerts.
package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/inboxops/triage-engine/internal/model"
	"github.com/inboxops/triage-engine/internal/resilience"
)

// Bus fans pipeline events out to subscribers and keeps a bounded ring of
// recent events for the status endpoint. Publish never blocks: slow
// subscribers drop events.
type Bus struct {
	mu     sync.Mutex
	recent []model.Event
	cap    int
	subs   map[int]chan model.Event
	nextID int
}

func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		cap:  capacity,
		subs: make(map[int]chan model.Event),
	}
}

// Publish records an event and delivers it to all subscribers.
func (b *Bus) Publish(ev model.Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > b.cap {
		b.recent = b.recent[len(b.recent)-b.cap:]
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	b.mu.Unlock()

	zap.L().Debug("event",
		zap.String("kind", string(ev.Kind)),
		zap.String("backend", ev.Backend),
		zap.String("detail", ev.Detail))
}

// Subscribe returns a channel of future events and a cancel function.
func (b *Bus) Subscribe(buffer int) (<-chan model.Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan model.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Recent returns up to n most recent events, newest last.
func (b *Bus) Recent(n int) []model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || n > len(b.recent) {
		n = len(b.recent)
	}
	out := make([]model.Event, n)
	copy(out, b.recent[len(b.recent)-n:])
	return out
}

// BreakerListener returns an OnStateChange hook for the named backend that
// publishes circuit transitions to the bus.
func (b *Bus) BreakerListener(backend string) func(from, to resilience.BreakerState) {
	return func(from, to resilience.BreakerState) {
		kind := model.EventBreakerClosed
		switch to {
		case resilience.BreakerOpen:
			kind = model.EventBreakerOpened
		case resilience.BreakerHalfOpen:
			kind = model.EventBreakerHalfOpen
		}
		b.Publish(model.Event{
			Kind:    kind,
			Backend: backend,
			Detail:  from.String() + " -> " + to.String(),
		})
	}
}
