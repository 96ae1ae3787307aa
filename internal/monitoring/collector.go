package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/inboxops/triage-engine/internal/resilience"
	"github.com/inboxops/triage-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Stored state.
	RunsByStatus    map[string]int `json:"runs_by_status"`
	ItemsTotal      int            `json:"items_total"`
	ByFinalPriority map[string]int `json:"by_final_priority"`
	DegradedResults int            `json:"degraded_results"`
	DegradedRate    float64        `json:"degraded_rate"`

	// DLQ depth.
	DLQDepth int `json:"dlq_depth"`

	// Circuit state per backend.
	Breakers map[string]resilience.Snapshot `json:"breakers"`

	CollectedAt time.Time `json:"collected_at"`
}

// StatsSource abstracts the store methods the collector needs.
type StatsSource interface {
	Stats(ctx context.Context) (*store.Stats, error)
}

// Collector gathers metrics from the store and the breaker registry.
type Collector struct {
	store    StatsSource
	breakers *resilience.BreakerRegistry
}

// NewCollector creates a new metrics collector. The registry may be nil when
// no inference backends are configured.
func NewCollector(st StatsSource, breakers *resilience.BreakerRegistry) *Collector {
	return &Collector{store: st, breakers: breakers}
}

// Collect gathers a snapshot of system metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	stats, err := c.store.Stats(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: collect stats")
	}

	snap := &MetricsSnapshot{
		RunsByStatus:    stats.RunsByStatus,
		ItemsTotal:      stats.ItemsTotal,
		ByFinalPriority: stats.ByFinalPriority,
		DegradedResults: stats.DegradedResults,
		DLQDepth:        stats.DeadLetters,
		CollectedAt:     time.Now().UTC(),
	}
	if stats.ItemsTotal > 0 {
		snap.DegradedRate = float64(stats.DegradedResults) / float64(stats.ItemsTotal)
	}
	if c.breakers != nil {
		snap.Breakers = c.breakers.Snapshots()
	}
	return snap, nil
}
