package observability

import (
	"context"
	"time"

	"loom/internal/domain/run"
	"loom/internal/logging"
)

// statsSource is the slice of the store the collector needs.
type statsSource interface {
	CollectStats(ctx context.Context) (*run.QueueStats, error)
}

// Collector periodically rolls up queue stats and records them. Each tick
// runs on ephemeral pool connections and only reads, so the collector can
// share a database with busy workers.
type Collector struct {
	source   statsSource
	metrics  *Metrics
	interval time.Duration
	logger   logging.Logger
}

// NewCollector builds a collector; interval defaults to 5s.
func NewCollector(source statsSource, metrics *Metrics, interval time.Duration, logger logging.Logger) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{
		source:   source,
		metrics:  metrics,
		interval: interval,
		logger:   logging.OrNop(logger),
	}
}

// Run ticks until ctx is cancelled. Rollup failures are logged; the next
// tick retries.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

func (c *Collector) collect(ctx context.Context) {
	stats, err := c.source.CollectStats(ctx)
	if err != nil {
		c.logger.Warn("queue stats rollup failed: %v", err)
		return
	}
	c.metrics.Record(ctx, stats)
}
