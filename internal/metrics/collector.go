package metrics

import (
	"context"
	"time"

	"github.com/netarchive/arcrepo/internal/adminstore"
	"github.com/rs/zerolog"
)

// RecordLister lists admin records.
type RecordLister interface {
	List(state adminstore.StoreState) ([]*adminstore.FileRecord, error)
}

// Collector periodically refreshes FilesByState from the admin data.
type Collector struct {
	metrics *Metrics
	records RecordLister
	logger  zerolog.Logger
}

// NewCollector creates a new admin data collector.
func NewCollector(m *Metrics, records RecordLister, logger zerolog.Logger) *Collector {
	return &Collector{
		metrics: m,
		records: records,
		logger:  logger.With().Str("component", "metrics-collector").Logger(),
	}
}

// Collect recounts files per replica and state.
func (c *Collector) Collect() {
	recs, err := c.records.List("")
	if err != nil {
		c.logger.Warn().Err(err).Msg("list admin records")
		return
	}

	counts := make(map[[2]string]int)
	for _, rec := range recs {
		for replicaID, rs := range rec.Replicas {
			counts[[2]string{replicaID, rs.State.String()}]++
		}
	}

	c.metrics.FilesByState.Reset()
	for key, n := range counts {
		c.metrics.FilesByState.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// Run collects every interval until ctx is done.
func (c *Collector) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.Collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}
