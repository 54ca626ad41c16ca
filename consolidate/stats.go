package consolidate

import (
	"sync"
	"time"
)

// Stats are process-wide engine counters. All fields except CompressionRatio
// are monotonically non-decreasing; CompressionRatio is recomputed from the
// cumulative counters on every snapshot.
type Stats struct {
	TotalConsolidations  int64
	MemoriesConsolidated int64
	CompressionRatio     float64
	LastConsolidation    time.Time
}

// statsCounter is the engine-owned, mutex-guarded accumulator behind
// GetStats. It is injected state, not a package-level singleton, so two
// engines never share counters.
type statsCounter struct {
	mu                   sync.Mutex
	totalConsolidations  int64
	memoriesConsolidated int64
	lastConsolidation    time.Time
}

func newStatsCounter() *statsCounter {
	return &statsCounter{}
}

// record folds a completed run's report into the counters.
func (c *statsCounter) record(report *Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalConsolidations += int64(report.ConsolidationsPerformed)
	c.memoriesConsolidated += int64(report.MemoriesProcessed)
	if report.ConsolidationsPerformed > 0 {
		c.lastConsolidation = time.Now()
	}
}

// snapshot returns a copy of the counters with the compression ratio
// recomputed.
func (c *statsCounter) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		TotalConsolidations:  c.totalConsolidations,
		MemoriesConsolidated: c.memoriesConsolidated,
		LastConsolidation:    c.lastConsolidation,
	}
	if c.memoriesConsolidated > 0 {
		s.CompressionRatio = 1 - float64(c.totalConsolidations)/float64(c.memoriesConsolidated)
	}
	return s
}
