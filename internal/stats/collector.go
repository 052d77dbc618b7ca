package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks replication counters using lock-free atomics. Workers
// bump counters; the dispatcher marks liveness; the status API reads
// snapshots.
type Collector struct {
	jobsAdmitted     atomic.Int64
	targetsStaged    atomic.Int64
	targetsPublished atomic.Int64
	targetsVerified  atomic.Int64
	targetsFailed    atomic.Int64
	jobsVerified     atomic.Int64
	jobsPartial      atomic.Int64
	jobsFailed       atomic.Int64
	jobsQuarantined  atomic.Int64
	sourcesCleaned   atomic.Int64
	orphansRemoved   atomic.Int64
	jobsArchived     atomic.Int64
	bytesStaged      atomic.Int64
	retries          atomic.Int64

	startTime time.Time
	lastTick  atomic.Int64 // unix nanos of the dispatcher's last pass

	// Throughput ring, written only by the dispatcher's MarkTick.
	mu        sync.Mutex
	samples   [ringSize]sample
	ringIdx   int
	ringCount int
	lastBytes int64
	lastTime  time.Time
}

// sample is one dispatcher interval's worth of staging throughput. Spans are
// recorded because tick intervals are configurable and not exactly periodic.
type sample struct {
	bytes int64
	span  time.Duration
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	now := time.Now()
	c := &Collector{startTime: now, lastTime: now}
	c.lastTick.Store(now.UnixNano())
	return c
}

func (c *Collector) AddJobsAdmitted(n int64)     { c.jobsAdmitted.Add(n) }
func (c *Collector) AddTargetsStaged(n int64)    { c.targetsStaged.Add(n) }
func (c *Collector) AddTargetsPublished(n int64) { c.targetsPublished.Add(n) }
func (c *Collector) AddTargetsVerified(n int64)  { c.targetsVerified.Add(n) }
func (c *Collector) AddTargetsFailed(n int64)    { c.targetsFailed.Add(n) }
func (c *Collector) AddJobsVerified(n int64)     { c.jobsVerified.Add(n) }
func (c *Collector) AddJobsPartial(n int64)      { c.jobsPartial.Add(n) }
func (c *Collector) AddJobsFailed(n int64)       { c.jobsFailed.Add(n) }
func (c *Collector) AddJobsQuarantined(n int64)  { c.jobsQuarantined.Add(n) }
func (c *Collector) AddSourcesCleaned(n int64)   { c.sourcesCleaned.Add(n) }
func (c *Collector) AddOrphansRemoved(n int64)   { c.orphansRemoved.Add(n) }
func (c *Collector) AddJobsArchived(n int64)     { c.jobsArchived.Add(n) }
func (c *Collector) AddBytesStaged(n int64)      { c.bytesStaged.Add(n) }
func (c *Collector) AddRetries(n int64)          { c.retries.Add(n) }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	JobsAdmitted        int64
	TargetsStaged       int64
	TargetsPublished    int64
	TargetsVerified     int64
	TargetsFailed       int64
	JobsVerified        int64
	JobsPartiallyFailed int64
	JobsFailed          int64
	JobsQuarantined     int64
	SourcesCleaned      int64
	OrphansRemoved      int64
	JobsArchived        int64
	BytesStaged         int64
	Retries             int64
	Elapsed             time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		JobsAdmitted:        c.jobsAdmitted.Load(),
		TargetsStaged:       c.targetsStaged.Load(),
		TargetsPublished:    c.targetsPublished.Load(),
		TargetsVerified:     c.targetsVerified.Load(),
		TargetsFailed:       c.targetsFailed.Load(),
		JobsVerified:        c.jobsVerified.Load(),
		JobsPartiallyFailed: c.jobsPartial.Load(),
		JobsFailed:          c.jobsFailed.Load(),
		JobsQuarantined:     c.jobsQuarantined.Load(),
		SourcesCleaned:      c.sourcesCleaned.Load(),
		OrphansRemoved:      c.orphansRemoved.Load(),
		JobsArchived:        c.jobsArchived.Load(),
		BytesStaged:         c.bytesStaged.Load(),
		Retries:             c.retries.Load(),
		Elapsed:             c.Elapsed(),
	}
}

// MarkTick records a dispatcher pass: liveness for health checks plus one
// throughput sample.
func (c *Collector) MarkTick() {
	now := time.Now()
	c.lastTick.Store(now.UnixNano())
	current := c.bytesStaged.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.samples[c.ringIdx] = sample{bytes: current - c.lastBytes, span: now.Sub(c.lastTime)}
	c.lastBytes = current
	c.lastTime = now
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// LastTick returns when the dispatcher last completed a pass.
func (c *Collector) LastTick() time.Time {
	return time.Unix(0, c.lastTick.Load())
}

// RollingSpeed returns average staged bytes/sec over the last n samples.
func (c *Collector) RollingSpeed(n int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n > c.ringCount {
		n = c.ringCount
	}
	if n <= 0 {
		return 0
	}
	var (
		bytes int64
		span  time.Duration
	)
	for i := range n {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		bytes += c.samples[idx].bytes
		span += c.samples[idx].span
	}
	if span <= 0 {
		return 0
	}
	return float64(bytes) / span.Seconds()
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"admitted=%d verified=%d partial=%d failed=%d quarantined=%d cleaned=%d bytes=%d retries=%d",
		s.JobsAdmitted, s.JobsVerified, s.JobsPartiallyFailed, s.JobsFailed,
		s.JobsQuarantined, s.SourcesCleaned, s.BytesStaged, s.Retries,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
