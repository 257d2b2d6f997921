package notify

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/franzego/dispatch/internal/models"
	"go.uber.org/zap"
)

const (
	defaultMetricsTTL = 5 * time.Second
	observationWindow = time.Minute
	maxObservations   = 1000
)

// FallbackMetrics is reported whenever collection fails.
var FallbackMetrics = models.SystemMetrics{
	QueueSize:         0,
	ResponseTime:      100,
	ErrorRate:         0,
	ActiveConnections: 10,
	MemoryUsage:       50,
}

// QueueDepthSource reports the backlog of the primary queue. Implementations must
// not open a broker connection just to answer.
type QueueDepthSource interface {
	QueueDepth(ctx context.Context) (int, error)
}

type observation struct {
	at      time.Time
	latency time.Duration
	failed  bool
}

// MetricsCollector samples dispatch load and caches the snapshot for a short TTL.
type MetricsCollector struct {
	ttl time.Duration
	log *zap.Logger
	now func() time.Time
	mem func() (float64, error)

	inflight atomic.Int64

	mu       sync.Mutex
	source   QueueDepthSource
	cached   models.SystemMetrics
	cachedAt time.Time
	samples  []observation
}

func NewMetricsCollector(ttl time.Duration, log *zap.Logger) *MetricsCollector {
	if ttl <= 0 {
		ttl = defaultMetricsTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MetricsCollector{
		ttl: ttl,
		log: log.Named("metrics"),
		now: time.Now,
		mem: heapUsage,
	}
}

// SetQueueSource attaches the queue manager once it exists.
func (c *MetricsCollector) SetQueueSource(src QueueDepthSource) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.source = src
}

// Begin marks one dispatch as in flight; call the returned func when it finishes.
func (c *MetricsCollector) Begin() func() {
	c.inflight.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() { c.inflight.Add(-1) })
	}
}

// Observe records the outcome of one dispatch in the sliding window.
func (c *MetricsCollector) Observe(latency time.Duration, err error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, observation{at: now, latency: latency, failed: err != nil})
	c.pruneLocked(now)
}

func (c *MetricsCollector) pruneLocked(now time.Time) {
	cutoff := now.Add(-observationWindow)
	i := 0
	for i < len(c.samples) && c.samples[i].at.Before(cutoff) {
		i++
	}
	if over := len(c.samples) - i - maxObservations; over > 0 {
		i += over
	}
	if i > 0 {
		c.samples = append(c.samples[:0], c.samples[i:]...)
	}
}

// GetMetrics returns the cached snapshot, recomputing it when older than the TTL.
// It never fails; collection errors yield FallbackMetrics.
func (c *MetricsCollector) GetMetrics(ctx context.Context) models.SystemMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.cachedAt.IsZero() && now.Sub(c.cachedAt) < c.ttl {
		return c.cached
	}

	m, err := c.collectLocked(ctx, now)
	if err != nil {
		c.log.Warn("metrics collection failed, using fallback", zap.Error(err))
		m = FallbackMetrics
	}
	c.cached = m
	c.cachedAt = now
	return m
}

func (c *MetricsCollector) collectLocked(ctx context.Context, now time.Time) (models.SystemMetrics, error) {
	var m models.SystemMetrics

	if c.source != nil {
		depth, err := c.source.QueueDepth(ctx)
		if err != nil {
			return m, err
		}
		m.QueueSize = depth
	}

	c.pruneLocked(now)
	if n := len(c.samples); n > 0 {
		var (
			total  time.Duration
			failed int
		)
		for _, s := range c.samples {
			total += s.latency
			if s.failed {
				failed++
			}
		}
		m.ResponseTime = float64(total.Milliseconds()) / float64(n)
		m.ErrorRate = float64(failed) / float64(n) * 100
	}

	m.ActiveConnections = int(c.inflight.Load())

	mem, err := c.mem()
	if err != nil {
		return m, err
	}
	m.MemoryUsage = mem
	return m, nil
}

func heapUsage() (float64, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys == 0 {
		return 0, nil
	}
	return float64(ms.HeapInuse) / float64(ms.Sys) * 100, nil
}
