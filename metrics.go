package csrfkit

import (
	"sync/atomic"
	"time"
)

// MetricID identifies one lifecycle counter or histogram.
type MetricID uint16

const (
	// MetricFetchSuccess counts committed fetches.
	MetricFetchSuccess MetricID = iota
	// MetricFetchFailure counts failed fetches of any kind.
	MetricFetchFailure
	// MetricRefreshSuccess counts refresh calls the server answered successfully.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refresh calls that failed before any fallback.
	MetricRefreshFailure
	// MetricRefreshRotated counts refreshes that replaced the token.
	MetricRefreshRotated
	// MetricRefreshKept counts refreshes where the server kept the current token.
	MetricRefreshKept
	// MetricRefreshFallback counts refresh failures healed by a fetch attempt.
	MetricRefreshFallback
	// MetricAuthRequired counts 401 answers from the token endpoint.
	MetricAuthRequired
	// MetricCacheHit counts GetToken calls served without I/O.
	MetricCacheHit
	// MetricFlightShared counts callers whose result came from a shared operation.
	MetricFlightShared
	// MetricFlightDetached counts operation results dropped because of Logout.
	MetricFlightDetached
	// MetricAttachSkipped counts fail-open attachments made without a token.
	MetricAttachSkipped
	// MetricPersistFailure counts store writes or clears that failed.
	MetricPersistFailure
	// MetricLoadRestored counts records restored from the store.
	MetricLoadRestored
	// MetricLoadEvicted counts expired records discarded at load.
	MetricLoadEvicted
	// MetricSweepTick counts background sweep ticks.
	MetricSweepTick
	// MetricSweepRefresh counts refreshes triggered by the sweep.
	MetricSweepRefresh
	// MetricLogout counts Logout calls.
	MetricLogout
	// MetricFetchLatency is the endpoint round-trip latency histogram.
	MetricFetchLatency
	metricIDCount
)

const (
	histBucketCount = 8
	cacheLineSize   = 64
)

type metricHistogram struct {
	buckets [histBucketCount]uint64
}

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free lifecycle counters. A nil or disabled Metrics ignores writes.
type Metrics struct {
	enabled       bool
	enableLatency bool
	counters      [metricIDCount]paddedCounter
	histograms    [metricIDCount]metricHistogram
}

// MetricsSnapshot is a point-in-time copy of all counters and histograms.
type MetricsSnapshot struct {
	Counters   map[MetricID]uint64
	Histograms map[MetricID][]uint64
}

// NewMetrics creates a metrics set from cfg.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{
		enabled:       cfg.Enabled,
		enableLatency: cfg.Enabled && cfg.EnableLatencyHistograms,
	}
}

// Enabled reports whether counters are recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// LatencyEnabled reports whether the latency histogram is recorded.
func (m *Metrics) LatencyEnabled() bool {
	return m != nil && m.enableLatency
}

// Inc adds one to the counter id.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Observe records d into the histogram id. Only MetricFetchLatency has a histogram.
func (m *Metrics) Observe(id MetricID, d time.Duration) {
	if m == nil || !m.enabled || !m.enableLatency || id >= metricIDCount {
		return
	}
	if id != MetricFetchLatency {
		return
	}

	b := bucketIndex(d)
	atomic.AddUint64(&m.histograms[id].buckets[b], 1)
}

// Value returns the current value of counter id.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter, and the latency histogram when enabled.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}

	s := MetricsSnapshot{
		Counters:   make(map[MetricID]uint64, int(metricIDCount)),
		Histograms: make(map[MetricID][]uint64, 1),
	}

	for id := MetricID(0); id < metricIDCount; id++ {
		if id == MetricFetchLatency {
			continue
		}
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	if m.enableLatency {
		buckets := make([]uint64, histBucketCount)
		for i := 0; i < histBucketCount; i++ {
			buckets[i] = atomic.LoadUint64(&m.histograms[MetricFetchLatency].buckets[i])
		}
		s.Histograms[MetricFetchLatency] = buckets
	}

	return s
}

func bucketIndex(d time.Duration) int {
	ms := d.Milliseconds()

	switch {
	case ms <= 5:
		return 0
	case ms <= 10:
		return 1
	case ms <= 25:
		return 2
	case ms <= 50:
		return 3
	case ms <= 100:
		return 4
	case ms <= 250:
		return 5
	case ms <= 500:
		return 6
	default:
		return 7
	}
}
