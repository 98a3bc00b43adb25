package metrics

import "sync"

// Event counter names.
const (
	CallsCreated  = "calls_created_total"
	CallsEnded    = "calls_ended_total"
	CallsRejected = "calls_rejected_total"
	CallsTimeout  = "calls_timeout_total"
	CallsFailed   = "calls_failed_total"

	AuthFailure  = "auth_failure"
	RateLimited  = "rate_limited"
	RelayDropped = "relay_dropped_total"
	KeyRotations = "key_rotations_total"

	TURNCredentialsIssued = "turn_credentials_issued_total"
)

// Gauge names.
const (
	ActiveCalls    = "active_calls"
	ConnectedUsers = "connected_users"
)

// CallDurationSeconds is the histogram recording completed call durations.
const CallDurationSeconds = "call_duration_seconds"

// Histogram bucket upper bounds, in seconds.
var durationBuckets = []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600, 7200}

// Metrics is a minimal, concurrency-safe in-process registry of counters,
// gauges, and one-shape histograms. The call server is expected to be scraped
// via the Prometheus text endpoint; this registry keeps the enforcement and
// lifecycle logic testable without a metrics backend dependency.
type Metrics struct {
	mu         sync.Mutex
	counters   map[string]uint64
	gauges     map[string]float64
	histograms map[string]*histogram
}

type histogram struct {
	buckets []float64 // upper bounds, ascending
	counts  []uint64  // one per bucket, plus +Inf at the end
	sum     float64
	total   uint64
}

func New() *Metrics {
	return &Metrics{
		counters:   make(map[string]uint64),
		gauges:     make(map[string]float64),
		histograms: make(map[string]*histogram),
	}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.counters[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

func (m *Metrics) SetGauge(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.gauges[name] = value
	m.mu.Unlock()
}

func (m *Metrics) Gauge(name string) float64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[name]
}

// Observe records value into the named histogram, creating it with the
// default duration buckets on first use.
func (m *Metrics) Observe(name string, value float64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		h = &histogram{
			buckets: durationBuckets,
			counts:  make([]uint64, len(durationBuckets)+1),
		}
		m.histograms[name] = h
	}
	idx := len(h.buckets)
	for i, upper := range h.buckets {
		if value <= upper {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sum += value
	h.total++
	m.mu.Unlock()
}

// ObservationCount returns the number of samples recorded into a histogram.
func (m *Metrics) ObservationCount(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h.total
	}
	return 0
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

func (m *Metrics) snapshotGauges() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.gauges))
	for k, v := range m.gauges {
		out[k] = v
	}
	return out
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func (m *Metrics) snapshotHistograms() map[string]histogramSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]histogramSnapshot, len(m.histograms))
	for k, h := range m.histograms {
		counts := make([]uint64, len(h.counts))
		copy(counts, h.counts)
		out[k] = histogramSnapshot{
			buckets: h.buckets,
			counts:  counts,
			sum:     h.sum,
			total:   h.total,
		}
	}
	return out
}
