// Package metrics implements the bridge daemon's metrics surface
// (spec §4.I): request/success/failure counters, dispatch-duration
// percentiles, and the snapshot consumed by the reserved `system`
// handler module's `metrics` function.
//
// Counters are exported through a github.com/prometheus/client_golang
// registry (declared direct in the teacher's dependency graph via
// nabbar-golib's stack, promoted here to actual use) so an operator can
// scrape the daemon the same way any other Go service in the pack is
// scraped, in addition to reading the same numbers back over the
// bridge protocol itself via system.metrics.
package metrics

import (
	"sort"
	"sync"

	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/CodeAmalgamation/bridged/resource"
)

// Metrics is the process-wide counter set. Construct one with New at
// startup and share it between the dispatcher's call site (server's
// handleRequest) and the system module.
type Metrics struct {
	registry *prometheus.Registry

	totalRequests prometheus.Counter
	successes     prometheus.Counter
	failures      prometheus.Counter
	throttleCount prometheus.Counter
	dispatchHist  prometheus.Histogram

	durationsMu sync.Mutex
	durations   []float64 // bounded ring of recent dispatch durations, for p50/p95/p99
	ringCap     int
}

// New builds a Metrics and registers its collectors into a fresh
// prometheus.Registry (not the global default registry, so tests and
// multiple daemons in one process never collide).
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ringCap:  1000,
	}

	m.totalRequests = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_requests_total", Help: "Total requests dispatched.",
	})
	m.successes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_requests_success_total", Help: "Requests that completed successfully.",
	})
	m.failures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_requests_failure_total", Help: "Requests that completed with an error.",
	})
	m.throttleCount = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bridge_throttle_total", Help: "Accept-loop backpressure events.",
	})
	m.dispatchHist = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bridge_dispatch_duration_ms",
		Help:    "Dispatch duration in milliseconds.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
	})

	m.registry.MustRegister(m.totalRequests, m.successes, m.failures, m.throttleCount, m.dispatchHist)
	return m
}

// Registry exposes the underlying prometheus.Registry for an HTTP
// scrape endpoint, if the daemon chooses to offer one.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// RecordRequest records one completed dispatch: its outcome and
// duration.
func (m *Metrics) RecordRequest(success bool, durationMs float64) {
	m.totalRequests.Inc()
	if success {
		m.successes.Inc()
	} else {
		m.failures.Inc()
	}
	m.dispatchHist.Observe(durationMs)

	m.durationsMu.Lock()
	m.durations = append(m.durations, durationMs)
	if len(m.durations) > m.ringCap {
		m.durations = m.durations[len(m.durations)-m.ringCap:]
	}
	m.durationsMu.Unlock()
}

// RecordThrottle counts one accept-loop backpressure sleep (spec §4.C).
func (m *Metrics) RecordThrottle() {
	m.throttleCount.Inc()
}

// Percentiles returns p50/p95/p99 dispatch duration in milliseconds
// over the retained ring. Computed by sort, mirroring the simplicity of
// resource.Manager's own bounded sample ring rather than pulling in a
// streaming-percentile library the pack never reaches for.
func (m *Metrics) Percentiles() (p50, p95, p99 float64) {
	m.durationsMu.Lock()
	defer m.durationsMu.Unlock()
	if len(m.durations) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(m.durations))
	copy(sorted, m.durations)
	sort.Float64s(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Snapshot is the payload for system.metrics (spec §4.I).
type Snapshot struct {
	TotalRequests      float64          `json:"total_requests"`
	Successes          float64          `json:"successes"`
	Failures           float64          `json:"failures"`
	P50Ms              float64          `json:"p50_ms"`
	P95Ms              float64          `json:"p95_ms"`
	P99Ms              float64          `json:"p99_ms"`
	CurrentConcurrency int64            `json:"current_concurrency"`
	PeakConcurrency    int64            `json:"peak_concurrency"`
	RequestsPerMinute  int              `json:"requests_per_minute"`
	MemoryBytes        uint64           `json:"memory_bytes"`
	CPUPercent         float64          `json:"cpu_percent"`
	ThrottleCount      float64          `json:"throttle_count"`
	RejectionCount     int64            `json:"rejection_count"`
	Signals            []resource.Signal `json:"signals"`
}

// Snapshot assembles the current metrics + resource readings into one
// payload. Counter values are read via prometheus's own Write path
// (counterValue) rather than a parallel atomic, so the bridge protocol
// and the Prometheus registry can never disagree.
func (m *Metrics) Snapshot(r *resource.Manager) Snapshot {
	p50, p95, p99 := m.Percentiles()
	latest := r.LatestSample()

	return Snapshot{
		TotalRequests:      counterValue(m.totalRequests),
		Successes:          counterValue(m.successes),
		Failures:           counterValue(m.failures),
		P50Ms:              p50,
		P95Ms:              p95,
		P99Ms:              p99,
		CurrentConcurrency: r.InFlight(),
		PeakConcurrency:    r.Peak(),
		RequestsPerMinute:  r.RequestsPerMinute(),
		MemoryBytes:        latest.MemBytes,
		CPUPercent:         latest.CPUPercent,
		ThrottleCount:      counterValue(m.throttleCount),
		RejectionCount:     r.RejectionCount(),
		Signals:            r.Classify(),
	}
}

func counterValue(c prometheus.Counter) float64 {
	var pb dto.Metric
	_ = c.Write(&pb)
	return pb.GetCounter().GetValue()
}
