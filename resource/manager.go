// Package resource implements the bridge daemon's resource manager
// (spec §4.C): concurrency tracking, a sliding-window request-rate
// counter, a memory/CPU watchdog, and the warning/violation classifier
// that feeds the connection loop's backpressure policy.
//
// The teacher (mini-rpc) has no equivalent component — it accepts
// connections as fast as the OS hands them over. This package is
// grounded on the *discipline* the teacher applies elsewhere (atomic
// counters for lock-free hot paths in loadbalance's RoundRobinBalancer,
// guaranteed-cleanup `defer wg.Done()` in server.handleRequest) rather
// than on a single file.
package resource

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// State classifies how a single signal compares to its limit.
type State string

const (
	StateOK       State = "ok"
	StateWarning  State = "warning"
	StateViolated State = "violation"
)

// Signal is one classified resource reading.
type Signal struct {
	Name    string  `json:"name"`
	Current float64 `json:"current"`
	Limit   float64 `json:"limit"`
	State   State   `json:"state"`
}

func classify(current, limit float64) State {
	if limit <= 0 {
		return StateOK
	}
	switch {
	case current >= limit:
		return StateViolated
	case current >= 0.8*limit:
		return StateWarning
	default:
		return StateOK
	}
}

// Limits holds the configured thresholds (spec §6 BRIDGE_MAX_* env
// vars). All four signals share the same warning(80%)/violation(100%)
// shape (spec §4.C).
type Limits struct {
	MaxConcurrentRequests int
	MaxRequestsPerMinute  int
	MaxMemoryBytes        uint64
	MaxCPUPercent         float64
	MaxConcurrentConns    int
}

// Sample is one point in the resource-sample ring (spec §3).
type Sample struct {
	Timestamp  time.Time `json:"timestamp"`
	Concurrent int64     `json:"concurrent"`
	MemBytes   uint64    `json:"memory_bytes"`
	CPUPercent float64   `json:"cpu_percent"`
}

// Manager is the process-wide resource tracker. Construct one with New
// at daemon startup and share it across the connection loop, dispatcher,
// and background monitor — it is the single source of truth for all
// four signals.
type Manager struct {
	limits atomic.Pointer[Limits]

	inFlight int64 // atomic: current concurrent requests
	peak     int64 // atomic: high-water mark, for metrics

	reqWindow  *window
	connSem    *semaphore.Weighted // bounds concurrent connections, spec's "connection pool cap"
	sampler    *osSampler
	sampleErr  error // sticky: set once if the OS sampler can't be constructed (e.g. unsupported platform)

	samplesMu sync.Mutex
	samples   []Sample // bounded ring, ~5 min of history at the configured cadence
	ringSpan  time.Duration

	rejectCount atomic.Int64
	throttled   atomic.Bool
}

// New constructs a Manager. If the OS sampler can't be created (e.g. a
// platform gopsutil doesn't support), memory/CPU signals degrade to
// StateOK rather than failing every request — spec only requires the
// concurrency and rate signals to be authoritative in all cases.
func New(limits Limits) *Manager {
	m := &Manager{
		reqWindow: newWindow(60 * time.Second),
		connSem:   semaphore.NewWeighted(int64(limits.MaxConcurrentConns)),
		ringSpan:  5 * time.Minute,
	}
	m.limits.Store(&limits)

	sampler, err := newOSSampler()
	if err != nil {
		m.sampleErr = err
	} else {
		m.sampler = sampler
	}
	return m
}

// TrackRequest registers a newly-started request: increments the
// concurrency counter and records an arrival timestamp in the sliding
// window. CompleteRequest's decrement is guaranteed via defer at the
// call site (server.handleRequest), mirroring the teacher's
// wg.Add/defer wg.Done discipline.
func (m *Manager) TrackRequest() {
	n := atomic.AddInt64(&m.inFlight, 1)
	for {
		p := atomic.LoadInt64(&m.peak)
		if n <= p || atomic.CompareAndSwapInt64(&m.peak, p, n) {
			break
		}
	}
	m.reqWindow.record(time.Now())
}

// CompleteRequest decrements the concurrency counter. Must run in a
// guaranteed-cleanup block (defer) even when the handler panicked or
// errored — spec §8 property 2, counter conservation.
func (m *Manager) CompleteRequest() {
	atomic.AddInt64(&m.inFlight, -1)
}

// InFlight returns the current concurrency counter value.
func (m *Manager) InFlight() int64 { return atomic.LoadInt64(&m.inFlight) }

// Peak returns the high-water concurrency mark seen since startup.
func (m *Manager) Peak() int64 { return atomic.LoadInt64(&m.peak) }

// RequestsPerMinute returns the sliding-window count (spec §8 property 3).
func (m *Manager) RequestsPerMinute() int {
	return m.reqWindow.count(time.Now())
}

// RecordRejection increments the validator-rejection counter (spec
// §4.D). Exposed here so the metrics snapshot has one place to read
// every counter from.
func (m *Manager) RecordRejection() {
	m.rejectCount.Add(1)
}

// RejectionCount returns the total rejected requests since startup.
func (m *Manager) RejectionCount() int64 { return m.rejectCount.Load() }

// RefreshSamples takes one memory/CPU reading and appends it to the
// ring, pruning anything older than ringSpan. Called by the background
// monitor on its configured cadence (spec §4.G), never from the
// request hot path.
func (m *Manager) RefreshSamples() Sample {
	now := time.Now()
	var memBytes uint64
	var cpuPercent float64
	if m.sampler != nil {
		if mb, cp, err := m.sampler.sample(); err == nil {
			memBytes, cpuPercent = mb, cp
		}
	}

	s := Sample{
		Timestamp:  now,
		Concurrent: atomic.LoadInt64(&m.inFlight),
		MemBytes:   memBytes,
		CPUPercent: cpuPercent,
	}

	m.samplesMu.Lock()
	m.samples = append(m.samples, s)
	cutoff := now.Add(-m.ringSpan)
	i := 0
	for i < len(m.samples) && m.samples[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		m.samples = append(m.samples[:0], m.samples[i:]...)
	}
	latest := m.samples[len(m.samples)-1]
	m.samplesMu.Unlock()

	m.throttled.Store(m.anyViolation(latest))
	return s
}

// LatestSample returns the most recent ring entry, or the zero value if
// none has been taken yet.
func (m *Manager) LatestSample() Sample {
	m.samplesMu.Lock()
	defer m.samplesMu.Unlock()
	if len(m.samples) == 0 {
		return Sample{}
	}
	return m.samples[len(m.samples)-1]
}

// Samples returns a copy of the retained sample ring (for percentile
// reporting / system.metrics).
func (m *Manager) Samples() []Sample {
	m.samplesMu.Lock()
	defer m.samplesMu.Unlock()
	out := make([]Sample, len(m.samples))
	copy(out, m.samples)
	return out
}

// Classify returns the four signals at their current reading (spec
// §4.C). Concurrency and rate are always live; memory/CPU reflect the
// last background sample, per spec's "the connection loop reads the
// most recent classification".
func (m *Manager) Classify() []Signal {
	latest := m.LatestSample()
	limits := m.Limits()
	return []Signal{
		{
			Name:    "concurrent_requests",
			Current: float64(atomic.LoadInt64(&m.inFlight)),
			Limit:   float64(limits.MaxConcurrentRequests),
			State:   classify(float64(atomic.LoadInt64(&m.inFlight)), float64(limits.MaxConcurrentRequests)),
		},
		{
			Name:    "requests_per_minute",
			Current: float64(m.RequestsPerMinute()),
			Limit:   float64(limits.MaxRequestsPerMinute),
			State:   classify(float64(m.RequestsPerMinute()), float64(limits.MaxRequestsPerMinute)),
		},
		{
			Name:    "memory_bytes",
			Current: float64(latest.MemBytes),
			Limit:   float64(limits.MaxMemoryBytes),
			State:   classify(float64(latest.MemBytes), float64(limits.MaxMemoryBytes)),
		},
		{
			Name:    "cpu_percent",
			Current: latest.CPUPercent,
			Limit:   limits.MaxCPUPercent,
			State:   classify(latest.CPUPercent, limits.MaxCPUPercent),
		},
	}
}

// Limits returns the currently active limits.
func (m *Manager) Limits() Limits {
	return *m.limits.Load()
}

// UpdateLimits swaps in new classification thresholds at runtime, e.g.
// from a config file reload (config.Loader.Watch). MaxConcurrentConns
// is accepted for completeness but does not resize the connection
// semaphore created at New — that cap only takes effect on daemon
// restart.
func (m *Manager) UpdateLimits(limits Limits) {
	m.limits.Store(&limits)
}

func (m *Manager) anyViolation(latest Sample) bool {
	for _, s := range m.Classify() {
		if s.State == StateViolated {
			return true
		}
	}
	return false
}

// Throttling reports whether any signal was in violation as of the last
// RefreshSamples call (spec §4.C: "any violation marks the daemon state
// as throttling").
func (m *Manager) Throttling() bool {
	return m.throttled.Load()
}

// AcquireConn blocks (with ctx) until a connection slot is available,
// implementing the first half of the backpressure policy: "if the
// connection pool is at its cap -> sleep 100ms, recheck". server.Serve's
// accept loop does not call it; it uses TryAcquireConn and does the
// 100ms sleep itself. AcquireConn just does the semaphore wait so the
// limit is exact rather than approximate.
func (m *Manager) AcquireConn(ctx context.Context) error {
	return m.connSem.Acquire(ctx, 1)
}

// ReleaseConn returns a connection slot acquired via AcquireConn.
func (m *Manager) ReleaseConn() {
	m.connSem.Release(1)
}

// TryAcquireConn is the non-blocking form used by the accept loop to
// decide whether to accept immediately or apply the 100ms backpressure
// sleep (spec §4.C).
func (m *Manager) TryAcquireConn() bool {
	return m.connSem.TryAcquire(1)
}
