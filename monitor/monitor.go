// Package monitor implements the bridge daemon's background monitor
// (spec §4.G): a periodic task that refreshes resource samples, sweeps
// stale handles out of the registry, and logs warnings/violations and a
// periodic summary.
//
// The teacher has no equivalent long-running background loop — the
// closest precedent in the pack is the teacher's own
// EtcdRegistry.Register, which starts a goroutine that drains a
// KeepAlive channel for the lifetime of the process (registry/
// etcd_registry.go). Monitor generalizes that "forever goroutine
// consuming ticks" shape into two independent cadences, run under one
// golang.org/x/sync/errgroup so both loops share a context and Run
// returns once both have stopped. A panic in either loop is not
// recovered.
package monitor

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/CodeAmalgamation/bridged/codec"
	"github.com/CodeAmalgamation/bridged/registry"
	"github.com/CodeAmalgamation/bridged/resource"
)

// snapshotFile is the binary-encoded resource snapshot written on every
// refresh tick, for an operator to inspect a killed daemon's last known
// state without needing it to have been running under a metrics
// scrape. Kept outside the per-handle metadata tree since it describes
// process-wide state, not any one handle.
const snapshotFile = "monitor.snapshot"

// Snapshot is what tick() persists via codec.BinaryMetaCodec — plain
// exported fields so gob needs no registration.
type Snapshot struct {
	Sample      resource.Sample
	InFlight    int64
	Peak        int64
	Rejections  int64
	Throttling  bool
	LiveHandles int
}

// Config holds the monitor's two cadences and the stale-handle
// timeout, all defaulted from spec §4.G / §6.
type Config struct {
	RefreshInterval time.Duration // default 60s: resample + sweep
	SummaryInterval time.Duration // default 5m: structured summary log
	StaleTimeout    time.Duration // default 300s: handle sweep threshold
}

// DefaultConfig returns spec §4.G/§6's defaults.
func DefaultConfig() Config {
	return Config{
		RefreshInterval: 60 * time.Second,
		SummaryInterval: 5 * time.Minute,
		StaleTimeout:    300 * time.Second,
	}
}

// Monitor runs the background refresh/sweep/summary loops.
type Monitor struct {
	cfg       Config
	resources *resource.Manager
	reg       *registry.Registry
	logger    *zap.Logger
	stateDir  string // optional; enables the on-disk snapshot when set
	snapCodec codec.Codec
}

// New builds a Monitor. reg may be nil in tests that don't exercise the
// stale-handle sweep.
func New(cfg Config, resources *resource.Manager, reg *registry.Registry, logger *zap.Logger) *Monitor {
	return &Monitor{cfg: cfg, resources: resources, reg: reg, logger: logger, snapCodec: &codec.BinaryMetaCodec{}}
}

// WithStateDir enables writing a binary resource snapshot to
// <stateDir>/monitor.snapshot on every refresh tick. Without it, the
// monitor only logs — no file is written.
func (m *Monitor) WithStateDir(stateDir string) *Monitor {
	m.stateDir = stateDir
	return m
}

// Run blocks until ctx is cancelled, running the refresh and summary
// loops concurrently. Returns the first non-context-cancellation error
// from either loop, if any.
func (m *Monitor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.refreshLoop(ctx) })
	g.Go(func() error { return m.summaryLoop(ctx) })
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// refreshLoop resamples memory/CPU, logs any warning/violation
// transition, and sweeps the registry for handles idle past
// StaleTimeout (spec §4.G: "safe against a racing in-flight request —
// take the per-handle lock, verify inactivity, then release", which
// registry.Sweep already implements).
func (m *Monitor) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Monitor) tick() {
	m.resources.RefreshSamples()
	m.logViolations()

	if m.reg != nil {
		released := m.reg.Sweep(m.cfg.StaleTimeout)
		if len(released) > 0 {
			m.logger.Info("stale handles released", zap.Int("count", len(released)), zap.Strings("handles", released))
		}
	}

	m.writeSnapshot()
}

// writeSnapshot persists the current resource/registry state to
// <stateDir>/monitor.snapshot using the binary codec (gob under the
// hood), which is cheaper per write than JSON and never needs to be
// hand-edited — this file exists purely for an operator or a later
// daemon start to inspect, not for wire exchange.
func (m *Monitor) writeSnapshot() {
	if m.stateDir == "" {
		return
	}
	snap := Snapshot{
		Sample:     m.resources.LatestSample(),
		InFlight:   m.resources.InFlight(),
		Peak:       m.resources.Peak(),
		Rejections: m.resources.RejectionCount(),
		Throttling: m.resources.Throttling(),
	}
	if m.reg != nil {
		snap.LiveHandles = len(m.reg.Handles())
	}
	data, err := m.snapCodec.Encode(&snap)
	if err != nil {
		m.logger.Warn("failed to encode resource snapshot", zap.Error(err))
		return
	}
	path := filepath.Join(m.stateDir, snapshotFile)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		m.logger.Warn("failed to write resource snapshot", zap.Error(err))
	}
}

func (m *Monitor) logViolations() {
	for _, sig := range m.resources.Classify() {
		switch sig.State {
		case resource.StateViolated:
			m.logger.Warn("resource signal in violation",
				zap.String("signal", sig.Name), zap.Float64("current", sig.Current), zap.Float64("limit", sig.Limit))
		case resource.StateWarning:
			m.logger.Info("resource signal nearing limit",
				zap.String("signal", sig.Name), zap.Float64("current", sig.Current), zap.Float64("limit", sig.Limit))
		}
	}
}

// summaryLoop emits one structured log line per SummaryInterval
// summarizing concurrency, rejections, and throttling state (spec
// §4.I's "emit a structured metrics record" read on this cadence rather
// than per-request).
func (m *Monitor) summaryLoop(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SummaryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			latest := m.resources.LatestSample()
			fields := []zap.Field{
				zap.Int64("in_flight", m.resources.InFlight()),
				zap.Int64("peak_concurrency", m.resources.Peak()),
				zap.Int("requests_per_minute", m.resources.RequestsPerMinute()),
				zap.Int64("rejections", m.resources.RejectionCount()),
				zap.Bool("throttling", m.resources.Throttling()),
				zap.Uint64("memory_bytes", latest.MemBytes),
				zap.Float64("cpu_percent", latest.CPUPercent),
			}
			if m.reg != nil {
				fields = append(fields, zap.Int("live_handles", len(m.reg.Handles())))
			}
			m.logger.Info("resource summary", fields...)
		}
	}
}
