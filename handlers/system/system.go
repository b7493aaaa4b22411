// Package system is the bridge daemon's reserved metrics & logging
// surface (spec §4.I): a handler module exposing read-only
// liveness/metrics/health/version functions. It is always exempt from
// the allow-list (spec's "static registry of exempt modules") since it
// exposes no state-mutating operation.
package system

import (
	"context"
	"time"

	"github.com/CodeAmalgamation/bridged/handler"
	"github.com/CodeAmalgamation/bridged/metrics"
	"github.com/CodeAmalgamation/bridged/resource"
)

// Version is set at build time via -ldflags "-X .../handlers/system.Version=...".
var Version = "dev"

// startedAt records process start for ping's uptime field.
var startedAt = time.Now()

// Health classifies the daemon's overall condition from its resource
// signals (spec §4.I: health is "derived ok/degraded/critical").
type Health string

const (
	HealthOK       Health = "ok"
	HealthDegraded Health = "degraded"
	HealthCritical Health = "critical"
)

// New builds the system module bound to the daemon's live metrics and
// resource manager. Every function is read-only, so none declares a
// HandleParam and none needs the handler facade.
func New(m *metrics.Metrics, r *resource.Manager) *handler.Module {
	return &handler.Module{
		Name: "system",
		Functions: map[string]handler.Func{
			"ping":    func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) { return ping(), nil },
			"metrics": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) { return m.Snapshot(r), nil },
			"health":  func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) { return health(r), nil },
			"version": func(ctx context.Context, params map[string]any, f handler.Facade) (any, error) { return version(), nil },
		},
	}
}

func ping() map[string]any {
	return map[string]any{
		"success":  true,
		"ok":       true,
		"uptime_s": time.Since(startedAt).Seconds(),
	}
}

func version() map[string]any {
	return map[string]any{"version": Version}
}

func health(r *resource.Manager) map[string]any {
	status := HealthOK
	for _, sig := range r.Classify() {
		switch sig.State {
		case resource.StateViolated:
			status = HealthCritical
		case resource.StateWarning:
			if status != HealthCritical {
				status = HealthDegraded
			}
		}
	}
	throttling := r.Throttling()
	if throttling {
		status = HealthCritical
	}
	return map[string]any{
		"status":     string(status),
		"throttling": throttling,
	}
}
