package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CodeAmalgamation/bridged/metrics"
	"github.com/CodeAmalgamation/bridged/resource"
)

func testLimits() resource.Limits {
	return resource.Limits{
		MaxConcurrentRequests: 2,
		MaxRequestsPerMinute:  2000,
		MaxMemoryBytes:        1 << 30,
		MaxCPUPercent:         200,
		MaxConcurrentConns:    10,
	}
}

func TestPingReportsSuccess(t *testing.T) {
	mod := New(metrics.New(), resource.New(testLimits()))
	result, err := mod.Call(context.Background(), "ping", nil, nil)
	require.NoError(t, err)
	m := result.(map[string]any)
	require.True(t, m["success"].(bool))
	require.True(t, m["ok"].(bool))
}

func TestHealthDegradesUnderLoad(t *testing.T) {
	rm := resource.New(testLimits())
	rm.TrackRequest()
	rm.TrackRequest() // 2/2 concurrent -> violation -> critical

	mod := New(metrics.New(), rm)
	result, err := mod.Call(context.Background(), "health", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "critical", result.(map[string]any)["status"])
}

func TestVersionReturnsConfiguredValue(t *testing.T) {
	Version = "1.2.3"
	mod := New(metrics.New(), resource.New(testLimits()))
	result, err := mod.Call(context.Background(), "version", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "1.2.3", result.(map[string]any)["version"])
}
