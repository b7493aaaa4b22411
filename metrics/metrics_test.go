package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CodeAmalgamation/bridged/resource"
)

func TestRecordRequestUpdatesCounters(t *testing.T) {
	m := New()
	m.RecordRequest(true, 10)
	m.RecordRequest(false, 20)

	rm := resource.New(resource.Limits{MaxConcurrentConns: 1})
	snap := m.Snapshot(rm)
	require.Equal(t, float64(2), snap.TotalRequests)
	require.Equal(t, float64(1), snap.Successes)
	require.Equal(t, float64(1), snap.Failures)
}

func TestPercentilesOverDurations(t *testing.T) {
	m := New()
	for i := 1; i <= 100; i++ {
		m.RecordRequest(true, float64(i))
	}
	p50, p95, p99 := m.Percentiles()
	require.InDelta(t, 50, p50, 3)
	require.InDelta(t, 95, p95, 3)
	require.InDelta(t, 99, p99, 3)
}

func TestRecordThrottleIncrementsCounter(t *testing.T) {
	m := New()
	m.RecordThrottle()
	m.RecordThrottle()
	rm := resource.New(resource.Limits{MaxConcurrentConns: 1})
	snap := m.Snapshot(rm)
	require.Equal(t, float64(2), snap.ThrottleCount)
}
