package resource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLimits() Limits {
	return Limits{
		MaxConcurrentRequests: 10,
		MaxRequestsPerMinute:  100,
		MaxMemoryBytes:        1 << 30,
		MaxCPUPercent:         200,
		MaxConcurrentConns:    5,
	}
}

func TestTrackCompleteConserveCounter(t *testing.T) {
	m := New(testLimits())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.TrackRequest()
			defer m.CompleteRequest()
			time.Sleep(time.Millisecond)
		}()
	}
	wg.Wait()

	require.EqualValues(t, 0, m.InFlight())
	require.GreaterOrEqual(t, m.Peak(), int64(1))
}

func TestCompleteRequestRunsEvenOnPanicViaDefer(t *testing.T) {
	m := New(testLimits())

	func() {
		m.TrackRequest()
		defer m.CompleteRequest()
		defer func() { recover() }()
		panic("handler blew up")
	}()

	require.EqualValues(t, 0, m.InFlight())
}

func TestSlidingWindowCountsWithinSpan(t *testing.T) {
	m := New(testLimits())
	for i := 0; i < 5; i++ {
		m.TrackRequest()
		m.CompleteRequest()
	}
	require.Equal(t, 5, m.RequestsPerMinute())
}

func TestClassifyThresholds(t *testing.T) {
	require.Equal(t, StateOK, classify(10, 100))
	require.Equal(t, StateWarning, classify(80, 100))
	require.Equal(t, StateWarning, classify(99, 100))
	require.Equal(t, StateViolated, classify(100, 100))
	require.Equal(t, StateViolated, classify(150, 100))
}

func TestAcquireReleaseConnRespectsCap(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrentConns = 1
	m := New(limits)

	require.True(t, m.TryAcquireConn())
	require.False(t, m.TryAcquireConn())

	m.ReleaseConn()
	require.True(t, m.TryAcquireConn())
}

func TestAcquireConnBlocksUntilReleased(t *testing.T) {
	limits := testLimits()
	limits.MaxConcurrentConns = 1
	m := New(limits)
	require.NoError(t, m.AcquireConn(context.Background()))

	released := make(chan struct{})
	go func() {
		time.Sleep(30 * time.Millisecond)
		m.ReleaseConn()
		close(released)
	}()

	start := time.Now()
	require.NoError(t, m.AcquireConn(context.Background()))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
	<-released
}

func TestRefreshSamplesPrunesOldEntries(t *testing.T) {
	m := New(testLimits())
	m.ringSpan = 10 * time.Millisecond

	m.RefreshSamples()
	time.Sleep(20 * time.Millisecond)
	m.RefreshSamples()

	samples := m.Samples()
	require.Len(t, samples, 1)
}
