package health

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResourceMonitorSweep(t *testing.T) {
	mon, err := NewResourceMonitor(time.Minute, 100*time.Millisecond, &mockLogger{})
	require.NoError(t, err)
	mon.probe = func() time.Duration { return time.Millisecond }

	mon.sweep()

	snap := mon.Snapshot()
	assert.Greater(t, snap.Goroutines, 0)
	assert.Greater(t, snap.HeapAllocBytes, uint64(0))
	assert.Equal(t, time.Millisecond, snap.TimerLag)
	assert.False(t, snap.SampledAt.IsZero())
	assert.NoError(t, mon.CheckHealth())
}

func TestResourceMonitorLagTripsCheck(t *testing.T) {
	mon, err := NewResourceMonitor(time.Minute, 100*time.Millisecond, &mockLogger{})
	require.NoError(t, err)

	// Before the first sweep the check passes.
	require.NoError(t, mon.CheckHealth())

	mon.probe = func() time.Duration { return 2 * time.Second }
	mon.sweep()

	err = mon.CheckHealth()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timer lag")

	mon.probe = func() time.Duration { return 0 }
	mon.sweep()
	assert.NoError(t, mon.CheckHealth())
}

func TestResourceMonitorLoop(t *testing.T) {
	mon, err := NewResourceMonitor(10*time.Millisecond, time.Second, &mockLogger{})
	require.NoError(t, err)

	var sweeps atomic.Int64
	mon.probe = func() time.Duration {
		sweeps.Add(1)
		return 0
	}

	require.NoError(t, mon.Start())
	require.Eventually(t, func() bool { return sweeps.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, mon.Stop())

	// No sweeps after Stop returns.
	settled := sweeps.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, sweeps.Load())
}
