package rxloop

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMetrics_NilReceiver verifies every helper is a no-op on a nil receiver,
// so unconfigured components never branch before recording.
func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.incPosted()
	m.incDropped()
	m.incDispatched()
	m.incStaleReleases()
	m.incTimersStarted()
	m.incTimersStopped()
	m.incTasksExecuted()
	m.incTaskPanics()
	m.incWakes()
	m.updateQueueDepth(42)
	assert.Equal(t, MetricsSnapshot{}, m.Snapshot())
}

// TestMetrics_Counters verifies each counter lands in its snapshot field.
func TestMetrics_Counters(t *testing.T) {
	var m Metrics
	m.incPosted()
	m.incPosted()
	m.incDropped()
	m.incDispatched()
	m.incStaleReleases()
	m.incTimersStarted()
	m.incTimersStarted()
	m.incTimersStarted()
	m.incTimersStopped()
	m.incTasksExecuted()
	m.incTaskPanics()
	m.incWakes()

	snap := m.Snapshot()
	assert.Equal(t, uint64(2), snap.Posted)
	assert.Equal(t, uint64(1), snap.Dropped)
	assert.Equal(t, uint64(1), snap.Dispatched)
	assert.Equal(t, uint64(1), snap.StaleReleases)
	assert.Equal(t, uint64(3), snap.TimersStarted)
	assert.Equal(t, uint64(1), snap.TimersStopped)
	assert.Equal(t, uint64(1), snap.TasksExecuted)
	assert.Equal(t, uint64(1), snap.TaskPanics)
	assert.Equal(t, uint64(1), snap.Wakes)
}

// TestQueueDepthMetrics verifies the high-water mark and the warm-started
// moving average.
func TestQueueDepthMetrics(t *testing.T) {
	var m Metrics

	m.updateQueueDepth(10)
	snap := m.Snapshot().Queue
	require.Equal(t, 10, snap.Current)
	require.Equal(t, 10, snap.Max)
	// First observation seeds the average directly.
	require.InDelta(t, 10.0, snap.Avg, 1e-9)

	m.updateQueueDepth(20)
	snap = m.Snapshot().Queue
	assert.Equal(t, 20, snap.Current)
	assert.Equal(t, 20, snap.Max)
	assert.InDelta(t, 0.9*10.0+0.1*20.0, snap.Avg, 1e-9)

	m.updateQueueDepth(0)
	snap = m.Snapshot().Queue
	assert.Equal(t, 0, snap.Current)
	assert.Equal(t, 20, snap.Max, `max is a high-water mark`)
	assert.InDelta(t, 0.9*11.0+0.1*0.0, snap.Avg, 1e-9)
}
