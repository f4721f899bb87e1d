package rxloop

import (
	"sync"
	"sync/atomic"
	"time"
)

// Metrics accumulates runtime counters for a bridge and its host loop. One
// instance may be shared by several components (pass the same pointer to
// [WithMetrics] on each); counters are atomic and cheap enough to leave on
// in production.
//
// A nil *Metrics is valid everywhere one is accepted and records nothing.
//
// Thread Safety: all methods are safe for concurrent use. [Metrics.Snapshot]
// returns a copy, safe to read without coordination.
type Metrics struct {
	posted        atomic.Uint64
	dropped       atomic.Uint64
	dispatched    atomic.Uint64
	staleReleases atomic.Uint64
	timersStarted atomic.Uint64
	timersStopped atomic.Uint64
	tasksExecuted atomic.Uint64
	taskPanics    atomic.Uint64
	wakes         atomic.Uint64

	// Queue tracks ingress depth; updated by the host loop each pass.
	Queue QueueDepthMetrics

	// Latency tracks task execution durations; updated by the host loop
	// per task.
	Latency LatencyMetrics
}

// MetricsSnapshot is a point-in-time copy of a [Metrics].
type MetricsSnapshot struct {
	// Posted counts messages accepted by Bridge.Post.
	Posted uint64
	// Dropped counts messages rejected because the host was stopped.
	Dropped uint64
	// Dispatched counts messages executed on the loop thread.
	Dispatched uint64
	// StaleReleases counts release messages for never-populated slots.
	StaleReleases uint64
	// TimersStarted counts host timers created by RunLater/RunPeriodic.
	TimersStarted uint64
	// TimersStopped counts timers stopped by slot release.
	TimersStopped uint64
	// TasksExecuted counts tasks run by the host loop.
	TasksExecuted uint64
	// TaskPanics counts tasks that panicked and were recovered by the host.
	TaskPanics uint64
	// Wakes counts producer-side wake signals delivered to a sleeping loop.
	Wakes uint64

	Queue   QueueDepthSnapshot
	Latency LatencySnapshot
}

// Snapshot returns a copy of all counters. A nil receiver yields a zero
// snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil {
		return MetricsSnapshot{}
	}
	return MetricsSnapshot{
		Posted:        m.posted.Load(),
		Dropped:       m.dropped.Load(),
		Dispatched:    m.dispatched.Load(),
		StaleReleases: m.staleReleases.Load(),
		TimersStarted: m.timersStarted.Load(),
		TimersStopped: m.timersStopped.Load(),
		TasksExecuted: m.tasksExecuted.Load(),
		TaskPanics:    m.taskPanics.Load(),
		Wakes:         m.wakes.Load(),
		Queue:         m.Queue.snapshot(),
		Latency:       m.Latency.snapshot(),
	}
}

// The increment helpers are nil-receiver safe so call sites never branch on
// whether metrics are attached.

func (m *Metrics) incPosted() {
	if m != nil {
		m.posted.Add(1)
	}
}

func (m *Metrics) incDropped() {
	if m != nil {
		m.dropped.Add(1)
	}
}

func (m *Metrics) incDispatched() {
	if m != nil {
		m.dispatched.Add(1)
	}
}

func (m *Metrics) incStaleReleases() {
	if m != nil {
		m.staleReleases.Add(1)
	}
}

func (m *Metrics) incTimersStarted() {
	if m != nil {
		m.timersStarted.Add(1)
	}
}

func (m *Metrics) incTimersStopped() {
	if m != nil {
		m.timersStopped.Add(1)
	}
}

func (m *Metrics) incTasksExecuted() {
	if m != nil {
		m.tasksExecuted.Add(1)
	}
}

func (m *Metrics) incTaskPanics() {
	if m != nil {
		m.taskPanics.Add(1)
	}
}

func (m *Metrics) incWakes() {
	if m != nil {
		m.wakes.Add(1)
	}
}

func (m *Metrics) updateQueueDepth(depth int) {
	if m != nil {
		m.Queue.update(depth)
	}
}

func (m *Metrics) observeTaskLatency(d time.Duration) {
	if m != nil {
		m.Latency.update(d)
	}
}

// QueueDepthMetrics tracks ingress queue depth: current, high-water mark,
// and an exponential moving average (alpha=0.1, warm-started to the first
// observation).
type QueueDepthMetrics struct {
	mu sync.RWMutex

	current        int
	max            int
	avg            float64
	avgInitialized bool
}

// QueueDepthSnapshot is a point-in-time copy of [QueueDepthMetrics].
type QueueDepthSnapshot struct {
	Current int
	Max     int
	Avg     float64
}

func (q *QueueDepthMetrics) update(depth int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.current = depth
	if depth > q.max {
		q.max = depth
	}
	if !q.avgInitialized {
		q.avg = float64(depth)
		q.avgInitialized = true
	} else {
		q.avg = 0.9*q.avg + 0.1*float64(depth)
	}
}

func (q *QueueDepthMetrics) snapshot() QueueDepthSnapshot {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return QueueDepthSnapshot{Current: q.current, Max: q.max, Avg: q.avg}
}

// LatencyMetrics tracks task execution durations: count, mean, max, and
// P50/P99 estimates via streaming quantile estimators, so the cost per
// observation stays constant regardless of task volume.
type LatencyMetrics struct {
	mu sync.Mutex

	count uint64
	sum   float64 // milliseconds
	max   float64 // milliseconds
	p50   *quantileEstimator
	p99   *quantileEstimator
}

// LatencySnapshot is a point-in-time copy of [LatencyMetrics]. P50 and P99
// are estimates; Count, Mean, and Max are exact.
type LatencySnapshot struct {
	Count uint64
	Mean  time.Duration
	Max   time.Duration
	P50   time.Duration
	P99   time.Duration
}

func (l *LatencyMetrics) update(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Lazily construct the estimators so the Metrics zero value works.
	if l.p50 == nil {
		l.p50 = newQuantileEstimator(0.50)
		l.p99 = newQuantileEstimator(0.99)
	}

	l.count++
	l.sum += ms
	if ms > l.max {
		l.max = ms
	}
	l.p50.observe(ms)
	l.p99.observe(ms)
}

func (l *LatencyMetrics) snapshot() LatencySnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count: l.count,
		Mean:  millisToDuration(l.sum / float64(l.count)),
		Max:   millisToDuration(l.max),
		P50:   millisToDuration(l.p50.value()),
		P99:   millisToDuration(l.p99.value()),
	}
}

func millisToDuration(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}
