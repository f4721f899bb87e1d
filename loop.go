package rxloop

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
	"github.com/petermattis/goid"
)

// Task is a unit of work run on a host's loop thread.
type Task func()

const (
	// maxSleep caps how long the loop parks without waking. A bounded
	// sleep keeps the loop responsive to clock anomalies at negligible
	// idle cost.
	maxSleep = 10 * time.Second

	// minSleep floors the timer wait so sub-millisecond deadlines round
	// up instead of busy-spinning the loop.
	minSleep = time.Millisecond
)

// Loop is the in-process [Host]: a single goroutine that drains submitted
// tasks and fires timers, sleeping when idle.
//
// Producers submit from any goroutine through a mutex-guarded chunked
// queue; a sleeping loop is woken through a buffered signal channel with
// send deduplication. Timers live in a min-heap owned exclusively by the
// loop goroutine.
//
// Lifecycle: [NewLoop] -> [Loop.Run] (blocks) -> [Loop.Shutdown]. Shutdown
// stops the loop promptly: queued tasks that have not run yet are dropped,
// and pending timers are abandoned. Callers needing post-shutdown delivery
// guarantees must not rely on this host (none are offered).
type Loop struct {
	// Prevent copying.
	_ [0]func()

	state fastState

	mu      sync.Mutex
	ingress *ingressQueue

	// timers is loop-goroutine-only, per the StartTimer contract.
	timers timerHeap

	wakeCh      chan struct{}
	wakePending atomic.Uint32

	loopGoID atomic.Int64

	clock   clock.Clock
	log     *logiface.Logger[logiface.Event]
	metrics *Metrics

	stopOnce sync.Once
	done     chan struct{}
}

// NewLoop returns a stopped loop. Supported options: [WithClock],
// [WithLogger], [WithMetrics].
func NewLoop(opts ...Option) (*Loop, error) {
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Loop{
		ingress: newIngressQueue(),
		wakeCh:  make(chan struct{}, 1),
		clock:   cfg.clock,
		log:     cfg.logger,
		metrics: cfg.metrics,
		done:    make(chan struct{}),
	}, nil
}

// Run executes the loop on the calling goroutine and blocks until the loop
// terminates via [Loop.Shutdown] or ctx cancellation. It returns nil after
// a Shutdown-initiated stop and ctx.Err() after a context-initiated one.
//
// A loop runs at most once; Run on a terminated loop returns
// [ErrLoopTerminated]. Calling Run from inside a task returns
// [ErrReentrantRun].
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	l.loopGoID.Store(goid.Get())
	defer l.loopGoID.Store(0)
	defer close(l.done)
	defer l.terminate()

	l.log.Info().Log("loop started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if l.state.Load() == StateTerminating {
			return nil
		}

		ran := l.runReady()
		fired := l.runDueTimers()
		if ran+fired > 0 {
			continue
		}

		l.sleep(ctx)
	}
}

// Shutdown stops the loop and waits for the loop goroutine to exit, or for
// ctx to expire. It is idempotent and safe from any goroutine; every caller
// observes the same outcome. Queued-but-unrun tasks are dropped.
func (l *Loop) Shutdown(ctx context.Context) error {
	l.stopOnce.Do(func() {
		for {
			s := l.state.Load()
			switch s {
			case StateTerminated, StateTerminating:
				return
			case StateAwake:
				// Never ran: finalize directly, there is no loop
				// goroutine to signal.
				if l.state.TryTransition(StateAwake, StateTerminated) {
					close(l.done)
					return
				}
			default:
				if l.state.TryTransition(s, StateTerminating) {
					if s == StateSleeping {
						l.wake()
					}
					return
				}
			}
		}
	})

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit queues fn for execution on the loop thread. Tasks submitted by one
// goroutine run in submission order. Safe from any goroutine, including the
// loop thread itself (the task is queued, never run inline). Never blocks.
//
// Returns [ErrLoopTerminated] once the loop has stopped; the task will not
// run. Tasks submitted before Run are queued and run once the loop starts.
func (l *Loop) Submit(fn Task) error {
	if fn == nil {
		return nil
	}
	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.ingress.Push(fn)
	l.mu.Unlock()

	if l.state.Load() == StateSleeping {
		l.wake()
	}
	return nil
}

// StartTimer implements [Host]. Loop-goroutine-only: the timer heap is
// unsynchronized by design. A non-positive period is clamped to a small
// floor so a degenerate periodic timer cannot re-arm due-immediately and
// monopolize a single pass.
func (l *Loop) StartTimer(d time.Duration, periodic bool, fire func()) Timer {
	if !l.isLoopThread() {
		panic("rxloop: StartTimer called off the loop thread")
	}
	t := &loopTimer{
		loop: l,
		when: l.clock.Now().Add(d),
		fire: fire,
	}
	if periodic {
		t.period = d
		if t.period <= 0 {
			t.period = minSleep
		}
	}
	heap.Push(&l.timers, t)
	return t
}

// Now implements [Host] using the configured clock.
func (l *Loop) Now() time.Time {
	return l.clock.Now()
}

// Metrics returns a snapshot of the loop's metrics accumulator, which is
// zero unless one was attached via [WithMetrics].
func (l *Loop) Metrics() MetricsSnapshot {
	return l.metrics.Snapshot()
}

// isLoopThread reports whether the calling goroutine is the loop goroutine.
func (l *Loop) isLoopThread() bool {
	id := l.loopGoID.Load()
	return id != 0 && id == goid.Get()
}

// wake signals a sleeping loop. The pending flag deduplicates signals so
// concurrent producers cost one channel send; the buffered channel absorbs
// the race where the loop woke before the send landed.
func (l *Loop) wake() {
	if l.wakePending.CompareAndSwap(0, 1) {
		select {
		case l.wakeCh <- struct{}{}:
			l.metrics.incWakes()
		default:
		}
	}
}

// runReady drains the tasks queued at the start of this pass. Tasks
// submitted while draining run next pass, so timers cannot be starved by a
// producer that enqueues from inside its own tasks.
func (l *Loop) runReady() int {
	l.mu.Lock()
	n := l.ingress.Length()
	l.mu.Unlock()
	l.metrics.updateQueueDepth(n)

	for i := 0; i < n; i++ {
		l.mu.Lock()
		task, ok := l.ingress.Pop()
		l.mu.Unlock()
		if !ok {
			return i
		}
		l.execute(task)
	}
	return n
}

// runDueTimers fires every timer due at the start of this pass. Periodic
// timers re-arm relative to the current time, so a stalled loop coalesces
// missed firings instead of bursting to catch up.
func (l *Loop) runDueTimers() int {
	now := l.clock.Now()
	fired := 0
	for len(l.timers) > 0 {
		next := l.timers[0]
		if next.when.After(now) {
			break
		}
		heap.Pop(&l.timers)
		if next.stopped {
			continue
		}
		fired++
		if next.period > 0 {
			next.when = now.Add(next.period)
			heap.Push(&l.timers, next)
		}
		l.execute(next.fire)
	}
	return fired
}

// execute runs one task under the loop's recovery policy: a panicking task
// is logged and counted, and the loop keeps running. With metrics attached,
// task durations feed the latency estimator; panicked tasks contribute no
// sample.
func (l *Loop) execute(task Task) {
	defer func() {
		if r := recover(); r != nil {
			l.metrics.incTaskPanics()
			l.log.Err().
				Err(PanicError{Value: r}).
				Log("task panicked")
		}
	}()
	l.metrics.incTasksExecuted()
	if l.metrics == nil {
		task()
		return
	}
	start := l.clock.Now()
	task()
	l.metrics.observeTaskLatency(l.clock.Since(start))
}

// sleep parks the loop until a wake signal, the next timer deadline, or ctx
// cancellation. The queue is rechecked after the state flips to Sleeping:
// a producer that missed the Sleeping state pushed before our recheck, and
// a producer that saw it sends a wake, so a wake is never lost.
func (l *Loop) sleep(ctx context.Context) {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	l.mu.Lock()
	pending := l.ingress.Length()
	l.mu.Unlock()
	if pending > 0 {
		l.awaken()
		return
	}

	var timerC <-chan time.Time
	var tmr *clock.Timer
	if d, ok := l.nextTimeout(); ok {
		tmr = l.clock.Timer(d)
		timerC = tmr.C
	}

	select {
	case <-l.wakeCh:
	case <-timerC:
	case <-ctx.Done():
	}

	if tmr != nil {
		tmr.Stop()
	}
	l.awaken()
}

// awaken returns the loop to Running and resets the wake signal. The
// channel drains before the pending flag clears: a producer that loses the
// flag CAS can then rely on either its signal's token still being present
// or its push being visible to the pre-sleep queue recheck. A signal sent
// between the drain and the reset leaves a stale token behind, which costs
// one harmless extra pass.
func (l *Loop) awaken() {
	select {
	case <-l.wakeCh:
	default:
	}
	l.wakePending.Store(0)
	l.state.TryTransition(StateSleeping, StateRunning)
}

// nextTimeout returns how long the loop may sleep, or ok=false for an
// indefinite sleep when no timers are armed.
func (l *Loop) nextTimeout() (time.Duration, bool) {
	if len(l.timers) == 0 {
		return 0, false
	}
	d := l.timers[0].when.Sub(l.clock.Now())
	if d < minSleep {
		d = minSleep
	}
	if d > maxSleep {
		d = maxSleep
	}
	return d, true
}

// terminate finalizes the loop on exit from Run: it marks the loop
// terminated, drops unrun work, and reports what was abandoned.
func (l *Loop) terminate() {
	l.state.Store(StateTerminated)

	l.mu.Lock()
	dropped := l.ingress.Length()
	for {
		if _, ok := l.ingress.Pop(); !ok {
			break
		}
	}
	l.mu.Unlock()

	abandoned := len(l.timers)
	l.timers = nil

	l.log.Info().
		Int("tasks_dropped", dropped).
		Int("timers_abandoned", abandoned).
		Log("loop stopped")
}

// loopTimer is a heap-managed timer. All fields are loop-goroutine-only.
type loopTimer struct {
	loop    *Loop
	when    time.Time
	period  time.Duration // 0 = one-shot
	fire    func()
	stopped bool
	index   int // position in the heap, -1 when popped
}

// Stop implements [Timer]. Loop-goroutine-only. Stopping an already-fired
// or already-stopped timer is a no-op.
func (t *loopTimer) Stop() {
	if t.stopped {
		return
	}
	t.stopped = true
	t.fire = nil
	if t.index >= 0 {
		heap.Remove(&t.loop.timers, t.index)
	}
}

// timerHeap is a min-heap of timers ordered by deadline.
type timerHeap []*loopTimer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].when.Before(h[j].when) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*loopTimer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
