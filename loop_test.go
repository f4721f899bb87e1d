package rxloop

import (
	"context"
	"errors"
	"runtime"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joeycumines/logiface"
)

var _ Host = (*Loop)(nil)

// startLoop runs l on its own goroutine and returns a channel carrying Run's
// result.
func startLoop(l *Loop) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(context.Background()) }()
	return errCh
}

// loopBarrier submits a marker task and waits for it to run, guaranteeing
// every task the calling goroutine submitted earlier has run too.
func loopBarrier(t *testing.T, l *Loop) {
	t.Helper()
	done := make(chan struct{})
	if err := l.Submit(func() { close(done) }); err != nil {
		t.Fatalf(`barrier submit failed: %v`, err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal(`loop did not drain in time`)
	}
}

// advanceClock moves the mock clock forward and waits until the loop has
// completed a full pass at the new time. The first barrier wakes the loop if
// it slept through the Add; the second runs strictly after the pass that
// fired the due timers, so reads made after it cannot race the callbacks.
func advanceClock(t *testing.T, l *Loop, mock *clock.Mock, d time.Duration) {
	t.Helper()
	mock.Add(d)
	loopBarrier(t, l)
	loopBarrier(t, l)
}

// checkNumGoroutines captures the current goroutine count and returns a
// check that fails the test unless the count settles back down within the
// window. Use as: defer checkNumGoroutines(time.Second * 3)(t).
func checkNumGoroutines(window time.Duration) func(t *testing.T) {
	before := runtime.NumGoroutine()
	return func(t *testing.T) {
		t.Helper()
		deadline := time.Now().Add(window)
		for {
			runtime.GC()
			n := runtime.NumGoroutine()
			if n <= before {
				return
			}
			if time.Now().After(deadline) {
				t.Errorf(`goroutine leak: %d before, %d after`, before, n)
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

// TestLoop_RunShutdown covers the basic lifecycle: tasks run, shutdown
// terminates, and late submissions are refused.
func TestLoop_RunShutdown(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t) // should always clean up

	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	var ran atomic.Int32
	if err := l.Submit(func() { ran.Add(1) }); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)
	if got := ran.Load(); got != 1 {
		t.Errorf(`expected 1 task run, got %d`, got)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := <-errCh; err != nil {
		t.Errorf(`expected a clean exit, got %v`, err)
	}

	if err := l.Submit(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf(`expected ErrLoopTerminated, got %v`, err)
	}
	if got := l.Metrics().TasksExecuted; got < 1 {
		t.Errorf(`expected at least 1 executed task, got %d`, got)
	}
}

// TestLoop_SubmitBeforeRun verifies tasks queued before the loop starts run
// in submission order once it does.
func TestLoop_SubmitBeforeRun(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		if err := l.Submit(func() { order = append(order, i) }); err != nil {
			t.Fatal(err)
		}
	}

	errCh := startLoop(l)
	loopBarrier(t, l)
	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf(`expected FIFO order, got %v`, order)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_SubmitNil verifies a nil task is accepted and ignored.
func TestLoop_SubmitNil(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Submit(nil); err != nil {
		t.Errorf(`expected nil, got %v`, err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

// TestLoop_RunTwice verifies a second Run is refused while the first is
// active, and after termination.
func TestLoop_RunTwice(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)
	loopBarrier(t, l)

	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopAlreadyRunning) {
		t.Errorf(`expected ErrLoopAlreadyRunning, got %v`, err)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh

	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf(`expected ErrLoopTerminated, got %v`, err)
	}
}

// TestLoop_ShutdownBeforeRun verifies shutting down a loop that never ran
// finalizes it directly.
func TestLoop_ShutdownBeforeRun(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := l.Run(context.Background()); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf(`expected ErrLoopTerminated, got %v`, err)
	}
	if err := l.Submit(func() {}); !errors.Is(err, ErrLoopTerminated) {
		t.Errorf(`expected ErrLoopTerminated, got %v`, err)
	}
}

// TestLoop_ReentrantRun verifies Run called from inside a task is refused
// instead of deadlocking.
func TestLoop_ReentrantRun(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	result := make(chan error, 1)
	if err := l.Submit(func() { result <- l.Run(context.Background()) }); err != nil {
		t.Fatal(err)
	}
	if err := <-result; !errors.Is(err, ErrReentrantRun) {
		t.Errorf(`expected ErrReentrantRun, got %v`, err)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_RunContextCanceled verifies cancelling Run's context stops the
// loop with the context's error, and Shutdown still settles cleanly.
func TestLoop_RunContextCanceled(t *testing.T) {
	defer checkNumGoroutines(time.Second * 3)(t) // should always clean up

	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run(ctx) }()
	loopBarrier(t, l)

	cancel()
	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf(`expected context.Canceled, got %v`, err)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Errorf(`expected Shutdown after cancellation to settle, got %v`, err)
	}
}

// TestLoop_ShutdownIdempotent verifies concurrent shutdowns all observe the
// same clean outcome.
func TestLoop_ShutdownIdempotent(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)
	loopBarrier(t, l)

	results := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { results <- l.Shutdown(context.Background()) }()
	}
	for i := 0; i < 4; i++ {
		if err := <-results; err != nil {
			t.Errorf(`expected nil, got %v`, err)
		}
	}
	<-errCh
}

// TestLoop_ShutdownContextExpired verifies Shutdown unblocks with the
// context's error while a task wedges the loop, and still settles once the
// task finishes.
func TestLoop_ShutdownContextExpired(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	block := make(chan struct{})
	started := make(chan struct{})
	if err := l.Submit(func() { close(started); <-block }); err != nil {
		t.Fatal(err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf(`expected context.DeadlineExceeded, got %v`, err)
	}

	close(block)
	if err := l.Shutdown(context.Background()); err != nil {
		t.Errorf(`expected nil, got %v`, err)
	}
	if err := <-errCh; err != nil {
		t.Errorf(`expected a clean exit, got %v`, err)
	}
}

// TestLoop_TaskPanicRecovered verifies a panicking task is logged and
// counted without killing the loop.
func TestLoop_TaskPanicRecovered(t *testing.T) {
	log, rec := newTestLogger()
	metrics := &Metrics{}
	l, err := NewLoop(WithLogger(log), WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	var after atomic.Int32
	if err := l.Submit(func() { panic(`boom`) }); err != nil {
		t.Fatal(err)
	}
	if err := l.Submit(func() { after.Add(1) }); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)

	if got := after.Load(); got != 1 {
		t.Errorf(`expected the loop to keep running, got %d`, got)
	}
	if got := metrics.Snapshot().TaskPanics; got != 1 {
		t.Errorf(`expected 1 recorded panic, got %d`, got)
	}

	r, ok := rec.find(`task panicked`)
	if !ok {
		t.Fatalf(`expected a panic log, got %+v`, rec.snapshot())
	}
	if r.level != logiface.LevelError {
		t.Errorf(`expected error level, got %v`, r.level)
	}
	val, ok := r.field(`err`)
	if !ok {
		t.Fatal(`expected an err field`)
	}
	pe, ok := val.(PanicError)
	if !ok {
		t.Fatalf(`expected a PanicError, got %T`, val)
	}
	if pe.Value != `boom` {
		t.Errorf(`expected the panic value, got %v`, pe.Value)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_Timers verifies one-shot timers fire once at their deadline, in
// deadline order.
func TestLoop_Timers(t *testing.T) {
	mock := clock.NewMock()
	l, err := NewLoop(WithClock(mock))
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	var order []string
	if err := l.Submit(func() {
		l.StartTimer(30*time.Millisecond, false, func() { order = append(order, `slow`) })
		l.StartTimer(10*time.Millisecond, false, func() { order = append(order, `fast`) })
	}); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)

	advanceClock(t, l, mock, 9*time.Millisecond)
	if len(order) != 0 {
		t.Fatalf(`expected no firings yet, got %v`, order)
	}

	advanceClock(t, l, mock, 21*time.Millisecond)
	if len(order) != 2 || order[0] != `fast` || order[1] != `slow` {
		t.Fatalf(`expected deadline order, got %v`, order)
	}

	advanceClock(t, l, mock, time.Second)
	if len(order) != 2 {
		t.Errorf(`expected one-shot timers, got %v`, order)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_PeriodicTimer verifies periodic re-arming, including that a
// stalled stretch coalesces into a single firing instead of bursting.
func TestLoop_PeriodicTimer(t *testing.T) {
	mock := clock.NewMock()
	l, err := NewLoop(WithClock(mock))
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	var fired int
	var tmr Timer
	if err := l.Submit(func() {
		tmr = l.StartTimer(10*time.Millisecond, true, func() { fired++ })
	}); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)

	advanceClock(t, l, mock, 10*time.Millisecond)
	if fired != 1 {
		t.Fatalf(`expected 1 firing, got %d`, fired)
	}

	// A 35ms stall covers three periods but coalesces into one firing,
	// re-armed relative to the time it ran.
	advanceClock(t, l, mock, 35*time.Millisecond)
	if fired != 2 {
		t.Fatalf(`expected coalesced firing, got %d`, fired)
	}

	advanceClock(t, l, mock, 10*time.Millisecond)
	if fired != 3 {
		t.Fatalf(`expected 3 firings, got %d`, fired)
	}

	if err := l.Submit(func() { tmr.Stop() }); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)
	advanceClock(t, l, mock, 100*time.Millisecond)
	if fired != 3 {
		t.Errorf(`expected no firings after stop, got %d`, fired)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_TimerStop verifies stopping a one-shot timer before its deadline
// suppresses it, and that repeat stops are harmless.
func TestLoop_TimerStop(t *testing.T) {
	mock := clock.NewMock()
	l, err := NewLoop(WithClock(mock))
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	var fired int
	if err := l.Submit(func() {
		tmr := l.StartTimer(10*time.Millisecond, false, func() { fired++ })
		tmr.Stop()
		tmr.Stop()
	}); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)

	advanceClock(t, l, mock, time.Second)
	if fired != 0 {
		t.Errorf(`expected no firing, got %d`, fired)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_StartTimerOffLoopThread verifies the loop-thread guard.
func TestLoop_StartTimerOffLoopThread(t *testing.T) {
	l, err := NewLoop()
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)
	loopBarrier(t, l)

	func() {
		defer func() {
			if recover() == nil {
				t.Error(`expected StartTimer off the loop thread to panic`)
			}
		}()
		l.StartTimer(time.Millisecond, false, func() {})
	}()

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_WakeMetrics verifies producer wakes of a sleeping loop are
// counted.
func TestLoop_WakeMetrics(t *testing.T) {
	metrics := &Metrics{}
	l, err := NewLoop(WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	// Let the loop park, then wake it a few times.
	for i := 0; i < 3; i++ {
		time.Sleep(10 * time.Millisecond)
		loopBarrier(t, l)
	}

	if got := metrics.Snapshot().Wakes; got < 1 {
		t.Errorf(`expected at least one wake, got %d`, got)
	}

	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh
}

// TestLoop_SchedulerIntegration runs the full stack over one loop: a bridge
// and scheduler driving one-shot and periodic work against a mock clock.
func TestLoop_SchedulerIntegration(t *testing.T) {
	mock := clock.NewMock()
	metrics := &Metrics{}
	l, err := NewLoop(WithClock(mock), WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	errCh := startLoop(l)

	b, err := NewBridge(l, WithMetrics(metrics))
	if err != nil {
		t.Fatal(err)
	}
	s := NewScheduler(b)

	var oneShot int
	s.ScheduleAfter(50*time.Millisecond, func(*Scheduler, any) Token {
		oneShot++
		return nil
	}, nil)
	loopBarrier(t, l)

	advanceClock(t, l, mock, 50*time.Millisecond)
	if oneShot != 1 {
		t.Fatalf(`expected the deferred action to run, got %d`, oneShot)
	}

	var ticks []int
	tok := s.SchedulePeriodic(10*time.Millisecond, func(state any) any {
		ticks = append(ticks, state.(int))
		return state.(int) + 1
	}, 0)
	loopBarrier(t, l)

	for i := 0; i < 3; i++ {
		advanceClock(t, l, mock, 10*time.Millisecond)
	}
	if len(ticks) != 3 || ticks[0] != 0 || ticks[1] != 1 || ticks[2] != 2 {
		t.Fatalf(`expected state chain [0 1 2], got %v`, ticks)
	}

	tok.Release()
	loopBarrier(t, l)
	advanceClock(t, l, mock, 100*time.Millisecond)
	if len(ticks) != 3 {
		t.Errorf(`expected no ticks after release, got %v`, ticks)
	}

	if err := l.Submit(func() { b.Close() }); err != nil {
		t.Fatal(err)
	}
	loopBarrier(t, l)
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
	<-errCh

	if got := metrics.Snapshot().TimersStopped; got != 1 {
		t.Errorf(`expected 1 stopped timer, got %d`, got)
	}
}
