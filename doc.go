// Package rxloop provides the concurrency core of a push-based scheduling
// system: cancellation tokens, a cross-goroutine bridge onto a single loop
// thread, timed schedulers, and a concurrency-bounded merge of value
// sequences.
//
// # Architecture
//
// A [Host] owns one loop goroutine; [Loop] is the in-process implementation.
// A [Bridge] delivers tagged messages ([RunNow], [RunLater], [RunPeriodic],
// [ReleaseSlot]) from any goroutine to the host's loop thread, in FIFO order
// per posting goroutine, and services them there: immediate callbacks run
// synchronously, timed ones arm host timers whose cancel handles live in a
// bridge-owned slot table. A [Scheduler] layers the schedule-now/after/at/
// periodic operations over the bridge, returning a [Token] per call.
//
// [MergeSequences] is independent of the loop machinery: it flattens a
// [Sequence] of sequences under a concurrency cap, using the token types to
// track live inner subscriptions.
//
// # Cancellation
//
// Everything cancellable hands out a [Token]. Release is idempotent,
// thread-safe, never blocks, and is best-effort with respect to in-flight
// work: an invocation already running on the loop thread finishes, but
// subsequent firings are prevented — both by stopping the underlying timer
// and by a released-flag check at invocation time, which closes the race
// where a timer fires between creation and a same-tick release.
//
// [TokenGroup] releases a set of tokens as a unit, [TokenSlot] defers the
// token of a resource created after its handle, and [SerialToken] holds a
// replaceable inner token.
//
// # Thread Safety
//
//   - [Bridge.Post], [Bridge.NewSlot], [Loop.Submit], every [Scheduler]
//     operation, and every token's Release are safe from any goroutine.
//   - Timer creation, firing, and cancellation happen only on the loop
//     thread; [Host.StartTimer] and [Timer.Stop] are loop-thread-only.
//   - Messages posted by one goroutine dispatch in post order; no order is
//     defined across goroutines.
//
// # Usage
//
//	loop, err := rxloop.NewLoop()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	bridge, err := rxloop.NewBridge(loop)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sched := rxloop.NewScheduler(bridge)
//
//	go func() {
//	    token := sched.ScheduleAfter(100*time.Millisecond, func(s *rxloop.Scheduler, state any) rxloop.Token {
//	        fmt.Println(state)
//	        return nil
//	    }, "hello")
//	    defer token.Release()
//	    // ...
//	    _ = loop.Shutdown(context.Background())
//	}()
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Errors
//
// Loop lifecycle misuse returns the sentinel errors [ErrLoopAlreadyRunning],
// [ErrLoopTerminated], and [ErrReentrantRun]. A panicking task is recovered
// by the loop, logged, and wrapped in [PanicError]; a panicking scheduled
// action propagates to that same boundary (the scheduler neither catches
// nor retries it). Releasing a never-populated timer slot is logged and
// ignored. Assigning a [TokenSlot] twice while it is active panics: that is
// a wiring bug, not a runtime condition.
package rxloop
