package rxloop

import (
	"errors"
	"time"

	"github.com/joeycumines/logiface"
)

// Host is the loop collaborator a [Bridge] is built over. It owns a single
// designated goroutine (the loop thread) and the timer primitive used to
// service RunLater and RunPeriodic messages.
//
// [Loop] is the in-process implementation; anything satisfying the
// contracts below works, e.g. an adapter over a UI or game-engine loop.
type Host interface {
	// Submit delivers fn to the loop thread to be run exactly once.
	// Tasks submitted by one goroutine run in submission order; no order
	// is defined across goroutines. Submit never blocks and is safe from
	// any goroutine. It returns an error if the host has stopped, in
	// which case fn will never run.
	Submit(fn Task) error

	// StartTimer creates and starts a timer that invokes fire on the
	// loop thread after d elapses, repeatedly every d if periodic.
	// StartTimer must only be called from the loop thread.
	StartTimer(d time.Duration, periodic bool, fire func()) Timer

	// Now returns the host's current time.
	Now() time.Time
}

// Timer is a running host timer.
type Timer interface {
	// Stop cancels the timer. Loop-thread-only; a no-op once a one-shot
	// timer has fired or the timer is already stopped.
	Stop()
}

// Bridge delivers scheduling and cancellation requests, issued from any
// goroutine, to a host's loop thread, where they are executed exactly once
// in per-origin FIFO order.
//
// A Bridge is an explicit dependency: construct one over a [Host] and hand
// it to each [Scheduler] that should share the loop. Multiple independent
// bridges coexist in one process, each with its own slot table, logger, and
// metrics.
//
// Thread Safety: Post and NewSlot are safe from any goroutine. Dispatch
// (and therefore all slot population and timer manipulation) happens only
// on the host's loop thread.
type Bridge struct {
	host    Host
	slots   *slotTable
	log     *logiface.Logger[logiface.Event]
	metrics *Metrics
}

// NewBridge returns a bridge over host. Supported options: [WithLogger],
// [WithMetrics].
func NewBridge(host Host, opts ...Option) (*Bridge, error) {
	if host == nil {
		return nil, errors.New("rxloop: nil host")
	}
	cfg, err := resolveOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Bridge{
		host:    host,
		slots:   newSlotTable(),
		log:     cfg.logger,
		metrics: cfg.metrics,
	}, nil
}

// Host returns the host this bridge was built over.
func (b *Bridge) Host() Host {
	return b.host
}

// NewSlot reserves an empty timer slot for use in a [RunLater] or
// [RunPeriodic] message. The slot is populated on the loop thread when that
// message is dispatched, and discarded when its timer fires (one-shot) or a
// [ReleaseSlot] for it is dispatched.
//
// Callable from any goroutine.
func (b *Bridge) NewSlot() SlotID {
	return b.slots.Alloc()
}

// Post submits m for dispatch on the loop thread. It is fire-and-forget:
// it never blocks, returns nothing, and is safe from any goroutine.
// Messages posted by one goroutine dispatch in post order.
//
// After the host has stopped, posts are dropped; a drop is recorded in
// metrics and logged at debug level. Any slot carried by a dropped message
// is discarded so the slot table cannot leak.
func (b *Bridge) Post(m Message) {
	if m == nil {
		return
	}
	if err := b.host.Submit(func() { b.dispatch(m) }); err != nil {
		b.metrics.incDropped()
		b.discardSlot(m)
		b.log.Debug().
			Stringer("kind", m.kind()).
			Err(err).
			Log("post dropped")
		return
	}
	b.metrics.incPosted()
}

// dispatch executes one message. Loop thread only.
func (b *Bridge) dispatch(m Message) {
	b.metrics.incDispatched()
	switch m := m.(type) {
	case runNowMessage:
		m.fn()
	case runLaterMessage:
		b.armOneShot(m)
	case runPeriodicMessage:
		b.armPeriodic(m)
	case releaseMessage:
		b.releaseSlot(m.slot)
	}
}

// armOneShot starts a one-shot host timer and populates the message's slot
// with its cancel. The firing discards the slot before invoking the
// callback; if the slot is already gone a release won the race and the
// firing is suppressed.
func (b *Bridge) armOneShot(m runLaterMessage) {
	id, fn := m.slot, m.fn
	tmr := b.host.StartTimer(m.delay, false, func() {
		if !b.slots.Fire(id) {
			return
		}
		fn()
	})
	b.metrics.incTimersStarted()
	if !b.slots.Arm(id, tmr.Stop) {
		// Slot discarded before its populating message arrived: stop the
		// orphan timer rather than leak it.
		tmr.Stop()
		b.metrics.incTimersStopped()
	}
}

// armPeriodic starts a repeating host timer and populates the message's
// slot. The slot stays live across firings; each firing rechecks it so a
// release that raced an already-queued firing suppresses the callback.
func (b *Bridge) armPeriodic(m runPeriodicMessage) {
	id, fn := m.slot, m.fn
	tmr := b.host.StartTimer(m.period, true, func() {
		if !b.slots.Live(id) {
			return
		}
		fn()
	})
	b.metrics.incTimersStarted()
	if !b.slots.Arm(id, tmr.Stop) {
		tmr.Stop()
		b.metrics.incTimersStopped()
	}
}

// releaseSlot services a ReleaseSlot message. A generation mismatch means
// the timer already fired or the slot was already released: the normal,
// silent case. A live but never-populated slot should be unreachable given
// per-origin FIFO ordering, so it is logged and ignored rather than fatal.
func (b *Bridge) releaseSlot(id SlotID) {
	stop, stale := b.slots.Release(id)
	if stop != nil {
		stop()
		b.metrics.incTimersStopped()
		return
	}
	if stale {
		b.metrics.incStaleReleases()
		b.log.Warning().
			Uint64("slot_index", uint64(id.index)).
			Uint64("slot_gen", id.gen).
			Log("release for a slot that was never populated")
	}
}

// Close releases every outstanding slot, stopping any armed host timers, so
// no timer outlives the bridge. Call on the loop thread during teardown,
// after the last wanted message has dispatched; later posts are dropped once
// the host stops regardless.
func (b *Bridge) Close() {
	for _, stop := range b.slots.ReleaseAll() {
		stop()
		b.metrics.incTimersStopped()
	}
}

// discardSlot frees the slot carried by a message that will never dispatch.
func (b *Bridge) discardSlot(m Message) {
	switch m := m.(type) {
	case runLaterMessage:
		b.slots.Release(m.slot)
	case runPeriodicMessage:
		b.slots.Release(m.slot)
	}
}
