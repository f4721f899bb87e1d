package rxloop

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// MergeSequences flattens a sequence of sequences into one. The outer
// sequence's values must themselves be [Sequence]s ("inner sequences");
// every value from every admitted inner sequence is forwarded to the
// downstream observer.
//
// At most maxConcurrent inner sequences run at once; maxConcurrent <= 0
// means unbounded. Inner sequences arriving over the cap queue in FIFO
// order and are admitted as running ones complete. Downstream completes
// exactly once, after the outer sequence has completed and every admitted
// or queued inner sequence has completed. The first error from the outer
// or any inner sequence is forwarded exactly once; all further emissions
// are suppressed and every live inner subscription is released.
//
// Downstream calls across the outer and all concurrently-running inner
// sequences are serialized by one lock per subscription. Releasing the
// returned subscription token suppresses further downstream emissions and
// releases every live subscription.
func MergeSequences(maxConcurrent int, outer Sequence) Sequence {
	return SequenceFunc(func(downstream Observer) Token {
		m := &mergeRun{
			downstream:    downstream,
			maxConcurrent: maxConcurrent,
			group:         NewTokenGroup(),
		}

		outerSlot := NewTokenSlot()
		m.group.Add(outerSlot)
		outerSlot.Assign(outer.Subscribe(&mergeOuterObserver{run: m}))

		return NewTokenGroup(NewToken(m.stop), m.group)
	})
}

// MergeAll flattens a sequence of sequences with no concurrency cap.
func MergeAll(outer Sequence) Sequence {
	return MergeSequences(0, outer)
}

// Merge subscribes to all the given sequences at once and forwards their
// values into one sequence.
func Merge(sources ...Sequence) Sequence {
	return MergeAll(SequenceFunc(func(o Observer) Token {
		for _, src := range sources {
			o.OnNext(src)
		}
		o.OnCompleted()
		return NewToken(nil)
	}))
}

// mergeRun is the state of one merge subscription.
//
// mu serializes downstream calls and state mutation across the outer and
// every running inner sequence, which may emit from independent goroutines.
// mu is never held across a call into an inner sequence's Subscribe, since
// that logic may re-enter the merge synchronously. The group has its own
// lock; releases of inner subscriptions happen outside mu for the same
// reason.
//
// terminated is atomic, not mu-guarded: the subscription token's stop runs
// it, and mu is held during downstream notifications, so stop must not take
// mu or a downstream observer releasing its own subscription would
// deadlock. Whichever of stop, fail, or completion flips it first wins;
// the terminal notification sites gate on the flip so downstream sees at
// most one terminal call.
type mergeRun struct {
	downstream    Observer
	maxConcurrent int // <= 0 means unbounded

	// group aggregates the outer subscription and every live inner
	// subscription, each held through a TokenSlot so a subscription
	// that terminates synchronously (before its token is even assigned)
	// is released on assignment.
	group *TokenGroup

	terminated atomic.Bool

	mu           sync.Mutex
	pending      []Sequence
	activeCount  int
	outerStopped bool
}

// stop suppresses further downstream emissions. It is the first member of
// the subscription token, so an external unsubscribe silences the merge
// before the group releases the live subscriptions. Must not take mu: it
// may be called from inside a downstream notification.
func (m *mergeRun) stop() {
	m.terminated.Store(true)
}

// admit handles one value from the outer sequence.
func (m *mergeRun) admit(v any) {
	inner, ok := v.(Sequence)
	if !ok {
		m.fail(fmt.Errorf("rxloop: merge: outer sequence emitted %T, not a Sequence", v))
		return
	}

	m.mu.Lock()
	if m.terminated.Load() {
		m.mu.Unlock()
		return
	}
	if m.maxConcurrent <= 0 || m.activeCount < m.maxConcurrent {
		m.activeCount++
		m.mu.Unlock()
		m.subscribeInner(inner)
		return
	}
	m.pending = append(m.pending, inner)
	m.mu.Unlock()
}

// subscribeInner subscribes to an admitted inner sequence. Called without
// mu held. The TokenSlot absorbs synchronous termination: if the inner
// completed during Subscribe, innerDone already released the slot, and
// assigning the fresh subscription token releases it immediately.
func (m *mergeRun) subscribeInner(inner Sequence) {
	slot := NewTokenSlot()
	m.group.Add(slot)
	slot.Assign(inner.Subscribe(&mergeInnerObserver{run: m, slot: slot}))
}

// forward emits one inner value downstream.
func (m *mergeRun) forward(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.terminated.Load() {
		return
	}
	m.downstream.OnNext(v)
}

// innerDone handles an inner sequence's completion: the freed capacity goes
// to the head of the pending queue if there is one, otherwise activeCount
// drops and completion fires if the outer is already done.
func (m *mergeRun) innerDone(slot *TokenSlot) {
	m.group.Remove(slot)

	m.mu.Lock()
	if m.terminated.Load() {
		m.mu.Unlock()
		return
	}
	if len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		m.mu.Unlock()
		m.subscribeInner(next)
		return
	}
	m.activeCount--
	if m.outerStopped && m.activeCount == 0 && m.terminated.CompareAndSwap(false, true) {
		m.downstream.OnCompleted()
	}
	m.mu.Unlock()
}

// outerDone handles the outer sequence's completion.
func (m *mergeRun) outerDone() {
	m.mu.Lock()
	if m.terminated.Load() {
		m.mu.Unlock()
		return
	}
	m.outerStopped = true
	if m.activeCount == 0 && len(m.pending) == 0 && m.terminated.CompareAndSwap(false, true) {
		m.downstream.OnCompleted()
	}
	m.mu.Unlock()
}

// fail forwards the first error downstream and cancels everything else.
// The group release runs outside mu: releasing an inner subscription may
// call arbitrary source code.
func (m *mergeRun) fail(err error) {
	m.mu.Lock()
	if !m.terminated.CompareAndSwap(false, true) {
		m.mu.Unlock()
		return
	}
	m.pending = nil
	m.downstream.OnError(err)
	m.mu.Unlock()

	m.group.Release()
}

type mergeOuterObserver struct {
	run *mergeRun
}

func (o *mergeOuterObserver) OnNext(v any)      { o.run.admit(v) }
func (o *mergeOuterObserver) OnError(err error) { o.run.fail(err) }
func (o *mergeOuterObserver) OnCompleted()      { o.run.outerDone() }

type mergeInnerObserver struct {
	run  *mergeRun
	slot *TokenSlot
}

func (o *mergeInnerObserver) OnNext(v any)      { o.run.forward(v) }
func (o *mergeInnerObserver) OnError(err error) { o.run.fail(err) }
func (o *mergeInnerObserver) OnCompleted()      { o.run.innerDone(o.slot) }
