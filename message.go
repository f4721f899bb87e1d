package rxloop

import "time"

// messageKind discriminates the closed set of bridge message variants.
type messageKind uint8

const (
	kindRunNow messageKind = iota
	kindRunLater
	kindRunPeriodic
	kindRelease
)

// String implements [fmt.Stringer] for log output.
func (k messageKind) String() string {
	switch k {
	case kindRunNow:
		return "run-now"
	case kindRunLater:
		return "run-later"
	case kindRunPeriodic:
		return "run-periodic"
	case kindRelease:
		return "release"
	default:
		return "unknown"
	}
}

// Message is one request delivered across a [Bridge] to the loop thread.
//
// The set of variants is closed: RunNow, RunLater, RunPeriodic, and
// ReleaseSlot construct the only implementations, and the bridge's
// dispatcher switches exhaustively over them. Messages are immutable values
// once constructed; the SlotID they carry is forwarded opaquely and only
// ever dereferenced on the loop thread.
type Message interface {
	kind() messageKind
}

type runNowMessage struct {
	fn func()
}

type runLaterMessage struct {
	fn    func()
	slot  SlotID
	delay time.Duration
}

type runPeriodicMessage struct {
	fn     func()
	slot   SlotID
	period time.Duration
}

type releaseMessage struct {
	slot SlotID
}

func (runNowMessage) kind() messageKind      { return kindRunNow }
func (runLaterMessage) kind() messageKind    { return kindRunLater }
func (runPeriodicMessage) kind() messageKind { return kindRunPeriodic }
func (releaseMessage) kind() messageKind     { return kindRelease }

// RunNow returns a message that invokes fn synchronously on the loop thread
// when dispatched.
func RunNow(fn func()) Message {
	return runNowMessage{fn: fn}
}

// RunLater returns a message that, when dispatched, starts a one-shot timer
// for delay on the loop thread, stores the timer's cancel in slot, and
// invokes fn when the timer fires. slot must come from the same bridge's
// [Bridge.NewSlot] and be referenced by exactly this message and its
// matching ReleaseSlot.
func RunLater(fn func(), slot SlotID, delay time.Duration) Message {
	return runLaterMessage{fn: fn, slot: slot, delay: delay}
}

// RunPeriodic returns a message that, when dispatched, starts a repeating
// timer at period on the loop thread, stores the timer's cancel in slot,
// and invokes fn on every firing. The timer never stops on its own; it runs
// until a ReleaseSlot for slot is dispatched or the bridge closes.
func RunPeriodic(fn func(), slot SlotID, period time.Duration) Message {
	return runPeriodicMessage{fn: fn, slot: slot, period: period}
}

// ReleaseSlot returns a message that stops the timer referenced by slot, if
// it is still running. Releasing a slot whose timer already fired or was
// already released is a silent no-op; releasing a slot that was never
// populated is logged and ignored.
func ReleaseSlot(slot SlotID) Message {
	return releaseMessage{slot: slot}
}
