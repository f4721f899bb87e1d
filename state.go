package rxloop

import "sync/atomic"

// LoopState is the lifecycle state of a [Loop].
//
// The host loop moves through these states:
//
//	Awake -> Running -> (Sleeping <-> Running)* -> Terminating -> Terminated
//
// Awake is the pre-Run state. Running means the loop thread is draining
// work. Sleeping means the loop thread is parked waiting for a wake signal
// or timer. Terminating is the transient window where Shutdown has been
// requested but the loop thread has not yet observed it. Terminated is
// final: no new work is accepted and the loop thread has exited or is
// exiting.
type LoopState uint64

const (
	// StateAwake is the initial state: the loop exists but Run has not
	// been called.
	StateAwake LoopState = iota
	// StateTerminated is the final state. Posts are rejected.
	StateTerminated
	// StateSleeping means the loop thread is parked on its wake signal.
	// Producers that observe this state must wake the loop after pushing.
	StateSleeping
	// StateRunning means the loop thread is actively draining work.
	StateRunning
	// StateTerminating means shutdown has been requested and the loop
	// thread will exit on its next pass. Posts are still accepted but
	// are dropped when the loop finalizes.
	StateTerminating
)

// String implements [fmt.Stringer] for log output.
func (s LoopState) String() string {
	switch s {
	case StateAwake:
		return "awake"
	case StateTerminated:
		return "terminated"
	case StateSleeping:
		return "sleeping"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	default:
		return "unknown"
	}
}

// fastState is an atomic [LoopState] padded to its own cache line, so the
// producer-side hot path (state check on every Post) does not false-share
// with neighboring loop fields. The layout is verified by a unit test.
type fastState struct {
	_     [sizeOfCacheLine]byte
	state atomic.Uint64
	_     [sizeOfCacheLine - sizeOfAtomicUint64]byte
}

// Load returns the current state.
func (s *fastState) Load() LoopState {
	return LoopState(s.state.Load())
}

// Store unconditionally sets the state.
func (s *fastState) Store(v LoopState) {
	s.state.Store(uint64(v))
}

// TryTransition atomically moves from -> to, returning false if the current
// state is not from.
func (s *fastState) TryTransition(from, to LoopState) bool {
	return s.state.CompareAndSwap(uint64(from), uint64(to))
}

// IsRunning reports whether the loop thread is active (running or sleeping).
func (s *fastState) IsRunning() bool {
	switch s.Load() {
	case StateRunning, StateSleeping:
		return true
	default:
		return false
	}
}

// CanAcceptWork reports whether a Post should be admitted. Work is accepted
// in every state except Terminated: posts before Run are queued until the
// loop starts, and posts that land during Terminating are dropped when the
// loop finalizes.
func (s *fastState) CanAcceptWork() bool {
	return s.Load() != StateTerminated
}
