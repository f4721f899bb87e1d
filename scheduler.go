package rxloop

import "time"

// Action is a unit of scheduled work. It receives the scheduler it was
// scheduled on, so it can schedule follow-up work, and the state it was
// scheduled with. The returned token, if non-nil, is tied to the token the
// schedule call returned: releasing that token releases this one too,
// cancelling any follow-up work the action scheduled.
type Action func(s *Scheduler, state any) Token

// StepFunc advances the state of a periodic schedule: each firing computes
// the next state from the previous one.
type StepFunc func(state any) any

// Scheduler schedules work onto a bridge's loop thread. All operations are
// safe from any goroutine, never block, and return a [Token] that cancels
// the scheduled work best-effort: an invocation already executing on the
// loop thread is never interrupted, but subsequent firings are prevented.
//
// Every invocation additionally checks the token's released flag at
// invocation time, so a release that races an already-fired timer still
// suppresses the callback.
type Scheduler struct {
	bridge *Bridge
}

// NewScheduler returns a scheduler over bridge.
func NewScheduler(bridge *Bridge) *Scheduler {
	return &Scheduler{bridge: bridge}
}

// Now returns the current time of the scheduler's host.
func (s *Scheduler) Now() time.Time {
	return s.bridge.Host().Now()
}

// ScheduleNow schedules action for immediate execution on the loop thread.
func (s *Scheduler) ScheduleNow(action Action, state any) Token {
	result := NewTokenSlot()
	flag := NewToken(nil)
	s.bridge.Post(RunNow(func() {
		if flag.Released() {
			return
		}
		result.Assign(action(s, state))
	}))
	return NewTokenGroup(result, flag)
}

// ScheduleAfter schedules action to run on the loop thread once delay has
// elapsed. A delay of zero or less runs the action as soon as possible,
// without a timer (equivalent to [Scheduler.ScheduleNow]).
func (s *Scheduler) ScheduleAfter(delay time.Duration, action Action, state any) Token {
	if delay <= 0 {
		return s.ScheduleNow(action, state)
	}

	result := NewTokenSlot()
	slot := s.bridge.NewSlot()
	release := NewToken(func() { s.bridge.Post(ReleaseSlot(slot)) })
	s.bridge.Post(RunLater(func() {
		if release.Released() {
			return
		}
		result.Assign(action(s, state))
	}, slot, delay))
	return NewTokenGroup(result, release)
}

// ScheduleAt schedules action to run at the given instant, converted to a
// delay against [Scheduler.Now]. An instant at or before now runs the
// action as soon as possible.
func (s *Scheduler) ScheduleAt(when time.Time, action Action, state any) Token {
	return s.ScheduleAfter(when.Sub(s.Now()), action, state)
}

// periodicState carries the evolving state of a periodic schedule between
// firings. It is read and written only on the loop thread.
type periodicState struct {
	state any
}

// SchedulePeriodic schedules step to run on the loop thread every period,
// starting one period from now. Each firing advances the state:
//
//	s1 = step(s0), s2 = step(s1), ...
//
// A periodic schedule never stops on its own; it runs until the returned
// token is released. Releasing between firings prevents all further ones;
// releasing during a firing lets that firing finish.
func (s *Scheduler) SchedulePeriodic(period time.Duration, step StepFunc, initialState any) Token {
	slot := s.bridge.NewSlot()
	holder := &periodicState{state: initialState}
	release := NewToken(func() { s.bridge.Post(ReleaseSlot(slot)) })
	s.bridge.Post(RunPeriodic(func() {
		if release.Released() {
			return
		}
		holder.state = step(holder.state)
	}, slot, period))
	return release
}
